package trader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"
	"github.com/vadiminshakov/lotbot/internal/domain"
)

// DefaultHyperliquidFeeRate is the base tier spot taker fee.
var DefaultHyperliquidFeeRate = decimal.NewFromFloat(0.0007)

// hyperliquid accepts at most five significant figures in a price
const hyperliquidPriceFigures = 5

// HyperliquidTrader places spot limit orders on Hyperliquid. Orders are addressed by
// their client order id (cloid), which is also the order id handed to the engine.
type HyperliquidTrader struct {
	ex          *hyperliquid.Exchange
	info        *hyperliquid.Info
	accountAddr string
	feeRate     decimal.Decimal
	qtyDecimals int32
}

func NewHyperliquidTrader(ex *hyperliquid.Exchange, accountAddr string, feeRate decimal.Decimal) (*HyperliquidTrader, error) {
	if ex == nil {
		return nil, errors.New("hyperliquid exchange is nil")
	}
	return &HyperliquidTrader{
		ex:          ex,
		info:        ex.Info(),
		accountAddr: accountAddr,
		feeRate:     feeRate,
		qtyDecimals: defaultQtyPrecision,
	}, nil
}

// spotCoin is the spot market name of a pair, e.g. "PURR/USDC".
func spotCoin(pair domain.Pair) string {
	return pair.From + "/" + pair.To
}

// cloidFromID converts a free-form client order id into a Hyperliquid cloid (0x + 32 hex chars).
func cloidFromID(id string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(id)))
	return "0x" + hex.EncodeToString(sum[:16])
}

func (t *HyperliquidTrader) GetFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	st, err := t.info.SpotUserState(ctx, t.accountAddr)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to get hyperliquid spot balances")
	}
	for _, b := range st.Balances {
		if !strings.EqualFold(b.Coin, asset) {
			continue
		}
		total, err := parseOptional(b.Total)
		if err != nil {
			return decimal.Zero, errors.Wrap(err, "failed to parse hyperliquid balance")
		}
		hold, err := parseOptional(b.Hold)
		if err != nil {
			return decimal.Zero, errors.Wrap(err, "failed to parse hyperliquid held balance")
		}
		return total.Sub(hold), nil
	}
	return decimal.Zero, nil
}

func (t *HyperliquidTrader) PlaceLimitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	qty := req.Qty.RoundFloor(t.qtyDecimals)
	if !qty.IsPositive() {
		return domain.OrderResult{}, errors.Errorf("order quantity rounds to zero: %s", req.Qty)
	}
	size, _ := qty.Float64()
	px, _ := significant(req.Price, hyperliquidPriceFigures).Float64()

	cloid := cloidFromID(req.ClientOrderID)
	_, err := t.ex.Order(ctx, hyperliquid.CreateOrderRequest{
		Coin:          spotCoin(req.Pair),
		IsBuy:         req.Side == domain.SideBuy,
		Price:         px,
		Size:          size,
		ClientOrderID: &cloid,
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{Tif: hyperliquid.TifGtc},
		},
	}, nil)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to create hyperliquid limit order")
	}

	return domain.OrderResult{
		OrderID:       cloid,
		ClientOrderID: req.ClientOrderID,
		Status:        domain.OrderStatusNew,
		ExecutedQty:   decimal.Zero,
	}, nil
}

func (t *HyperliquidTrader) GetOrder(ctx context.Context, _ domain.Pair, orderID string) (domain.OrderResult, error) {
	res, err := t.info.QueryOrderByCloid(ctx, t.accountAddr, orderID)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to query hyperliquid order")
	}
	if res == nil || res.Status != hyperliquid.OrderQueryStatusSuccess {
		return domain.OrderResult{}, errors.Wrapf(domain.ErrOrderNotFound, "hyperliquid order %s", orderID)
	}

	o := res.Order.Order
	return hyperliquidResult(orderID, string(o.Side) == "B", hyperliquidStatus(res.Order.Status), o.OrigSz, o.Sz, o.LimitPx, t.feeRate)
}

func (t *HyperliquidTrader) CancelOrder(ctx context.Context, pair domain.Pair, orderID string) error {
	res, err := t.info.QueryOrderByCloid(ctx, t.accountAddr, orderID)
	if err != nil {
		return errors.Wrap(err, "failed to query hyperliquid order")
	}
	if res == nil || res.Status != hyperliquid.OrderQueryStatusSuccess {
		return errors.Wrapf(domain.ErrOrderNotFound, "cancel hyperliquid order %s", orderID)
	}
	if hyperliquidStatus(res.Order.Status).Final() {
		return nil
	}

	_, err = t.ex.BulkCancel(ctx, []hyperliquid.CancelOrderRequest{{Coin: spotCoin(pair), OrderID: res.Order.Order.Oid}})
	return errors.Wrapf(err, "failed to cancel hyperliquid order %s", orderID)
}

// hyperliquidResult converts a queried order. Limit orders fill at their price or better,
// so the limit price stands in for the average. Hyperliquid reports no per-order fee:
// it is estimated at feeRate in the received asset.
func hyperliquidResult(cloid string, isBuy bool, status domain.OrderStatus, origSz, sz, limitPx string, feeRate decimal.Decimal) (domain.OrderResult, error) {
	orig, err := parseOptional(origSz)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse hyperliquid order size")
	}
	remaining, err := parseOptional(sz)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse hyperliquid remaining size")
	}
	price, err := parseOptional(limitPx)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse hyperliquid limit price")
	}

	executed := orig.Sub(remaining)
	if status == domain.OrderStatusFilled {
		executed = orig
	}
	if executed.IsNegative() {
		executed = decimal.Zero
	}
	if status == domain.OrderStatusNew && executed.IsPositive() {
		status = domain.OrderStatusPartiallyFilled
	}

	res := domain.OrderResult{
		OrderID:       cloid,
		ClientOrderID: cloid,
		Status:        status,
		ExecutedQty:   executed,
	}
	if !executed.IsPositive() {
		return res, nil
	}
	res.AvgPrice = price
	if isBuy {
		res.BaseFee = executed.Mul(feeRate)
	} else {
		res.Fee = executed.Mul(price).Mul(feeRate)
	}
	return res, nil
}

func hyperliquidStatus(s hyperliquid.OrderStatusValue) domain.OrderStatus {
	switch s {
	case hyperliquid.OrderStatusValueFilled:
		return domain.OrderStatusFilled
	case hyperliquid.OrderStatusValueRejected, hyperliquid.OrderStatusValueReduceOnlyRejected:
		return domain.OrderStatusRejected
	case hyperliquid.OrderStatusValueCanceled,
		hyperliquid.OrderStatusValueReduceOnlyCanceled,
		hyperliquid.OrderStatusValueScheduledCancel,
		hyperliquid.OrderStatusValueOpenInterestCapCanceled,
		hyperliquid.OrderStatusValueSelfTradeCanceled:
		return domain.OrderStatusCanceled
	default:
		return domain.OrderStatusNew
	}
}

// significant rounds d down to the given number of significant figures.
func significant(d decimal.Decimal, figures int32) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	digits := int32(len(d.Abs().Truncate(0).String()))
	if d.Abs().LessThan(decimal.NewFromInt(1)) {
		digits = 0
		for x := d.Abs(); x.LessThan(decimal.NewFromFloat(0.1)); x = x.Shift(1) {
			digits--
		}
	}
	return d.RoundFloor(figures - digits)
}
