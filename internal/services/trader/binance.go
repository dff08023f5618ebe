package trader

import (
	"context"
	"strconv"
	"sync"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lotbot/internal/domain"
)

const (
	binanceErrUnknownOrder = -2013
	binanceErrCancelReject = -2011

	defaultQtyPrecision   int32 = 5
	defaultPricePrecision int32 = 2
)

// DefaultBinanceFeeRate is the spot taker fee without BNB discount.
var DefaultBinanceFeeRate = decimal.NewFromFloat(0.001)

type symbolPrecision struct {
	qty   int32
	price int32
}

// BinanceTrader places spot limit orders on Binance.
type BinanceTrader struct {
	client  *binance.Client
	feeRate decimal.Decimal

	mu        sync.Mutex
	precision map[string]symbolPrecision
}

// NewBinanceTrader creates a trader. Commissions are read from the trades of an order,
// feeRate estimates them when the trade list is unavailable.
func NewBinanceTrader(client *binance.Client, feeRate decimal.Decimal) *BinanceTrader {
	return &BinanceTrader{
		client:    client,
		feeRate:   feeRate,
		precision: make(map[string]symbolPrecision),
	}
}

func (t *BinanceTrader) GetFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	account, err := t.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to get binance account balance")
	}

	for _, balance := range account.Balances {
		if balance.Asset == asset {
			free, err := decimal.NewFromString(balance.Free)
			if err != nil {
				return decimal.Zero, errors.Wrap(err, "failed to parse balance")
			}
			return free, nil
		}
	}

	return decimal.Zero, nil
}

func (t *BinanceTrader) PlaceLimitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	prec := t.symbolPrecision(ctx, req.Pair.Symbol())
	qty := req.Qty.RoundFloor(prec.qty)
	price := req.Price.RoundFloor(prec.price)
	if !qty.IsPositive() || !price.IsPositive() {
		return domain.OrderResult{}, errors.Errorf("order rounds to zero: qty %s price %s", req.Qty, req.Price)
	}

	side := binance.SideTypeBuy
	if req.Side == domain.SideSell {
		side = binance.SideTypeSell
	}

	resp, err := t.client.NewCreateOrderService().Symbol(req.Pair.Symbol()).
		Side(side).Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(qty.String()).
		Price(price.String()).
		NewClientOrderID(req.ClientOrderID).
		Do(ctx)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to create binance limit order")
	}

	executed, err := decimal.NewFromString(resp.ExecutedQuantity)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse executed quantity")
	}
	quote, err := decimal.NewFromString(resp.CummulativeQuoteQuantity)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse executed quote")
	}

	res := domain.OrderResult{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        binanceStatus(resp.Status),
		ExecutedQty:   executed,
		AvgPrice:      avgPrice(quote, executed),
	}
	if !executed.IsPositive() {
		return res, nil
	}
	if len(resp.Fills) == 0 {
		t.estimateFees(&res, req.Side, quote)
		return res, nil
	}

	fills := make([]commission, 0, len(resp.Fills))
	for _, f := range resp.Fills {
		fills = append(fills, commission{amount: f.Commission, asset: f.CommissionAsset})
	}
	if res.Fee, res.BaseFee, err = sumCommissions(req.Pair, fills); err != nil {
		return domain.OrderResult{}, err
	}
	return res, nil
}

func (t *BinanceTrader) GetOrder(ctx context.Context, pair domain.Pair, orderID string) (domain.OrderResult, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return domain.OrderResult{}, errors.Wrapf(err, "invalid binance order id %q", orderID)
	}

	order, err := t.client.NewGetOrderService().Symbol(pair.Symbol()).OrderID(id).Do(ctx)
	if err != nil {
		if isBinanceCode(err, binanceErrUnknownOrder) {
			return domain.OrderResult{}, errors.Wrapf(domain.ErrOrderNotFound, "binance order %s", orderID)
		}
		return domain.OrderResult{}, errors.Wrap(err, "failed to query binance order status")
	}

	executed, err := decimal.NewFromString(order.ExecutedQuantity)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse executed quantity")
	}
	quote, err := decimal.NewFromString(order.CummulativeQuoteQuantity)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse executed quote")
	}

	res := domain.OrderResult{
		OrderID:       orderID,
		ClientOrderID: order.ClientOrderID,
		Status:        binanceStatus(order.Status),
		ExecutedQty:   executed,
		AvgPrice:      avgPrice(quote, executed),
	}
	if !executed.IsPositive() {
		return res, nil
	}

	side := domain.SideBuy
	if order.Side == binance.SideTypeSell {
		side = domain.SideSell
	}
	trades, err := t.client.NewListTradesService().Symbol(pair.Symbol()).OrderId(id).Do(ctx)
	if err != nil {
		t.estimateFees(&res, side, quote)
		return res, nil
	}
	fills := make([]commission, 0, len(trades))
	for _, tr := range trades {
		fills = append(fills, commission{amount: tr.Commission, asset: tr.CommissionAsset})
	}
	if res.Fee, res.BaseFee, err = sumCommissions(pair, fills); err != nil {
		return domain.OrderResult{}, err
	}
	return res, nil
}

// estimateFees charges feeRate in the received asset, as Binance does without a BNB discount.
func (t *BinanceTrader) estimateFees(res *domain.OrderResult, side domain.Side, quote decimal.Decimal) {
	if side == domain.SideBuy {
		res.BaseFee = res.ExecutedQty.Mul(t.feeRate)
		return
	}
	res.Fee = quote.Mul(t.feeRate)
}

type commission struct {
	amount string
	asset  string
}

// sumCommissions splits commissions into quote and base asset parts. Commissions paid
// in other assets, BNB for instance, leave the pair balances untouched.
func sumCommissions(pair domain.Pair, fills []commission) (quote, base decimal.Decimal, err error) {
	for _, f := range fills {
		if f.asset != pair.To && f.asset != pair.From {
			continue
		}
		amount, err := decimal.NewFromString(f.amount)
		if err != nil {
			return decimal.Zero, decimal.Zero, errors.Wrap(err, "failed to parse commission")
		}
		if f.asset == pair.From {
			base = base.Add(amount)
		} else {
			quote = quote.Add(amount)
		}
	}
	return quote, base, nil
}

func (t *BinanceTrader) CancelOrder(ctx context.Context, pair domain.Pair, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid binance order id %q", orderID)
	}

	_, err = t.client.NewCancelOrderService().Symbol(pair.Symbol()).OrderID(id).Do(ctx)
	if err != nil {
		if isBinanceCode(err, binanceErrUnknownOrder) || isBinanceCode(err, binanceErrCancelReject) {
			return errors.Wrapf(domain.ErrOrderNotFound, "cancel binance order %s", orderID)
		}
		return errors.Wrapf(err, "failed to cancel binance order %s", orderID)
	}
	return nil
}

// symbolPrecision loads LOT_SIZE and PRICE_FILTER steps once per symbol.
// On failure it falls back to conservative defaults without caching them.
func (t *BinanceTrader) symbolPrecision(ctx context.Context, symbol string) symbolPrecision {
	t.mu.Lock()
	p, ok := t.precision[symbol]
	t.mu.Unlock()
	if ok {
		return p
	}

	p = symbolPrecision{qty: defaultQtyPrecision, price: defaultPricePrecision}
	info, err := t.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return p
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				if step, ok := f["stepSize"].(string); ok {
					p.qty = precisionOf(step)
				}
			case "PRICE_FILTER":
				if tick, ok := f["tickSize"].(string); ok {
					p.price = precisionOf(tick)
				}
			}
		}
	}

	t.mu.Lock()
	t.precision[symbol] = p
	t.mu.Unlock()
	return p
}

func binanceStatus(s binance.OrderStatusType) domain.OrderStatus {
	switch s {
	case binance.OrderStatusTypePartiallyFilled:
		return domain.OrderStatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case binance.OrderStatusTypeCanceled:
		return domain.OrderStatusCanceled
	case binance.OrderStatusTypeRejected:
		return domain.OrderStatusRejected
	case binance.OrderStatusTypeExpired:
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusNew
	}
}

func isBinanceCode(err error, code int64) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func avgPrice(quote, executed decimal.Decimal) decimal.Decimal {
	if !executed.IsPositive() {
		return decimal.Zero
	}
	return quote.Div(executed)
}
