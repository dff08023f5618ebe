package trader

import (
	"context"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lotbot/internal/domain"
)

// BybitTrader places spot limit orders on a Bybit unified account.
type BybitTrader struct {
	client         *bybit.Client
	qtyPrecision   int32
	pricePrecision int32
}

func NewBybitTrader(client *bybit.Client) *BybitTrader {
	return &BybitTrader{
		client:         client,
		qtyPrecision:   defaultQtyPrecision,
		pricePrecision: defaultPricePrecision,
	}
}

func (t *BybitTrader) GetFreeBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	res, err := t.client.V5().Account().GetWalletBalance(bybit.AccountTypeV5("UNIFIED"), nil)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to get bybit wallet balance")
	}
	if len(res.Result.List) == 0 {
		return decimal.Zero, nil
	}

	for _, coin := range res.Result.List[0].Coin {
		if string(coin.Coin) != asset {
			continue
		}
		total, err := parseOptional(coin.WalletBalance)
		if err != nil {
			return decimal.Zero, errors.Wrap(err, "failed to parse bybit wallet balance")
		}
		locked, err := parseOptional(coin.Locked)
		if err != nil {
			return decimal.Zero, errors.Wrap(err, "failed to parse bybit locked balance")
		}
		return total.Sub(locked), nil
	}
	return decimal.Zero, nil
}

func (t *BybitTrader) PlaceLimitOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	qty := req.Qty.RoundFloor(t.qtyPrecision)
	price := req.Price.RoundFloor(t.pricePrecision).String()
	if !qty.IsPositive() {
		return domain.OrderResult{}, errors.Errorf("order quantity rounds to zero: %s", req.Qty)
	}

	side := bybit.SideBuy
	if req.Side == domain.SideSell {
		side = bybit.SideSell
	}
	linkID := req.ClientOrderID

	res, err := t.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      bybit.SymbolV5(req.Pair.Symbol()),
		Side:        side,
		OrderType:   bybit.OrderTypeLimit,
		Qty:         qty.String(),
		Price:       &price,
		OrderLinkID: &linkID,
	})
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to create bybit limit order")
	}

	return domain.OrderResult{
		OrderID:       res.Result.OrderID,
		ClientOrderID: res.Result.OrderLinkID,
		Status:        domain.OrderStatusNew,
		ExecutedQty:   decimal.Zero,
	}, nil
}

func (t *BybitTrader) GetOrder(_ context.Context, pair domain.Pair, orderID string) (domain.OrderResult, error) {
	symbol := bybit.SymbolV5(pair.Symbol())
	id := orderID

	open, err := t.client.V5().Order().GetOpenOrders(bybit.V5GetOpenOrdersParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &symbol,
		OrderID:  &id,
	})
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to query bybit open orders")
	}
	for _, o := range open.Result.List {
		if o.OrderID == orderID {
			return bybitResult(o.OrderID, o.OrderLinkID, o.Side, string(o.OrderStatus), o.CumExecQty, o.AvgPrice, o.CumExecFee)
		}
	}

	history, err := t.client.V5().Order().GetHistoryOrders(bybit.V5GetHistoryOrdersParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &symbol,
		OrderID:  &id,
	})
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to query bybit order history")
	}
	for _, o := range history.Result.List {
		if o.OrderID == orderID {
			return bybitResult(o.OrderID, o.OrderLinkID, o.Side, string(o.OrderStatus), o.CumExecQty, o.AvgPrice, o.CumExecFee)
		}
	}

	return domain.OrderResult{}, errors.Wrapf(domain.ErrOrderNotFound, "bybit order %s", orderID)
}

func (t *BybitTrader) CancelOrder(ctx context.Context, pair domain.Pair, orderID string) error {
	id := orderID
	_, err := t.client.V5().Order().CancelOrder(bybit.V5CancelOrderParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   bybit.SymbolV5(pair.Symbol()),
		OrderID:  &id,
	})
	if err == nil {
		return nil
	}

	// bybit rejects cancels of orders that already reached a final state
	if res, getErr := t.GetOrder(ctx, pair, orderID); getErr == nil && res.Status.Final() {
		return nil
	} else if errors.Is(getErr, domain.ErrOrderNotFound) {
		return getErr
	}
	return errors.Wrapf(err, "failed to cancel bybit order %s", orderID)
}

// bybitResult converts an order. Spot buys pay the fee in the bought base coin,
// sells in the received quote coin.
func bybitResult(orderID, linkID string, side bybit.Side, status, execQty, avg, fee string) (domain.OrderResult, error) {
	executed, err := parseOptional(execQty)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse bybit executed quantity")
	}
	price, err := parseOptional(avg)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse bybit average price")
	}
	paid, err := parseOptional(fee)
	if err != nil {
		return domain.OrderResult{}, errors.Wrap(err, "failed to parse bybit fee")
	}

	res := domain.OrderResult{
		OrderID:       orderID,
		ClientOrderID: linkID,
		Status:        bybitStatus(status),
		ExecutedQty:   executed,
		AvgPrice:      price,
	}
	if side == bybit.SideBuy {
		res.BaseFee = paid
	} else {
		res.Fee = paid
	}
	return res, nil
}

func bybitStatus(s string) domain.OrderStatus {
	switch s {
	case "PartiallyFilled":
		return domain.OrderStatusPartiallyFilled
	case "Filled":
		return domain.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return domain.OrderStatusCanceled
	case "Rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusNew
	}
}

func parseOptional(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
