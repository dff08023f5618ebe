package strategy

import (
	"github.com/vadiminshakov/lotbot/internal/domain"
)

// FixedTakeProfit sells every lot with a resting limit order a fixed percentage above
// its buy price.
type FixedTakeProfit struct {
	params domain.SellParams
}

func (f *FixedTakeProfit) Kind() domain.SellLogicKind { return domain.SellLogicFixedTP }

func (f *FixedTakeProfit) EvaluateSell(c *Context, lot domain.Lot) *domain.OrderIntent {
	if lot.SellOrder != nil || !lot.Qty.IsPositive() {
		return nil
	}
	target := lot.BuyPrice.Mul(one.Add(f.params.TakeProfitPct))
	if lot.Notional(target).LessThan(f.params.MinTradeQuote) {
		return nil
	}
	return &domain.OrderIntent{
		ComboID: c.Combo.ID,
		Side:    domain.SideSell,
		Price:   target,
		Qty:     lot.Qty,
		LotID:   lot.ID,
		Reason:  "take_profit",
	}
}

func (f *FixedTakeProfit) OnSellFill(c *Context, closed domain.ClosedLot) {
	switch f.params.BasePriceUpdate {
	case domain.BasePriceUpdateIfHigher:
		if closed.SellPrice.GreaterThan(c.State.BasePrice) {
			c.State.BasePrice = closed.SellPrice
		}
	default:
		c.State.BasePrice = closed.SellPrice
	}
}
