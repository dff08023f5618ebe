package strategy

import (
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lotbot/internal/domain"
)

// TrendBuy buys pullbacks while price runs above the base of a reference combo.
type TrendBuy struct {
	params domain.BuyParams
}

func (t *TrendBuy) Kind() domain.BuyLogicKind { return domain.BuyLogicTrend }

func (t *TrendBuy) active(c *Context) bool {
	if c.Reference == nil || !c.Reference.BasePrice.IsPositive() {
		return false
	}
	return c.Price.GreaterThanOrEqual(c.Reference.BasePrice.Mul(one.Add(t.params.EnablePct)))
}

func (t *TrendBuy) PreTick(c *Context) {
	resetPlan(c)

	if !t.active(c) {
		if c.Flat() {
			c.State.TrendBase = decimal.Zero
			c.State.LastBuyPrice = decimal.Zero
		}
		return
	}

	switch {
	case c.State.TrendBase.IsZero():
		c.State.TrendBase = c.Price
	case c.Price.GreaterThanOrEqual(c.State.TrendBase.Mul(one.Add(t.params.RecenterPct))):
		c.State.TrendBase = c.Price
	}
	c.State.BasePrice = c.State.TrendBase
}

func (t *TrendBuy) EvaluateBuy(c *Context) *domain.OrderIntent {
	if c.State.PendingBuy != nil || !t.active(c) || !c.State.TrendBase.IsPositive() {
		return nil
	}
	if c.Price.GreaterThan(c.State.TrendBase.Mul(one.Sub(t.params.DropPct))) {
		return nil
	}
	last := c.State.LastBuyPrice
	if last.IsPositive() && c.Price.GreaterThan(last.Mul(one.Sub(t.params.StepPct))) {
		return nil
	}
	return buyIntent(t.params, c, c.Price, "trend_pullback")
}

func (t *TrendBuy) NextBuyQuote(c *Context) decimal.Decimal {
	return requiredQuote(t.params, c.State, c.FreeQuote)
}

func (t *TrendBuy) ShouldCancelPending(c *Context) (bool, string) {
	return cancelPending(t.params, c)
}

func (t *TrendBuy) OnBuyFill(c *Context, price, qty decimal.Decimal) {
	c.State.LastBuyPrice = price
	if price.GreaterThan(c.State.TrendBase) {
		c.State.TrendBase = price
	}
	if price.GreaterThan(c.State.BasePrice) {
		c.State.BasePrice = price
	}
	advancePlan(c.State, price.Mul(qty))
}
