package strategy

import (
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lotbot/internal/domain"
	"github.com/vadiminshakov/lotbot/pkg/indicators"
)

// LotStacking buys a fixed drop below a base price that follows fills and recenters
// upward on an EMA while the combo is flat.
type LotStacking struct {
	params domain.BuyParams
}

func (l *LotStacking) Kind() domain.BuyLogicKind { return domain.BuyLogicLotStacking }

func (l *LotStacking) PreTick(c *Context) {
	if c.State.BasePrice.IsZero() {
		c.State.BasePrice = c.Price
	}
	resetPlan(c)
	l.recenter(c)
}

func (l *LotStacking) recenter(c *Context) {
	period := l.params.RecenterEMAPeriod
	if !l.params.RecenterEnabled || period < 1 || !c.Flat() {
		c.State.PriceWindow = nil
		return
	}

	window := append(c.State.PriceWindow, c.Price)
	if len(window) > period {
		window = window[len(window)-period:]
	}
	c.State.PriceWindow = window
	if len(window) < period {
		return
	}

	ema, err := indicators.LastEMA(window, period)
	if err != nil {
		return
	}
	if ema.GreaterThanOrEqual(c.State.BasePrice.Mul(one.Add(l.params.RecenterPct))) {
		c.State.BasePrice = ema
	}
}

// Trigger returns the buy level below the base price.
func (l *LotStacking) Trigger(base decimal.Decimal) decimal.Decimal {
	return base.Mul(one.Sub(l.params.DropPct))
}

func (l *LotStacking) EvaluateBuy(c *Context) *domain.OrderIntent {
	if c.State.PendingBuy != nil || !c.State.BasePrice.IsPositive() {
		return nil
	}
	trigger := l.Trigger(c.State.BasePrice)
	prebuy := trigger.Mul(one.Add(l.params.PrebuyPct))
	if c.Price.GreaterThan(prebuy) {
		return nil
	}
	return buyIntent(l.params, c, trigger, "lot_stacking_trigger")
}

func (l *LotStacking) NextBuyQuote(c *Context) decimal.Decimal {
	return requiredQuote(l.params, c.State, c.FreeQuote)
}

func (l *LotStacking) ShouldCancelPending(c *Context) (bool, string) {
	return cancelPending(l.params, c)
}

func (l *LotStacking) OnBuyFill(c *Context, price, qty decimal.Decimal) {
	c.State.BasePrice = price
	c.State.LastBuyPrice = price
	advancePlan(c.State, price.Mul(qty))
}
