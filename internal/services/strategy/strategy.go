// Package strategy holds the closed set of buy and sell logics a combo can run.
// Logics are stateless values: everything they remember lives in domain.ComboState,
// which the executor loads and persists with the account.
package strategy

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lotbot/internal/domain"
)

// qtyPrecision is the rounding applied to order quantities before the gateway
// applies exchange specific steps.
const qtyPrecision = 8

var one = decimal.NewFromInt(1)

// Context is the input of a single combo evaluation.
type Context struct {
	Now       time.Time
	Price     decimal.Decimal
	FreeQuote decimal.Decimal
	Combo     domain.Combo
	// State is mutated in place by the logic.
	State *domain.ComboState
	// Reference is the state of the reference combo, nil when the combo has none.
	Reference *domain.ComboState
	OpenLots  []domain.Lot
}

// Flat reports whether the combo holds nothing: no open lots and no pending buy.
func (c *Context) Flat() bool {
	return len(c.OpenLots) == 0 && c.State.PendingBuy == nil
}

// BuyLogic decides when and how much a combo buys.
type BuyLogic interface {
	Kind() domain.BuyLogicKind
	// PreTick runs every cycle, also while buying is paused or the breaker is tripped.
	PreTick(c *Context)
	// EvaluateBuy returns a buy intent or nil.
	EvaluateBuy(c *Context) *domain.OrderIntent
	// NextBuyQuote is the quote balance the next buy needs, never below the minimum trade.
	NextBuyQuote(c *Context) decimal.Decimal
	// ShouldCancelPending reports whether the pending buy should be cancelled and why.
	ShouldCancelPending(c *Context) (bool, string)
	// OnBuyFill is called once per buy order that executed, with its average price and total quantity.
	OnBuyFill(c *Context, price, qty decimal.Decimal)
}

// SellLogic decides when open lots are sold.
type SellLogic interface {
	Kind() domain.SellLogicKind
	// EvaluateSell returns a sell intent for the lot or nil.
	EvaluateSell(c *Context, lot domain.Lot) *domain.OrderIntent
	// OnSellFill is called for every sell fill booked against a lot of the combo.
	OnSellFill(c *Context, closed domain.ClosedLot)
}

// NewBuyLogic returns the buy logic of the given kind.
func NewBuyLogic(kind domain.BuyLogicKind, params domain.BuyParams) (BuyLogic, error) {
	switch kind {
	case domain.BuyLogicLotStacking:
		return &LotStacking{params: params}, nil
	case domain.BuyLogicTrend:
		return &TrendBuy{params: params}, nil
	default:
		return nil, errors.Errorf("unknown buy logic %q", kind)
	}
}

// NewSellLogic returns the sell logic of the given kind.
func NewSellLogic(kind domain.SellLogicKind, params domain.SellParams) (SellLogic, error) {
	switch kind {
	case domain.SellLogicFixedTP:
		return &FixedTakeProfit{params: params}, nil
	default:
		return nil, errors.Errorf("unknown sell logic %q", kind)
	}
}

// ForCombo builds both logics of a combo.
func ForCombo(combo domain.Combo) (BuyLogic, SellLogic, error) {
	buy, err := NewBuyLogic(combo.BuyLogic, combo.BuyParams)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "combo %s", combo.ID)
	}
	sell, err := NewSellLogic(combo.SellLogic, combo.SellParams)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "combo %s", combo.ID)
	}
	return buy, sell, nil
}

// DefaultBuyParams returns the tuned defaults of a buy logic.
func DefaultBuyParams(kind domain.BuyLogicKind) domain.BuyParams {
	switch kind {
	case domain.BuyLogicTrend:
		return domain.BuyParams{
			SizingMode:    domain.SizingFixed,
			BuyQuote:      decimal.NewFromInt(50),
			BalancePct:    decimal.NewFromInt(10),
			PlanStepPct:   decimal.NewFromFloat(0.5),
			MaxBuyQuote:   decimal.NewFromInt(500),
			MinTradeQuote: decimal.NewFromInt(6),
			DropPct:       decimal.NewFromFloat(0.01),
			OrderTimeout:  3 * time.Hour,
			RecenterPct:   decimal.NewFromFloat(0.02),
			EnablePct:     decimal.NewFromFloat(0.03),
			StepPct:       decimal.NewFromFloat(0.01),
		}
	default:
		return domain.BuyParams{
			SizingMode:        domain.SizingFixed,
			BuyQuote:          decimal.NewFromInt(100),
			BalancePct:        decimal.NewFromInt(10),
			PlanStepPct:       decimal.NewFromFloat(0.5),
			MaxBuyQuote:       decimal.NewFromInt(500),
			MinTradeQuote:     decimal.NewFromInt(6),
			DropPct:           decimal.NewFromFloat(0.006),
			PrebuyPct:         decimal.NewFromFloat(0.0015),
			CancelReboundPct:  decimal.NewFromFloat(0.004),
			OrderTimeout:      3 * time.Hour,
			RecenterEnabled:   true,
			RecenterPct:       decimal.NewFromFloat(0.02),
			RecenterEMAPeriod: 40,
		}
	}
}

// DefaultSellParams returns the tuned defaults of a sell logic.
func DefaultSellParams(domain.SellLogicKind) domain.SellParams {
	return domain.SellParams{
		TakeProfitPct:   decimal.NewFromFloat(0.033),
		MinTradeQuote:   decimal.NewFromInt(6),
		BasePriceUpdate: domain.BasePriceUpdateAlways,
	}
}

// cancelPending applies the shared pending buy cancellation rules.
func cancelPending(p domain.BuyParams, c *Context) (bool, string) {
	pending := c.State.PendingBuy
	if pending == nil {
		return false, ""
	}
	if p.OrderTimeout > 0 && c.Now.Sub(pending.PlacedAt) >= p.OrderTimeout {
		return true, "timeout"
	}
	if p.CancelReboundPct.IsPositive() && c.Price.GreaterThan(pending.Price.Mul(one.Add(p.CancelReboundPct))) {
		return true, "rebound"
	}
	return false, ""
}

// buyIntent sizes a buy at limit price, or returns nil when the size is below the
// minimum trade or above the free balance.
func buyIntent(p domain.BuyParams, c *Context, limit decimal.Decimal, reason string) *domain.OrderIntent {
	if !limit.IsPositive() {
		return nil
	}
	quote := buyQuote(p, c.State, c.FreeQuote)
	if quote.LessThan(p.MinTradeQuote) || quote.GreaterThan(c.FreeQuote) {
		return nil
	}
	qty := quote.Div(limit).RoundFloor(qtyPrecision)
	if !qty.IsPositive() {
		return nil
	}
	return &domain.OrderIntent{
		ComboID: c.Combo.ID,
		Side:    domain.SideBuy,
		Price:   limit,
		Qty:     qty,
		Reason:  reason,
	}
}
