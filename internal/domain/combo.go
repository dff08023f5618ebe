package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// BuyLogicKind selects the buy side of a combo.
type BuyLogicKind string

const (
	// BuyLogicLotStacking buys fixed steps below a recentering base price.
	BuyLogicLotStacking BuyLogicKind = "lot_stacking"
	// BuyLogicTrend buys pullbacks once price runs above a reference combo's base.
	BuyLogicTrend BuyLogicKind = "trend_buy"
)

// SellLogicKind selects the sell side of a combo.
type SellLogicKind string

const (
	// SellLogicFixedTP sells each lot at a fixed take-profit above its buy price.
	SellLogicFixedTP SellLogicKind = "fixed_tp"
)

// SizingMode decides how much quote a buy spends.
type SizingMode string

const (
	SizingFixed      SizingMode = "fixed"
	SizingPctBalance SizingMode = "pct_balance"
	SizingScaledPlan SizingMode = "scaled_plan"
)

// BasePriceUpdateMode controls how a sell fill moves the combo base price.
type BasePriceUpdateMode string

const (
	BasePriceUpdateAlways   BasePriceUpdateMode = "always"
	BasePriceUpdateIfHigher BasePriceUpdateMode = "if_higher"
)

// BuyParams are the tunables of the buy logics. Ratios are fractions (0.006 = 0.6%),
// BalancePct and PlanStepPct are percents of the free quote balance.
type BuyParams struct {
	SizingMode    SizingMode      `json:"sizing_mode"`
	BuyQuote      decimal.Decimal `json:"buy_quote"`
	BalancePct    decimal.Decimal `json:"balance_pct"`
	PlanStepPct   decimal.Decimal `json:"plan_step_pct"`
	MaxBuyQuote   decimal.Decimal `json:"max_buy_quote"`
	MinTradeQuote decimal.Decimal `json:"min_trade_quote"`

	DropPct          decimal.Decimal `json:"drop_pct"`
	PrebuyPct        decimal.Decimal `json:"prebuy_pct"`
	CancelReboundPct decimal.Decimal `json:"cancel_rebound_pct"`
	OrderTimeout     time.Duration   `json:"order_timeout"`

	RecenterEnabled   bool            `json:"recenter_enabled"`
	RecenterPct       decimal.Decimal `json:"recenter_pct"`
	RecenterEMAPeriod int             `json:"recenter_ema_period"`

	EnablePct decimal.Decimal `json:"enable_pct"`
	StepPct   decimal.Decimal `json:"step_pct"`
}

// SellParams are the tunables of the sell logics.
type SellParams struct {
	TakeProfitPct   decimal.Decimal     `json:"take_profit_pct"`
	MinTradeQuote   decimal.Decimal     `json:"min_trade_quote"`
	BasePriceUpdate BasePriceUpdateMode `json:"base_price_update"`
}

// Combo pairs one buy logic with one sell logic on an account.
type Combo struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Enabled          bool          `json:"enabled"`
	BuyLogic         BuyLogicKind  `json:"buy_logic"`
	BuyParams        BuyParams     `json:"buy_params"`
	SellLogic        SellLogicKind `json:"sell_logic"`
	SellParams       SellParams    `json:"sell_params"`
	ReferenceComboID string        `json:"reference_combo_id,omitempty"`
}

// Validate checks the combo definition.
func (c Combo) Validate() error {
	if c.ID == "" {
		return errors.New("combo id is required")
	}
	switch c.BuyLogic {
	case BuyLogicLotStacking:
	case BuyLogicTrend:
		if c.ReferenceComboID == "" {
			return errors.Errorf("combo %s: %s requires a reference combo", c.ID, c.BuyLogic)
		}
	default:
		return errors.Errorf("combo %s: unknown buy logic %q", c.ID, c.BuyLogic)
	}
	if c.SellLogic != SellLogicFixedTP {
		return errors.Errorf("combo %s: unknown sell logic %q", c.ID, c.SellLogic)
	}
	if c.ReferenceComboID == c.ID {
		return errors.Errorf("combo %s references itself", c.ID)
	}
	return nil
}

// PendingOrder is a buy order waiting for fills.
type PendingOrder struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	// Applied is the executed quantity already booked into the ledger.
	Applied decimal.Decimal `json:"applied"`
	// LotID is the lot holding the fills of this order, empty until the first fill.
	LotID    string    `json:"lot_id,omitempty"`
	PlacedAt time.Time `json:"placed_at"`
}

// ComboState is the mutable per-combo strategy bookkeeping.
type ComboState struct {
	BasePrice      decimal.Decimal   `json:"base_price"`
	TrendBase      decimal.Decimal   `json:"trend_base"`
	LastBuyPrice   decimal.Decimal   `json:"last_buy_price"`
	PriceWindow    []decimal.Decimal `json:"price_window,omitempty"`
	SizingRound    int               `json:"sizing_round"`
	PlanFifthQuote decimal.Decimal   `json:"plan_fifth_quote"`
	PendingBuy     *PendingOrder     `json:"pending_buy,omitempty"`
	LastOrderAt    time.Time         `json:"last_order_at"`
}

// Clone returns a deep copy.
func (s ComboState) Clone() ComboState {
	s.PriceWindow = append([]decimal.Decimal(nil), s.PriceWindow...)
	if s.PendingBuy != nil {
		p := *s.PendingBuy
		s.PendingBuy = &p
	}
	return s
}
