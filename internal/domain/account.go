package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Breaker is the persisted circuit breaker of an account.
type Breaker struct {
	Tripped             bool      `json:"tripped"`
	Reason              string    `json:"reason,omitempty"`
	TrippedAt           time.Time `json:"tripped_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Account is a trading account running one control loop.
type Account struct {
	ID     string `json:"id"`
	Pair   Pair   `json:"pair"`
	Active bool   `json:"active"`

	Breaker       Breaker   `json:"breaker"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	BuyPause      BuyPause  `json:"buy_pause"`

	ReferencePrice   decimal.Decimal `json:"reference_price"`
	ReferencePriceAt time.Time       `json:"reference_price_at,omitempty"`

	PendingEarnings decimal.Decimal `json:"pending_earnings"`
	ReserveQuote    decimal.Decimal `json:"reserve_quote"`
	ReserveQty      decimal.Decimal `json:"reserve_qty"`
}

// AccountState is the unit of persistence: an account with its combos and lots.
type AccountState struct {
	Account     Account               `json:"account"`
	Combos      []Combo               `json:"combos"`
	ComboStates map[string]ComboState `json:"combo_states"`
	Ledger      Ledger                `json:"ledger"`
	Version     uint64                `json:"version"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// NewAccountState creates the initial state of an account.
func NewAccountState(id string, pair Pair, combos []Combo) (*AccountState, error) {
	if id == "" {
		return nil, errors.New("account id is required")
	}
	ids := make(map[string]struct{}, len(combos))
	for _, c := range combos {
		if err := c.Validate(); err != nil {
			return nil, errors.Wrapf(err, "account %s", id)
		}
		if _, dup := ids[c.ID]; dup {
			return nil, errors.Errorf("account %s: duplicate combo %s", id, c.ID)
		}
		ids[c.ID] = struct{}{}
	}
	for _, c := range combos {
		if c.ReferenceComboID == "" {
			continue
		}
		if _, ok := ids[c.ReferenceComboID]; !ok {
			return nil, errors.Errorf("account %s: combo %s references unknown combo %s", id, c.ID, c.ReferenceComboID)
		}
	}

	return &AccountState{
		Account: Account{
			ID:       id,
			Pair:     pair,
			Active:   true,
			BuyPause: BuyPause{State: BuyPauseActive},
		},
		Combos:      combos,
		ComboStates: make(map[string]ComboState),
	}, nil
}

// EnabledCombos returns the combos to evaluate this cycle.
func (s *AccountState) EnabledCombos() []Combo {
	var out []Combo
	for _, c := range s.Combos {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out
}

// Combo looks a combo up by id.
func (s *AccountState) Combo(id string) (Combo, bool) {
	for _, c := range s.Combos {
		if c.ID == id {
			return c, true
		}
	}
	return Combo{}, false
}

// ComboState returns the bookkeeping of a combo, zero value if none yet.
func (s *AccountState) ComboState(id string) ComboState {
	return s.ComboStates[id]
}

// SetComboState stores the bookkeeping of a combo.
func (s *AccountState) SetComboState(id string, cs ComboState) {
	if s.ComboStates == nil {
		s.ComboStates = make(map[string]ComboState)
	}
	s.ComboStates[id] = cs
}

// AccrueEarnings adds realized profit to the pending earnings. Losses are not accrued.
func (s *AccountState) AccrueEarnings(profit decimal.Decimal) {
	if profit.IsPositive() {
		s.Account.PendingEarnings = s.Account.PendingEarnings.Add(profit)
	}
}

// Approval is the outcome of moving pending earnings into the reserve.
type Approval struct {
	ReserveQuote decimal.Decimal `json:"reserve_quote"`
	ReserveQty   decimal.Decimal `json:"reserve_qty"`
	LiquidQuote  decimal.Decimal `json:"liquid_quote"`
}

// ApproveEarnings moves pct percent of the pending earnings into the reserve, valued at
// price, and releases the rest as liquid. Pending earnings are reset to zero.
func (s *AccountState) ApproveEarnings(pct, price decimal.Decimal) (Approval, error) {
	pending := s.Account.PendingEarnings
	if !pending.IsPositive() {
		return Approval{}, ErrNothingToApprove
	}
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return Approval{}, errors.Errorf("reserve percent must be within [0, 100], got %s", pct)
	}
	if !price.IsPositive() {
		return Approval{}, errors.Errorf("reserve price must be positive, got %s", price)
	}

	reserve := pending.Mul(pct).Div(hundred)
	a := Approval{
		ReserveQuote: reserve,
		ReserveQty:   reserve.Div(price),
		LiquidQuote:  pending.Sub(reserve),
	}
	s.Account.ReserveQuote = s.Account.ReserveQuote.Add(a.ReserveQuote)
	s.Account.ReserveQty = s.Account.ReserveQty.Add(a.ReserveQty)
	s.Account.PendingEarnings = decimal.Zero
	return a, nil
}

// Clone returns a deep copy.
func (s *AccountState) Clone() *AccountState {
	out := *s
	out.Combos = append([]Combo(nil), s.Combos...)
	out.ComboStates = make(map[string]ComboState, len(s.ComboStates))
	for id, cs := range s.ComboStates {
		out.ComboStates[id] = cs.Clone()
	}
	out.Ledger = s.Ledger.Clone()
	return &out
}
