package domain

import "time"

// BuyPauseState gates buy order placement for an account.
type BuyPauseState string

const (
	BuyPauseActive    BuyPauseState = "ACTIVE"
	BuyPauseThrottled BuyPauseState = "THROTTLED"
	BuyPausePaused    BuyPauseState = "PAUSED"
)

// PauseReason explains why buying is not ACTIVE.
type PauseReason string

const (
	PauseReasonNone       PauseReason = ""
	PauseReasonLowBalance PauseReason = "LOW_BALANCE"
)

const (
	DefaultThrottleEvery  = 5
	DefaultPauseThreshold = 4
)

// BuyPausePolicy holds the tunables of the state machine.
type BuyPausePolicy struct {
	// ThrottleEvery allows one buy cycle out of every N while THROTTLED.
	ThrottleEvery int
	// PauseThreshold escalates THROTTLED to PAUSED once the consecutive
	// low balance count exceeds it.
	PauseThreshold int
}

// DefaultBuyPausePolicy returns the reference policy.
func DefaultBuyPausePolicy() BuyPausePolicy {
	return BuyPausePolicy{ThrottleEvery: DefaultThrottleEvery, PauseThreshold: DefaultPauseThreshold}
}

// BuyPause is the persisted buy-pause state of an account.
type BuyPause struct {
	State                 BuyPauseState `json:"state"`
	Reason                PauseReason   `json:"reason,omitempty"`
	Since                 time.Time     `json:"since,omitempty"`
	ConsecutiveLowBalance int           `json:"consecutive_low_balance"`
	ThrottleCycle         int           `json:"throttle_cycle"`
}

// BuyPauseSnapshot is the read view exposed to the API layer.
type BuyPauseSnapshot struct {
	State                 BuyPauseState `json:"state"`
	Reason                PauseReason   `json:"reason,omitempty"`
	Since                 *time.Time    `json:"since,omitempty"`
	ConsecutiveLowBalance int           `json:"consecutive_low_balance_count"`
}

// Transition describes a state change produced by the machine.
type Transition struct {
	From  BuyPauseState
	To    BuyPauseState
	Cause string
}

// Changed reports whether the state actually moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Normalize fills in the zero state.
func (b *BuyPause) Normalize() {
	if b.State == "" {
		b.reset()
	}
}

// ObservePrecheck feeds the balance precheck result of the current cycle.
// A successful precheck does not leave PAUSED; that needs a sell fill or a manual resume.
func (b *BuyPause) ObservePrecheck(ok bool, now time.Time, policy BuyPausePolicy) Transition {
	b.Normalize()
	from := b.State

	switch b.State {
	case BuyPauseActive:
		if ok {
			return Transition{From: from, To: from}
		}
		b.ConsecutiveLowBalance = 1
		b.Reason = PauseReasonLowBalance
		b.Since = now
		b.ThrottleCycle = 0
		b.State = BuyPauseThrottled
		if b.ConsecutiveLowBalance > policy.PauseThreshold {
			b.State = BuyPausePaused
		}
		return Transition{From: from, To: b.State, Cause: "precheck_failed"}

	case BuyPauseThrottled:
		if ok {
			b.reset()
			return Transition{From: from, To: b.State, Cause: "precheck_passed"}
		}
		b.ConsecutiveLowBalance++
		if b.ConsecutiveLowBalance > policy.PauseThreshold {
			b.State = BuyPausePaused
			b.Since = now
			b.ThrottleCycle = 0
			return Transition{From: from, To: b.State, Cause: "low_balance_threshold"}
		}
		return Transition{From: from, To: from}

	case BuyPausePaused:
		if !ok {
			b.ConsecutiveLowBalance++
		}
		return Transition{From: from, To: from}
	}

	return Transition{From: from, To: from}
}

// RecoverAfterSell applies the automatic recovery path: a sell fill was detected in
// this cycle and the balance was re-checked.
func (b *BuyPause) RecoverAfterSell(ok bool) Transition {
	b.Normalize()
	from := b.State
	if from != BuyPausePaused || !ok {
		return Transition{From: from, To: from}
	}
	b.reset()
	return Transition{From: from, To: b.State, Cause: "sell_fill_recovery"}
}

// Resume is the manual path back to ACTIVE. Resuming an ACTIVE account is a no-op.
func (b *BuyPause) Resume() Transition {
	b.Normalize()
	from := b.State
	if from == BuyPauseActive {
		return Transition{From: from, To: from}
	}
	b.reset()
	return Transition{From: from, To: b.State, Cause: "manual_resume"}
}

// AllowBuy decides whether buy orders may be placed this cycle and advances the
// throttle cadence. Call it once per cycle, after ObservePrecheck.
func (b *BuyPause) AllowBuy(policy BuyPausePolicy) bool {
	b.Normalize()
	switch b.State {
	case BuyPauseActive:
		b.ThrottleCycle = 0
		return true
	case BuyPauseThrottled:
		every := policy.ThrottleEvery
		if every < 1 {
			every = 1
		}
		b.ThrottleCycle++
		if b.ThrottleCycle >= every {
			b.ThrottleCycle = 0
			return true
		}
		return false
	default:
		return false
	}
}

// Snapshot returns the read view.
func (b BuyPause) Snapshot() BuyPauseSnapshot {
	b.Normalize()
	s := BuyPauseSnapshot{
		State:                 b.State,
		Reason:                b.Reason,
		ConsecutiveLowBalance: b.ConsecutiveLowBalance,
	}
	if !b.Since.IsZero() {
		since := b.Since
		s.Since = &since
	}
	return s
}

func (b *BuyPause) reset() {
	*b = BuyPause{State: BuyPauseActive}
}
