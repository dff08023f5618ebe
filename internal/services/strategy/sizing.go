package strategy

import (
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lotbot/internal/domain"
)

// planRounds is the number of rounds a scaled plan grows before it repeats the last size.
const planRounds = 5

var hundred = decimal.NewFromInt(100)

// buyQuote returns the quote amount of the next buy, capped by MaxBuyQuote.
func buyQuote(p domain.BuyParams, s *domain.ComboState, free decimal.Decimal) decimal.Decimal {
	var quote decimal.Decimal
	switch p.SizingMode {
	case domain.SizingPctBalance:
		quote = free.Mul(p.BalancePct).Div(hundred)
	case domain.SizingScaledPlan:
		round := s.SizingRound + 1
		switch {
		case round <= planRounds:
			quote = free.Mul(decimal.NewFromInt(int64(round))).Mul(p.PlanStepPct).Div(hundred)
		case s.PlanFifthQuote.IsPositive():
			quote = s.PlanFifthQuote
		default:
			quote = free.Mul(decimal.NewFromInt(planRounds)).Mul(p.PlanStepPct).Div(hundred)
		}
	default:
		quote = p.BuyQuote
	}

	if p.MaxBuyQuote.IsPositive() && quote.GreaterThan(p.MaxBuyQuote) {
		quote = p.MaxBuyQuote
	}
	return quote
}

// requiredQuote is the balance needed for the next buy: its size, at least the minimum trade.
func requiredQuote(p domain.BuyParams, s *domain.ComboState, free decimal.Decimal) decimal.Decimal {
	return decimal.Max(buyQuote(p, s, free), p.MinTradeQuote)
}

// advancePlan records an executed buy of the given quote in the scaled plan.
func advancePlan(s *domain.ComboState, quote decimal.Decimal) {
	s.SizingRound++
	if s.SizingRound == planRounds {
		s.PlanFifthQuote = quote
	}
}

// resetPlan restarts the scaled plan once the combo is flat.
func resetPlan(c *Context) {
	if c.Flat() {
		c.State.SizingRound = 0
		c.State.PlanFifthQuote = decimal.Zero
	}
}
