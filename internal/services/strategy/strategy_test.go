package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/lotbot/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func stackingCombo() domain.Combo {
	return domain.Combo{
		ID:         "stack",
		Enabled:    true,
		BuyLogic:   domain.BuyLogicLotStacking,
		BuyParams:  DefaultBuyParams(domain.BuyLogicLotStacking),
		SellLogic:  domain.SellLogicFixedTP,
		SellParams: DefaultSellParams(domain.SellLogicFixedTP),
	}
}

func newContext(combo domain.Combo, price, free string, state *domain.ComboState) *Context {
	return &Context{
		Now:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Price:     d(price),
		FreeQuote: d(free),
		Combo:     combo,
		State:     state,
	}
}

func TestFactories(t *testing.T) {
	buy, sell, err := ForCombo(stackingCombo())
	require.NoError(t, err)
	assert.Equal(t, domain.BuyLogicLotStacking, buy.Kind())
	assert.Equal(t, domain.SellLogicFixedTP, sell.Kind())

	trend, err := NewBuyLogic(domain.BuyLogicTrend, DefaultBuyParams(domain.BuyLogicTrend))
	require.NoError(t, err)
	assert.Equal(t, domain.BuyLogicTrend, trend.Kind())

	_, err = NewBuyLogic("martingale", domain.BuyParams{})
	require.Error(t, err)
	_, err = NewSellLogic("trailing", domain.SellParams{})
	require.Error(t, err)
}

func TestBuyQuote_SizingModes(t *testing.T) {
	tests := []struct {
		name   string
		params domain.BuyParams
		state  domain.ComboState
		free   string
		want   string
	}{
		{
			name:   "fixed",
			params: domain.BuyParams{SizingMode: domain.SizingFixed, BuyQuote: d("100")},
			free:   "10",
			want:   "100",
		},
		{
			name:   "pct balance",
			params: domain.BuyParams{SizingMode: domain.SizingPctBalance, BalancePct: d("10")},
			free:   "1000",
			want:   "100",
		},
		{
			name:   "pct balance capped",
			params: domain.BuyParams{SizingMode: domain.SizingPctBalance, BalancePct: d("10"), MaxBuyQuote: d("50")},
			free:   "1000",
			want:   "50",
		},
		{
			name:   "scaled plan first round",
			params: domain.BuyParams{SizingMode: domain.SizingScaledPlan, PlanStepPct: d("0.5")},
			free:   "10000",
			want:   "50",
		},
		{
			name:   "scaled plan third round",
			params: domain.BuyParams{SizingMode: domain.SizingScaledPlan, PlanStepPct: d("0.5")},
			state:  domain.ComboState{SizingRound: 2},
			free:   "10000",
			want:   "150",
		},
		{
			name:   "scaled plan repeats fifth round",
			params: domain.BuyParams{SizingMode: domain.SizingScaledPlan, PlanStepPct: d("0.5")},
			state:  domain.ComboState{SizingRound: 7, PlanFifthQuote: d("240")},
			free:   "10000",
			want:   "240",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := tt.state
			got := buyQuote(tt.params, &state, d(tt.free))
			assert.True(t, got.Equal(d(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestAdvancePlan_RecordsFifthRound(t *testing.T) {
	s := &domain.ComboState{}
	for i := 1; i <= 6; i++ {
		advancePlan(s, decimal.NewFromInt(int64(i*10)))
	}
	assert.Equal(t, 6, s.SizingRound)
	assert.True(t, s.PlanFifthQuote.Equal(d("50")))
}

func TestLotStacking_PreTickInitialisesBase(t *testing.T) {
	l := &LotStacking{params: DefaultBuyParams(domain.BuyLogicLotStacking)}
	state := &domain.ComboState{}
	c := newContext(stackingCombo(), "100", "1000", state)

	l.PreTick(c)
	assert.True(t, state.BasePrice.Equal(d("100")))
	assert.Len(t, state.PriceWindow, 1)
}

func TestLotStacking_EvaluateBuy(t *testing.T) {
	l := &LotStacking{params: DefaultBuyParams(domain.BuyLogicLotStacking)}
	combo := stackingCombo()

	// trigger 99.4, prebuy zone up to 99.5491
	state := &domain.ComboState{BasePrice: d("100")}
	assert.Nil(t, l.EvaluateBuy(newContext(combo, "99.6", "1000", state)))

	intent := l.EvaluateBuy(newContext(combo, "99.5", "1000", state))
	require.NotNil(t, intent)
	assert.Equal(t, domain.SideBuy, intent.Side)
	assert.Equal(t, "stack", intent.ComboID)
	assert.True(t, intent.Price.Equal(d("99.4")))
	assert.True(t, intent.Qty.Equal(d("100").Div(d("99.4")).RoundFloor(8)))

	// not enough free quote for the fixed size
	assert.Nil(t, l.EvaluateBuy(newContext(combo, "99", "50", state)))

	// one pending buy at a time
	state.PendingBuy = &domain.PendingOrder{OrderID: "1", Price: d("99.4")}
	assert.Nil(t, l.EvaluateBuy(newContext(combo, "99", "1000", state)))
}

func TestLotStacking_NextBuyQuoteRespectsMinimum(t *testing.T) {
	p := DefaultBuyParams(domain.BuyLogicLotStacking)
	p.SizingMode = domain.SizingPctBalance
	p.BalancePct = d("10")
	l := &LotStacking{params: p}

	got := l.NextBuyQuote(newContext(stackingCombo(), "100", "20", &domain.ComboState{}))
	assert.True(t, got.Equal(d("6")), got.String())

	got = l.NextBuyQuote(newContext(stackingCombo(), "100", "1000", &domain.ComboState{}))
	assert.True(t, got.Equal(d("100")), got.String())
}

func TestLotStacking_ShouldCancelPending(t *testing.T) {
	l := &LotStacking{params: DefaultBuyParams(domain.BuyLogicLotStacking)}
	combo := stackingCombo()
	placed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	state := &domain.ComboState{PendingBuy: &domain.PendingOrder{OrderID: "1", Price: d("100"), PlacedAt: placed}}

	c := newContext(combo, "100.3", "1000", state)
	c.Now = placed.Add(time.Hour)
	cancel, _ := l.ShouldCancelPending(c)
	assert.False(t, cancel)

	c = newContext(combo, "100.5", "1000", state)
	c.Now = placed.Add(time.Hour)
	cancel, reason := l.ShouldCancelPending(c)
	assert.True(t, cancel)
	assert.Equal(t, "rebound", reason)

	c = newContext(combo, "99", "1000", state)
	c.Now = placed.Add(3 * time.Hour)
	cancel, reason = l.ShouldCancelPending(c)
	assert.True(t, cancel)
	assert.Equal(t, "timeout", reason)
}

func TestLotStacking_OnBuyFillMovesBase(t *testing.T) {
	l := &LotStacking{params: DefaultBuyParams(domain.BuyLogicLotStacking)}
	state := &domain.ComboState{BasePrice: d("100")}
	c := newContext(stackingCombo(), "99.4", "1000", state)

	l.OnBuyFill(c, d("99.4"), d("1"))
	assert.True(t, state.BasePrice.Equal(d("99.4")))
	assert.True(t, state.LastBuyPrice.Equal(d("99.4")))
	assert.Equal(t, 1, state.SizingRound)
}

func TestLotStacking_RecenterOnlyWhileFlat(t *testing.T) {
	p := DefaultBuyParams(domain.BuyLogicLotStacking)
	p.RecenterEMAPeriod = 3
	l := &LotStacking{params: p}
	combo := stackingCombo()
	state := &domain.ComboState{BasePrice: d("100")}

	for i := 0; i < 3; i++ {
		l.PreTick(newContext(combo, "110", "1000", state))
	}
	assert.True(t, state.BasePrice.Equal(d("110")), state.BasePrice.String())

	// holding a lot clears the window and freezes the base
	c := newContext(combo, "130", "1000", state)
	c.OpenLots = []domain.Lot{{ID: "lot", ComboID: "stack", Qty: d("1")}}
	l.PreTick(c)
	assert.Empty(t, state.PriceWindow)
	assert.True(t, state.BasePrice.Equal(d("110")))
}

func TestLotStacking_RecenterKeepsBaseOnSmallMove(t *testing.T) {
	p := DefaultBuyParams(domain.BuyLogicLotStacking)
	p.RecenterEMAPeriod = 3
	l := &LotStacking{params: p}
	state := &domain.ComboState{BasePrice: d("100")}

	for i := 0; i < 5; i++ {
		l.PreTick(newContext(stackingCombo(), "101", "1000", state))
	}
	assert.True(t, state.BasePrice.Equal(d("100")))
	assert.Len(t, state.PriceWindow, 3)
}

func TestPreTick_ResetsPlanWhenFlat(t *testing.T) {
	l := &LotStacking{params: DefaultBuyParams(domain.BuyLogicLotStacking)}
	state := &domain.ComboState{BasePrice: d("100"), SizingRound: 4, PlanFifthQuote: d("10")}

	c := newContext(stackingCombo(), "100", "1000", state)
	c.OpenLots = []domain.Lot{{ID: "lot"}}
	l.PreTick(c)
	assert.Equal(t, 4, state.SizingRound)

	l.PreTick(newContext(stackingCombo(), "100", "1000", state))
	assert.Equal(t, 0, state.SizingRound)
	assert.True(t, state.PlanFifthQuote.IsZero())
}

func trendCombo() domain.Combo {
	return domain.Combo{
		ID:               "trend",
		Enabled:          true,
		BuyLogic:         domain.BuyLogicTrend,
		BuyParams:        DefaultBuyParams(domain.BuyLogicTrend),
		SellLogic:        domain.SellLogicFixedTP,
		SellParams:       DefaultSellParams(domain.SellLogicFixedTP),
		ReferenceComboID: "stack",
	}
}

func TestTrendBuy_InactiveBelowReference(t *testing.T) {
	tb := &TrendBuy{params: DefaultBuyParams(domain.BuyLogicTrend)}
	state := &domain.ComboState{TrendBase: d("105"), LastBuyPrice: d("104")}
	c := newContext(trendCombo(), "102", "1000", state)
	c.Reference = &domain.ComboState{BasePrice: d("100")}

	tb.PreTick(c)
	assert.True(t, state.TrendBase.IsZero())
	assert.True(t, state.LastBuyPrice.IsZero())
	assert.Nil(t, tb.EvaluateBuy(c))
}

func TestTrendBuy_NeedsReference(t *testing.T) {
	tb := &TrendBuy{params: DefaultBuyParams(domain.BuyLogicTrend)}
	state := &domain.ComboState{TrendBase: d("110")}
	c := newContext(trendCombo(), "105", "1000", state)

	assert.Nil(t, tb.EvaluateBuy(c))
}

func TestTrendBuy_BuysPullbacks(t *testing.T) {
	tb := &TrendBuy{params: DefaultBuyParams(domain.BuyLogicTrend)}
	ref := &domain.ComboState{BasePrice: d("100")}
	state := &domain.ComboState{}

	c := newContext(trendCombo(), "110", "1000", state)
	c.Reference = ref
	tb.PreTick(c)
	assert.True(t, state.TrendBase.Equal(d("110")))
	assert.Nil(t, tb.EvaluateBuy(c))

	// recenters upward
	c = newContext(trendCombo(), "113", "1000", state)
	c.Reference = ref
	tb.PreTick(c)
	assert.True(t, state.TrendBase.Equal(d("113")))

	// pullback of more than 1%
	c = newContext(trendCombo(), "111.8", "1000", state)
	c.Reference = ref
	tb.PreTick(c)
	intent := tb.EvaluateBuy(c)
	require.NotNil(t, intent)
	assert.True(t, intent.Price.Equal(d("111.8")))
	assert.True(t, intent.Notional().LessThanOrEqual(d("50")))

	tb.OnBuyFill(c, d("111.8"), intent.Qty)
	assert.True(t, state.LastBuyPrice.Equal(d("111.8")))

	// next buy needs a further step down from the last buy
	state.PendingBuy = nil
	c = newContext(trendCombo(), "111", "1000", state)
	c.Reference = ref
	c.OpenLots = []domain.Lot{{ID: "l"}}
	assert.Nil(t, tb.EvaluateBuy(c))

	c = newContext(trendCombo(), "110.5", "1000", state)
	c.Reference = ref
	c.OpenLots = []domain.Lot{{ID: "l"}}
	assert.NotNil(t, tb.EvaluateBuy(c))
}

func TestFixedTakeProfit_EvaluateSell(t *testing.T) {
	f := &FixedTakeProfit{params: DefaultSellParams(domain.SellLogicFixedTP)}
	c := newContext(stackingCombo(), "100", "0", &domain.ComboState{})

	lot := domain.Lot{ID: "a", ComboID: "stack", BuyPrice: d("100"), Qty: d("1"), Cost: d("100")}
	intent := f.EvaluateSell(c, lot)
	require.NotNil(t, intent)
	assert.Equal(t, domain.SideSell, intent.Side)
	assert.Equal(t, "a", intent.LotID)
	assert.True(t, intent.Price.Equal(d("103.3")))
	assert.True(t, intent.Qty.Equal(d("1")))

	lot.SellOrder = &domain.SellOrder{OrderID: "s"}
	assert.Nil(t, f.EvaluateSell(c, lot))

	dust := domain.Lot{ID: "b", ComboID: "stack", BuyPrice: d("100"), Qty: d("0.05"), Cost: d("5")}
	assert.Nil(t, f.EvaluateSell(c, dust))
}

func TestFixedTakeProfit_OnSellFillBaseUpdate(t *testing.T) {
	state := &domain.ComboState{BasePrice: d("110")}
	c := newContext(stackingCombo(), "105", "0", state)

	ifHigher := &FixedTakeProfit{params: domain.SellParams{BasePriceUpdate: domain.BasePriceUpdateIfHigher}}
	ifHigher.OnSellFill(c, domain.ClosedLot{SellPrice: d("105")})
	assert.True(t, state.BasePrice.Equal(d("110")))

	always := &FixedTakeProfit{params: domain.SellParams{BasePriceUpdate: domain.BasePriceUpdateAlways}}
	always.OnSellFill(c, domain.ClosedLot{SellPrice: d("105")})
	assert.True(t, state.BasePrice.Equal(d("105")))
}
