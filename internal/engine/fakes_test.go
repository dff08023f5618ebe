package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/lotbot/internal/domain"
	"github.com/vadiminshakov/lotbot/internal/storage/accountstore"
	"go.uber.org/zap"
)

var testPair = domain.Pair{From: "BTC", To: "USDT"}

type fakeGateway struct {
	mu      sync.Mutex
	free    decimal.Decimal
	orders  map[string]domain.OrderResult
	placed  []domain.OrderRequest
	seq     int
	balance int
}

func newFakeGateway(free float64) *fakeGateway {
	return &fakeGateway{free: decimal.NewFromFloat(free), orders: make(map[string]domain.OrderResult)}
}

func (g *fakeGateway) GetFreeBalance(_ context.Context, _ string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balance++
	return g.free, nil
}

func (g *fakeGateway) PlaceLimitOrder(_ context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	res := domain.OrderResult{
		OrderID:       fmt.Sprintf("o%d", g.seq),
		ClientOrderID: req.ClientOrderID,
		Status:        domain.OrderStatusNew,
	}
	g.orders[res.OrderID] = res
	g.placed = append(g.placed, req)
	return res, nil
}

func (g *fakeGateway) GetOrder(_ context.Context, _ domain.Pair, orderID string) (domain.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, ok := g.orders[orderID]
	if !ok {
		return domain.OrderResult{}, domain.ErrOrderNotFound
	}
	return res, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, _ domain.Pair, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, ok := g.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if !res.Status.Final() {
		res.Status = domain.OrderStatusCanceled
		g.orders[orderID] = res
	}
	return nil
}

func (g *fakeGateway) setFree(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.free = decimal.NewFromFloat(v)
}

func (g *fakeGateway) setOrder(id string, status domain.OrderStatus, executed, avg, fee string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders[id] = domain.OrderResult{
		OrderID:     id,
		Status:      status,
		ExecutedQty: decimal.RequireFromString(executed),
		AvgPrice:    decimal.RequireFromString(avg),
		Fee:         decimal.RequireFromString(fee),
	}
}

func (g *fakeGateway) setResult(res domain.OrderResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders[res.OrderID] = res
}

func (g *fakeGateway) placedOrders() []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.OrderRequest(nil), g.placed...)
}

type fakePricer struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
	panic bool
	calls atomic.Int32
}

func (p *fakePricer) GetPrice(_ context.Context, _ domain.Pair) (decimal.Decimal, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panic {
		panic("price feed exploded")
	}
	return p.price, p.err
}

func (p *fakePricer) set(price float64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.price = decimal.NewFromFloat(price)
	p.err = err
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) GetFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	args := m.Called(ctx, asset)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockGateway) PlaceLimitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.OrderResult), args.Error(1)
}

func (m *mockGateway) GetOrder(ctx context.Context, pair domain.Pair, orderID string) (domain.OrderResult, error) {
	args := m.Called(ctx, pair, orderID)
	return args.Get(0).(domain.OrderResult), args.Error(1)
}

func (m *mockGateway) CancelOrder(ctx context.Context, pair domain.Pair, orderID string) error {
	args := m.Called(ctx, pair, orderID)
	return args.Error(0)
}

// testCombo buys 50 USDT one percent under the base price and sells one percent above the buy.
func testCombo() domain.Combo {
	return domain.Combo{
		ID:        "c1",
		Enabled:   true,
		BuyLogic:  domain.BuyLogicLotStacking,
		SellLogic: domain.SellLogicFixedTP,
		BuyParams: domain.BuyParams{
			SizingMode:    domain.SizingFixed,
			BuyQuote:      decimal.NewFromInt(50),
			MinTradeQuote: decimal.NewFromInt(6),
			DropPct:       decimal.NewFromFloat(0.01),
		},
		SellParams: domain.SellParams{
			TakeProfitPct:   decimal.NewFromFloat(0.01),
			MinTradeQuote:   decimal.NewFromInt(6),
			BasePriceUpdate: domain.BasePriceUpdateAlways,
		},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.OrderCooldown = 0
	cfg.StartJitter = 0
	cfg.CycleTimeout = 5 * time.Second
	return cfg
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine *Engine
	store  *accountstore.WALStore
	loop   *AccountLoop
	pricer *fakePricer
	clock  *testClock
}

func newHarness(t *testing.T, gw Gateway, cfg Config, combos ...domain.Combo) *harness {
	t.Helper()
	if len(combos) == 0 {
		combos = []domain.Combo{testCombo()}
	}

	store, err := accountstore.NewWALStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pricer := &fakePricer{}
	pricer.set(100, nil)
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}

	e := New(store, pricer, cfg, zap.NewNop(), nil)
	e.now = clock.Now
	require.NoError(t, e.AddAccount(context.Background(), AccountSpec{
		ID:      "acc",
		Pair:    testPair,
		Active:  true,
		Combos:  combos,
		Gateway: gw,
	}))

	loop := e.loops["acc"]
	loop.now = clock.Now
	return &harness{engine: e, store: store, loop: loop, pricer: pricer, clock: clock}
}

func (h *harness) state(t *testing.T) *domain.AccountState {
	t.Helper()
	st, err := h.store.Load(context.Background(), "acc")
	require.NoError(t, err)
	return st
}

func (h *harness) update(t *testing.T, fn func(st *domain.AccountState)) {
	t.Helper()
	_, err := h.store.Update(context.Background(), "acc", func(st *domain.AccountState) error {
		fn(st)
		return nil
	})
	require.NoError(t, err)
}

func (h *harness) cycle(t *testing.T) CycleResult {
	t.Helper()
	res, err := h.loop.RunCycle(context.Background())
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	return res
}

// seedLotWithSell opens a lot of qty at buyPrice with a resting sell order.
func (h *harness) seedLotWithSell(t *testing.T, gw *fakeGateway, orderID string, buyPrice, qty, sellPrice float64) string {
	t.Helper()
	var lotID string
	h.update(t, func(st *domain.AccountState) {
		lot, err := domain.NewLot("c1", "b-"+orderID, decimal.NewFromFloat(buyPrice), decimal.NewFromFloat(qty), h.clock.Now())
		require.NoError(t, err)
		require.NoError(t, st.Ledger.Append(lot))
		require.NoError(t, st.Ledger.AttachSellOrder(lot.ID, domain.SellOrder{
			OrderID: orderID,
			Price:   decimal.NewFromFloat(sellPrice),
			Qty:     decimal.NewFromFloat(qty),
		}))
		lotID = lot.ID
	})
	gw.setOrder(orderID, domain.OrderStatusNew, "0", "0", "0")
	return lotID
}
