// Package engine runs one control loop per trading account and exposes the
// operations the API layer needs: resume buying, breaker control and read views.
package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lotbot/internal/domain"
	"github.com/vadiminshakov/lotbot/internal/events"
	"github.com/vadiminshakov/lotbot/internal/metrics"
	"github.com/vadiminshakov/lotbot/internal/services/breaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errUnchanged = errors.New("state unchanged")

// AccountSpec describes an account to run.
type AccountSpec struct {
	ID      string
	Pair    domain.Pair
	Active  bool
	Combos  []domain.Combo
	Gateway Gateway
}

// Engine schedules account loops.
type Engine struct {
	store  Store
	pricer Pricer
	cfg    Config
	logger *zap.Logger
	events *events.Broadcaster

	mu    sync.RWMutex
	loops map[string]*AccountLoop
	order []string

	now func() time.Time
}

// New creates an engine. events may be nil.
func New(store Store, pricer Pricer, cfg Config, logger *zap.Logger, ev *events.Broadcaster) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  store,
		pricer: pricer,
		cfg:    cfg,
		logger: logger,
		events: ev,
		loops:  make(map[string]*AccountLoop),
		now:    time.Now,
	}
}

// AddAccount creates the account state if missing, applies the configured combos and
// registers its loop. Lots and strategy state of existing accounts are kept.
func (e *Engine) AddAccount(ctx context.Context, as AccountSpec) error {
	if as.Gateway == nil {
		return errors.Errorf("account %s: gateway is required", as.ID)
	}
	initial, err := domain.NewAccountState(as.ID, as.Pair, as.Combos)
	if err != nil {
		return err
	}
	initial.Account.Active = as.Active

	if _, err := e.store.Ensure(ctx, initial); err != nil {
		return errors.Wrapf(err, "ensure account %s", as.ID)
	}
	st, err := e.store.Update(ctx, as.ID, func(st *domain.AccountState) error {
		st.Account.Pair = as.Pair
		st.Account.Active = as.Active
		st.Combos = append([]domain.Combo(nil), as.Combos...)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "sync combos of account %s", as.ID)
	}

	logger := e.logger.With(zap.String("account", as.ID), zap.String("pair", as.Pair.String()))
	br := breaker.New(e.cfg.BreakerMaxFailures, st.Account.Breaker)
	loop := newAccountLoop(as.ID, e.store, e.pricer, as.Gateway, br, e.cfg, logger, e.events)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.loops[as.ID]; dup {
		return errors.Errorf("account %s already added", as.ID)
	}
	e.loops[as.ID] = loop
	e.order = append(e.order, as.ID)
	return nil
}

// Run starts every account loop and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.RLock()
	loops := make([]*AccountLoop, 0, len(e.order))
	for _, id := range e.order {
		loops = append(loops, e.loops[id])
	}
	e.mu.RUnlock()

	if len(loops) == 0 {
		return errors.New("no accounts to run")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, loop := range loops {
		loop := loop
		g.Go(func() error {
			if e.cfg.StartJitter > 0 && len(loops) > 1 {
				delay := time.Duration(rand.Int63n(int64(e.cfg.StartJitter)))
				if !loop.sleep(gctx, delay) {
					return nil
				}
			}
			return loop.Run(gctx)
		})
	}
	return g.Wait()
}

// Accounts returns the ids of the registered accounts in the order they were added.
func (e *Engine) Accounts() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.order...)
}

func (e *Engine) loop(id string) (*AccountLoop, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	l, ok := e.loops[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrAccountNotFound, "account %s", id)
	}
	return l, nil
}

// ResumeBuying moves the account back to ACTIVE and wakes its loop. It waits for an
// in-flight cycle to finish, so the next precheck already sees the resumed state.
// Resuming an ACTIVE account changes nothing.
func (e *Engine) ResumeBuying(ctx context.Context, accountID string) (domain.BuyPauseSnapshot, error) {
	loop, err := e.loop(accountID)
	if err != nil {
		return domain.BuyPauseSnapshot{}, err
	}

	var tr domain.Transition
	st, err := e.store.Update(ctx, accountID, func(st *domain.AccountState) error {
		tr = st.Account.BuyPause.Resume()
		if !tr.Changed() {
			return errUnchanged
		}
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return e.Snapshot(ctx, accountID)
	}
	if err != nil {
		return domain.BuyPauseSnapshot{}, errors.Wrapf(err, "resume account %s", accountID)
	}

	loop.transition(st, tr, &CycleReport{})
	metrics.BuyPauseState.WithLabelValues(accountID).Set(metrics.PauseStateValue(st.Account.BuyPause.State))
	loop.Wake()
	return st.Account.BuyPause.Snapshot(), nil
}

// Snapshot returns the buy pause view of an account.
func (e *Engine) Snapshot(ctx context.Context, accountID string) (domain.BuyPauseSnapshot, error) {
	st, err := e.store.Load(ctx, accountID)
	if err != nil {
		return domain.BuyPauseSnapshot{}, err
	}
	return st.Account.BuyPause.Snapshot(), nil
}

// TripBreaker halts all orders of the account until ResetBreaker. The trip is
// effective immediately, also for a cycle that is running.
func (e *Engine) TripBreaker(ctx context.Context, accountID, reason string) error {
	loop, err := e.loop(accountID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "manual"
	}
	if loop.breaker.Trip(reason, e.now()) {
		metrics.BreakerTrips.Inc()
		loop.logger.Warn("circuit breaker tripped", zap.String("reason", reason))
		e.publish(accountID, events.KindBreakerTripped, reason)
	}
	return e.persistBreaker(ctx, loop)
}

// ResetBreaker is the manual reset of a tripped breaker. It waits for a running cycle.
func (e *Engine) ResetBreaker(ctx context.Context, accountID string) error {
	loop, err := e.loop(accountID)
	if err != nil {
		return err
	}
	// the reset happens under the account lock so a running cycle cannot adopt the
	// stale persisted trip afterwards
	var was bool
	_, err = e.store.Update(ctx, accountID, func(st *domain.AccountState) error {
		was = loop.breaker.Reset()
		st.Account.Breaker = loop.breaker.State()
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "reset breaker of account %s", accountID)
	}
	if was {
		loop.logger.Info("circuit breaker reset")
		e.publish(accountID, events.KindBreakerReset, "manual")
	}
	loop.Wake()
	return nil
}

func (e *Engine) persistBreaker(ctx context.Context, loop *AccountLoop) error {
	_, err := e.store.Update(ctx, loop.id, func(st *domain.AccountState) error {
		st.Account.Breaker = loop.breaker.State()
		return nil
	})
	return errors.Wrapf(err, "persist breaker of account %s", loop.id)
}

// Lots returns the open lots of an account, of one combo if comboID is set.
func (e *Engine) Lots(ctx context.Context, accountID, comboID string) ([]domain.Lot, error) {
	st, err := e.store.Load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if comboID == "" {
		return st.Ledger.Open, nil
	}
	if _, ok := st.Combo(comboID); !ok {
		return nil, errors.Wrapf(domain.ErrComboNotFound, "account %s combo %s", accountID, comboID)
	}
	return st.Ledger.OpenLots(comboID), nil
}

// ClosedLots returns the realized fills of an account, oldest first.
func (e *Engine) ClosedLots(ctx context.Context, accountID string) ([]domain.ClosedLot, error) {
	st, err := e.store.Load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return st.Ledger.Closed, nil
}

// ComboView is the reporting view of a combo.
type ComboView struct {
	Combo    domain.Combo      `json:"combo"`
	State    domain.ComboState `json:"state"`
	OpenLots int               `json:"open_lots"`
	OpenQty  decimal.Decimal   `json:"open_qty"`
}

// Combos returns the combos of an account with their state and open positions.
func (e *Engine) Combos(ctx context.Context, accountID string) ([]ComboView, error) {
	st, err := e.store.Load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	views := make([]ComboView, 0, len(st.Combos))
	for _, c := range st.Combos {
		lots := st.Ledger.OpenLots(c.ID)
		qty := decimal.Zero
		for _, lot := range lots {
			qty = qty.Add(lot.Qty)
		}
		views = append(views, ComboView{
			Combo:    c,
			State:    st.ComboState(c.ID),
			OpenLots: len(lots),
			OpenQty:  qty,
		})
	}
	return views, nil
}

// ApproveEarnings moves pct percent of the pending earnings into the reserve at the
// current price. Two concurrent approvals never both see the same pending balance.
func (e *Engine) ApproveEarnings(ctx context.Context, accountID string, pct decimal.Decimal) (domain.Approval, error) {
	st, err := e.store.Load(ctx, accountID)
	if err != nil {
		return domain.Approval{}, err
	}
	price, err := e.pricer.GetPrice(ctx, st.Account.Pair)
	if err != nil {
		return domain.Approval{}, errors.Wrap(err, "get reserve price")
	}

	var approval domain.Approval
	_, err = e.store.Update(ctx, accountID, func(st *domain.AccountState) error {
		a, err := st.ApproveEarnings(pct, price)
		if err != nil {
			return err
		}
		approval = a
		return nil
	})
	if err != nil {
		return domain.Approval{}, err
	}

	e.logger.Info("earnings approved",
		zap.String("account", accountID),
		zap.String("reserve_quote", approval.ReserveQuote.String()),
		zap.String("reserve_qty", approval.ReserveQty.String()),
		zap.String("liquid_quote", approval.LiquidQuote.String()))
	return approval, nil
}

// Health is the operational view of an account.
type Health struct {
	AccountID     string                  `json:"account_id"`
	Active        bool                    `json:"active"`
	Breaker       domain.Breaker          `json:"breaker"`
	LastSuccessAt time.Time               `json:"last_success_at"`
	BuyPause      domain.BuyPauseSnapshot `json:"buy_pause"`
	OpenLots      int                     `json:"open_lots"`
}

// Health returns the operational state of an account.
func (e *Engine) Health(ctx context.Context, accountID string) (Health, error) {
	loop, err := e.loop(accountID)
	if err != nil {
		return Health{}, err
	}
	st, err := e.store.Load(ctx, accountID)
	if err != nil {
		return Health{}, err
	}
	return Health{
		AccountID:     accountID,
		Active:        st.Account.Active,
		Breaker:       loop.breaker.State(),
		LastSuccessAt: st.Account.LastSuccessAt,
		BuyPause:      st.Account.BuyPause.Snapshot(),
		OpenLots:      st.Ledger.OpenCount(),
	}, nil
}

func (e *Engine) publish(accountID string, kind events.Kind, msg string) {
	e.events.Publish(events.AccountEvent{
		Timestamp: e.now(),
		AccountID: accountID,
		Kind:      kind,
		Message:   msg,
	})
}
