package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lotbot/internal/domain"
	"github.com/vadiminshakov/lotbot/internal/events"
	"github.com/vadiminshakov/lotbot/internal/metrics"
	"github.com/vadiminshakov/lotbot/internal/services/breaker"
	"go.uber.org/zap"
)

// CycleResult is the outcome of one cycle.
type CycleResult struct {
	Report   CycleReport
	BuyPause domain.BuyPauseSnapshot
	OpenLots int
	// Interval is the wait before the next cycle.
	Interval time.Duration
}

// AccountLoop drives one account: one cycle at a time, then an interruptible sleep.
type AccountLoop struct {
	id      string
	store   Store
	pricer  Pricer
	gw      Gateway
	breaker *breaker.Breaker
	exec    *executor
	cfg     Config
	logger  *zap.Logger
	events  *events.Broadcaster

	wake chan struct{}
	now  func() time.Time
}

func newAccountLoop(id string, store Store, pricer Pricer, gw Gateway, br *breaker.Breaker, cfg Config, logger *zap.Logger, ev *events.Broadcaster) *AccountLoop {
	return &AccountLoop{
		id:      id,
		store:   store,
		pricer:  pricer,
		gw:      gw,
		breaker: br,
		exec: &executor{
			gw:      gw,
			breaker: br,
			cfg:     cfg,
			logger:  logger,
			events:  ev,
		},
		cfg:    cfg,
		logger: logger,
		events: ev,
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Wake interrupts the current sleep. A wake during a cycle makes the next sleep return at once.
func (l *AccountLoop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run repeats cycles until ctx is done. Cycle errors and panics are logged and never stop the loop.
func (l *AccountLoop) Run(ctx context.Context) error {
	l.logger.Info("account loop started")
	defer l.logger.Info("account loop stopped")

	for {
		res, err := l.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			l.logger.Error("cycle failed",
				zap.Int("consecutive_failures", l.breaker.Failures()),
				zap.Duration("retry_in", res.Interval),
				zap.Error(err))
		}
		if !l.sleep(ctx, res.Interval) {
			return nil
		}
	}
}

func (l *AccountLoop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-l.wake:
		l.logger.Debug("sleep interrupted")
	}
	return true
}

// RunCycle runs one cycle inside an atomic update of the account state.
func (l *AccountLoop) RunCycle(ctx context.Context) (res CycleResult, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("cycle panic: %v", r)
			l.logger.Error("cycle panic", zap.Any("panic", r), zap.Stack("stack"))
			l.recordFailure()
			res.Interval = l.failureInterval()
		}
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	cctx, cancel := context.WithTimeout(ctx, l.cfg.CycleTimeout)
	defer cancel()

	var report CycleReport
	var cycleErr error
	recorded := false
	st, err := l.store.Update(cctx, l.id, func(st *domain.AccountState) error {
		report = CycleReport{}
		// adopt a trip persisted by another process sharing the store
		l.breaker.Observe(st.Account.Breaker)
		cycleErr = l.cycle(cctx, st, &report)
		if cycleErr != nil {
			l.recordFailure()
			recorded = true
		} else {
			l.breaker.RecordSuccess()
			st.Account.LastSuccessAt = l.now()
		}
		st.Account.Breaker = l.breaker.State()
		return nil
	})
	if err != nil {
		if !recorded {
			l.recordFailure()
		}
		return CycleResult{Report: report, Interval: l.failureInterval()}, errors.Wrap(err, "update account state")
	}

	res = CycleResult{
		Report:   report,
		BuyPause: st.Account.BuyPause.Snapshot(),
		OpenLots: st.Ledger.OpenCount(),
		Interval: SleepInterval(st.Account.BuyPause.State, st.Ledger.OpenCount(), l.cfg),
	}
	if cycleErr != nil {
		res.Interval = l.failureInterval()
	}

	metrics.BuyPauseState.WithLabelValues(l.id).Set(metrics.PauseStateValue(st.Account.BuyPause.State))
	metrics.OpenLots.WithLabelValues(l.id).Set(float64(res.OpenLots))
	if report.BalanceFetched {
		metrics.QuoteBalance.WithLabelValues(l.id).Set(report.FreeQuote.InexactFloat64())
	}

	l.logger.Debug("cycle done",
		zap.String("price", report.Price.String()),
		zap.String("buy_pause", string(res.BuyPause.State)),
		zap.Int("buys", report.BuysPlaced),
		zap.Int("sells", report.SellsPlaced),
		zap.Int("buy_fills", report.BuyFills),
		zap.Int("sell_fills", report.SellFills),
		zap.Int("open_lots", res.OpenLots),
		zap.Duration("next", res.Interval))
	return res, cycleErr
}

func (l *AccountLoop) cycle(ctx context.Context, st *domain.AccountState, report *CycleReport) error {
	now := l.now()
	st.Account.BuyPause.Normalize()

	price, err := l.pricer.GetPrice(ctx, st.Account.Pair)
	if err != nil {
		return errors.Wrap(err, "get price")
	}
	report.Price = price

	rts := l.exec.runtimes(st)

	// bookkeeping runs whatever the breaker and buy pause say
	l.exec.preTick(st, rts, price, now)
	l.exec.syncBuys(ctx, st, rts, price, now, report)

	if l.breaker.Tripped() || !st.Account.Active {
		report.BreakerBlocked = l.breaker.Tripped()
		l.exec.syncSells(ctx, st, rts, price, now, report)
		return nil
	}

	free, err := l.gw.GetFreeBalance(ctx, st.Account.Pair.To)
	if err != nil {
		return errors.Wrap(err, "get free quote balance")
	}
	report.FreeQuote = free
	report.BalanceFetched = true

	ok := l.exec.precheck(st, rts, price, free, now)
	report.Precheck = ok
	l.transition(st, st.Account.BuyPause.ObservePrecheck(ok, now, l.cfg.BuyPause), report)

	if st.Account.BuyPause.State != domain.BuyPausePaused {
		place := st.Account.BuyPause.AllowBuy(l.cfg.BuyPause)
		report.BuyAllowed = place
		l.exec.runBuys(ctx, st, rts, price, free, now, place, report)
	}

	l.exec.syncSells(ctx, st, rts, price, now, report)
	l.exec.runSells(ctx, st, rts, price, now, report)

	if report.SellFills > 0 && st.Account.BuyPause.State == domain.BuyPausePaused {
		l.recoverAfterSell(ctx, st, rts, price, now, report)
	}
	return nil
}

// recoverAfterSell re-checks the balance after a sell fill while paused.
func (l *AccountLoop) recoverAfterSell(ctx context.Context, st *domain.AccountState, rts map[string]comboRuntime, price decimal.Decimal, now time.Time, report *CycleReport) {
	free, err := l.gw.GetFreeBalance(ctx, st.Account.Pair.To)
	if err != nil {
		l.logger.Warn("failed to re-check balance after sell fill", zap.Error(err))
		return
	}
	report.FreeQuote = free
	ok := l.exec.precheck(st, rts, price, free, now)
	l.transition(st, st.Account.BuyPause.RecoverAfterSell(ok), report)
}

func (l *AccountLoop) transition(st *domain.AccountState, tr domain.Transition, report *CycleReport) {
	if !tr.Changed() {
		return
	}
	report.Transitions = append(report.Transitions, tr)
	l.logger.Info("buy pause transition",
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.String("cause", tr.Cause),
		zap.Int("consecutive_low_balance", st.Account.BuyPause.ConsecutiveLowBalance))
	l.events.Publish(events.AccountEvent{
		Timestamp: l.now(),
		AccountID: st.Account.ID,
		Pair:      st.Account.Pair.String(),
		Kind:      events.KindBuyPause,
		From:      string(tr.From),
		To:        string(tr.To),
		Message:   tr.Cause,
	})
}

func (l *AccountLoop) recordFailure() {
	if l.breaker.RecordFailure(l.now()) {
		metrics.BreakerTrips.Inc()
		l.logger.Error("circuit breaker tripped after consecutive failed cycles", zap.Int("failures", l.breaker.Failures()))
		l.events.Publish(events.AccountEvent{
			Timestamp: l.now(),
			AccountID: l.id,
			Kind:      events.KindBreakerTripped,
			Message:   "consecutive_cycle_failures",
		})
	}
}

func (l *AccountLoop) failureInterval() time.Duration {
	if d := breaker.Backoff(l.breaker.Failures()); d > 0 && d < l.cfg.PollInterval {
		return d
	}
	return l.cfg.PollInterval
}
