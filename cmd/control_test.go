package main

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/lotbot/config"
	"github.com/vadiminshakov/lotbot/internal/clients"
	"github.com/vadiminshakov/lotbot/internal/domain"
	"github.com/vadiminshakov/lotbot/internal/engine"
	"github.com/vadiminshakov/lotbot/internal/storage/accountstore"
	"go.uber.org/zap"
)

const testYAML = `
platform: simulate
accounts:
  - id: a
    pair: BTC_USDT
  - id: b
    pair: ETH_USDT
`

func newTestEngine(t *testing.T) (*engine.Engine, *accountstore.WALStore, *config.Config) {
	t.Helper()
	ctx := context.Background()
	t.Setenv("LOTBOT_PG_DSN", "")

	cfg, err := config.Parse([]byte(testYAML))
	require.NoError(t, err)

	store, err := accountstore.NewWALStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ex, err := clients.New(cfg, t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	eng := engine.New(store, ex.Pricer(), cfg.Engine, zap.NewNop(), nil)
	for _, acc := range cfg.Accounts {
		gw, err := ex.Gateway(acc)
		require.NoError(t, err)
		require.NoError(t, eng.AddAccount(ctx, engine.AccountSpec{
			ID: acc.ID, Pair: acc.Pair, Active: acc.Active, Combos: acc.Combos, Gateway: gw,
		}))
	}
	return eng, store, cfg
}

func pause(t *testing.T, store engine.Store, id string) {
	t.Helper()
	_, err := store.Update(context.Background(), id, func(st *domain.AccountState) error {
		st.Account.BuyPause = domain.BuyPause{
			State:                 domain.BuyPausePaused,
			Reason:                domain.PauseReasonLowBalance,
			Since:                 time.Now(),
			ConsecutiveLowBalance: 6,
		}
		return nil
	})
	require.NoError(t, err)
}

func TestApplyControls_ResumeAll(t *testing.T) {
	ctx := context.Background()
	eng, store, _ := newTestEngine(t)
	pause(t, store, "a")
	pause(t, store, "b")

	err := applyControls(ctx, eng, config.Controls{Resume: []string{config.AllAccounts}}, zap.NewNop())
	require.NoError(t, err)

	for _, id := range []string{"a", "b"} {
		snap, err := eng.Snapshot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.BuyPauseActive, snap.State, id)
		assert.Zero(t, snap.ConsecutiveLowBalance, id)
	}
}

func TestApplyControls_TripThenReset(t *testing.T) {
	ctx := context.Background()
	eng, store, _ := newTestEngine(t)

	require.NoError(t, applyControls(ctx, eng, config.Controls{TripBreaker: []string{"a"}}, zap.NewNop()))
	h, err := eng.Health(ctx, "a")
	require.NoError(t, err)
	assert.True(t, h.Breaker.Tripped)
	assert.Equal(t, "operator", h.Breaker.Reason)

	st, err := store.Load(ctx, "a")
	require.NoError(t, err)
	assert.True(t, st.Account.Breaker.Tripped, "trip is persisted")

	h, err = eng.Health(ctx, "b")
	require.NoError(t, err)
	assert.False(t, h.Breaker.Tripped)

	require.NoError(t, applyControls(ctx, eng, config.Controls{ResetBreaker: []string{"a"}}, zap.NewNop()))
	h, err = eng.Health(ctx, "a")
	require.NoError(t, err)
	assert.False(t, h.Breaker.Tripped)
}

func TestApplyControls_UnknownAccount(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	err := applyControls(context.Background(), eng, config.Controls{Resume: []string{"nope"}}, zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAccountNotFound))
}

func TestWatchSignals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng, store, _ := newTestEngine(t)
	pause(t, store, "b")
	require.NoError(t, eng.TripBreaker(ctx, "a", "manual"))

	sigs := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() { done <- watchSignals(ctx, eng, sigs, zap.NewNop()) }()

	sigs <- syscall.SIGUSR2
	require.Eventually(t, func() bool {
		h, err := eng.Health(ctx, "a")
		return err == nil && !h.Breaker.Tripped
	}, time.Second, 10*time.Millisecond)

	sigs <- syscall.SIGUSR1
	require.Eventually(t, func() bool {
		snap, err := eng.Snapshot(ctx, "b")
		return err == nil && snap.State == domain.BuyPauseActive
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watchSignals did not stop")
	}
}

func TestUnconfiguredAccounts(t *testing.T) {
	ctx := context.Background()
	_, store, cfg := newTestEngine(t)

	orphans, err := unconfiguredAccounts(ctx, store, cfg.Accounts)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	orphans, err = unconfiguredAccounts(ctx, store, cfg.Accounts[:1])
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, orphans)
}
