package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/lotbot/internal/events"
	"go.uber.org/zap"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*bot.SendMessageParams
	err  error
}

func (f *fakeSender) SendMessage(_ context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, params)
	return &models.Message{}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var at = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		ev   events.AccountEvent
		want string
	}{
		{
			name: "buy pause",
			ev:   events.AccountEvent{Timestamp: at, AccountID: "acc", Pair: "BTC/USDT", Kind: events.KindBuyPause, From: "THROTTLED", To: "PAUSED", Message: "low_balance_threshold"},
			want: "2024-03-01 12:00:00 [acc BTC/USDT] buying THROTTLED -> PAUSED (low_balance_threshold)",
		},
		{
			name: "breaker",
			ev:   events.AccountEvent{Timestamp: at, AccountID: "acc", Kind: events.KindBreakerTripped, Message: "manual"},
			want: "2024-03-01 12:00:00 [acc] circuit breaker TRIPPED: manual",
		},
		{
			name: "reset",
			ev:   events.AccountEvent{Timestamp: at, AccountID: "acc", Kind: events.KindBreakerReset},
			want: "2024-03-01 12:00:00 [acc] circuit breaker reset",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.ev))
		})
	}
}

func TestNotifier_FiltersKinds(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	n := NewNotifier(sender, 42, zap.NewNop())

	require.NoError(t, n.Notify(ctx, events.AccountEvent{Timestamp: at, AccountID: "acc", Kind: events.KindOrderFilled}))
	assert.Zero(t, sender.count())

	require.NoError(t, n.Notify(ctx, events.AccountEvent{Timestamp: at, AccountID: "acc", Kind: events.KindBreakerTripped}))
	require.Equal(t, 1, sender.count())
	assert.Equal(t, int64(42), sender.sent[0].ChatID)

	n.WithFills()
	require.NoError(t, n.Notify(ctx, events.AccountEvent{Timestamp: at, AccountID: "acc", Kind: events.KindOrderFilled}))
	assert.Equal(t, 2, sender.count())
}

func TestNotifier_SendError(t *testing.T) {
	sender := &fakeSender{err: errors.New("forbidden")}
	n := NewNotifier(sender, 42, zap.NewNop())
	err := n.Notify(context.Background(), events.AccountEvent{Kind: events.KindLedgerFault})
	assert.Error(t, err)
}

func TestNotifier_RunForwardsBroadcasts(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, 1, zap.NewNop())
	bus := events.NewBroadcaster(8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		bus.Publish(events.AccountEvent{Timestamp: at, AccountID: "acc", Kind: events.KindBreakerReset})
		return sender.count() > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestNewTelegram_Validates(t *testing.T) {
	_, err := NewTelegram("", 1, nil)
	assert.Error(t, err)
	_, err = NewTelegram("token", 0, nil)
	assert.Error(t, err)
}
