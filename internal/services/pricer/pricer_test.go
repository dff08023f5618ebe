package pricer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/lotbot/internal/domain"
	"github.com/vadiminshakov/lotbot/pkg/retrier"
	"go.uber.org/zap"
)

type fakeSource struct {
	mu     sync.Mutex
	calls  int
	prices []decimal.Decimal
	errs   []error
}

func (f *fakeSource) GetPrice(_ context.Context, _ domain.Pair) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return decimal.Zero, f.errs[i]
	}
	if i >= len(f.prices) {
		return f.prices[len(f.prices)-1], nil
	}
	return f.prices[i], nil
}

func TestCached_ServesFromCacheWithinTTL(t *testing.T) {
	src := &fakeSource{prices: []decimal.Decimal{decimal.NewFromInt(100), decimal.NewFromInt(200)}}
	c := NewCached(src, time.Minute, zap.NewNop())
	now := time.Now()
	c.now = func() time.Time { return now }
	pair := domain.Pair{From: "BTC", To: "USDT"}

	p, err := c.GetPrice(context.Background(), pair)
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(100)))

	p, err = c.GetPrice(context.Background(), pair)
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, src.calls)

	now = now.Add(2 * time.Minute)
	p, err = c.GetPrice(context.Background(), pair)
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(200)))
	assert.Equal(t, 2, src.calls)
}

func TestCached_RetriesTransientErrors(t *testing.T) {
	src := &fakeSource{
		prices: []decimal.Decimal{decimal.Zero, decimal.NewFromInt(50)},
		errs:   []error{errors.New("timeout")},
	}
	c := NewCached(src, time.Minute, zap.NewNop())
	c.retrier = retrier.New(retrier.WithInitialInterval(time.Millisecond))

	p, err := c.GetPrice(context.Background(), domain.Pair{From: "ETH", To: "USDT"})
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 2, src.calls)
}

func TestCached_RejectsNonPositivePrice(t *testing.T) {
	src := &fakeSource{prices: []decimal.Decimal{decimal.Zero}}
	c := NewCached(src, time.Minute, zap.NewNop())
	c.retrier = retrier.New(retrier.WithInitialInterval(time.Millisecond), retrier.WithMaxRetries(1))

	_, err := c.GetPrice(context.Background(), domain.Pair{From: "ETH", To: "USDT"})
	require.Error(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestMidOf_PrefersSpotMarket(t *testing.T) {
	pair := domain.Pair{From: "HYPE", To: "USDC"}

	price, err := midOf(map[string]string{"HYPE/USDC": "41.5", "HYPE": "41.7"}, pair)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(41.5).Equal(price))

	price, err = midOf(map[string]string{"HYPE": "41.7"}, pair)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(41.7).Equal(price))

	_, err = midOf(map[string]string{"BTC": "1"}, pair)
	require.Error(t, err)
}

func TestHyperliquidPricer_NilInfo(t *testing.T) {
	_, err := NewHyperliquidPricer(nil).GetPrice(context.Background(), domain.Pair{From: "HYPE", To: "USDC"})
	require.Error(t, err)
}
