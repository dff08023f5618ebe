// Package pricer provides current market prices, shared between accounts trading the same symbol.
package pricer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lotbot/internal/domain"
	"github.com/vadiminshakov/lotbot/pkg/retrier"
	"go.uber.org/zap"
)

// Pricer returns the last traded price of a pair.
type Pricer interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}

type cachedPrice struct {
	price decimal.Decimal
	at    time.Time
}

// Cached serves prices from memory for ttl and refreshes them from src with retries.
// Accounts on the same symbol share one fetch per ttl.
type Cached struct {
	src     Pricer
	ttl     time.Duration
	retrier *retrier.Retrier
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	prices map[string]cachedPrice
	// per-symbol fetch locks so a slow symbol does not block the rest
	fetching map[string]*sync.Mutex
}

// NewCached wraps src with a per-symbol cache.
func NewCached(src Pricer, ttl time.Duration, logger *zap.Logger) *Cached {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{
		src:      src,
		ttl:      ttl,
		retrier:  retrier.New(),
		logger:   logger,
		now:      time.Now,
		prices:   make(map[string]cachedPrice),
		fetching: make(map[string]*sync.Mutex),
	}
}

// GetPrice returns a cached price if it is fresh, otherwise fetches a new one.
// A zero or negative price from the source is an error.
func (c *Cached) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	symbol := pair.Symbol()
	if p, ok := c.fresh(symbol); ok {
		return p, nil
	}

	lock := c.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	// another caller may have refreshed while we waited
	if p, ok := c.fresh(symbol); ok {
		return p, nil
	}

	price, err := retrier.DoWithData(ctx, c.retrier, func(ctx context.Context) (decimal.Decimal, error) {
		p, err := c.src.GetPrice(ctx, pair)
		if err != nil {
			return decimal.Zero, err
		}
		if !p.IsPositive() {
			return decimal.Zero, errors.Errorf("non-positive price %s for %s", p, pair.String())
		}
		return p, nil
	})
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "fetch price for %s", pair.String())
	}

	c.mu.Lock()
	c.prices[symbol] = cachedPrice{price: price, at: c.now()}
	c.mu.Unlock()

	c.logger.Debug("price refreshed", zap.String("symbol", symbol), zap.String("price", price.String()))
	return price, nil
}

func (c *Cached) fresh(symbol string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	if !ok || c.now().Sub(p.at) >= c.ttl {
		return decimal.Zero, false
	}
	return p.price, true
}

func (c *Cached) symbolLock(symbol string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.fetching[symbol]
	if !ok {
		l = &sync.Mutex{}
		c.fetching[symbol] = l
	}
	return l
}
