package engine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lotbot/internal/domain"
	"github.com/vadiminshakov/lotbot/internal/services/breaker"
)

const (
	DefaultPollInterval      = 60 * time.Second
	DefaultDeepSleepInterval = 7200 * time.Second
	DefaultCycleTimeout      = 180 * time.Second
	DefaultOrderCooldown     = 7 * time.Second
	// defaultOrderTimeout bounds how long an order the exchange does not know is kept.
	defaultOrderTimeout = 3 * time.Hour
)

// Config holds the scheduling and safety tunables shared by all account loops.
type Config struct {
	PollInterval       time.Duration
	DeepSleepInterval  time.Duration
	CycleTimeout       time.Duration
	OrderCooldown      time.Duration
	BuyPause           domain.BuyPausePolicy
	BreakerMaxFailures int
	// StartJitter staggers the first cycle of every account by a random delay up to it.
	StartJitter time.Duration
}

// DefaultConfig returns the reference policy.
func DefaultConfig() Config {
	return Config{
		PollInterval:       DefaultPollInterval,
		DeepSleepInterval:  DefaultDeepSleepInterval,
		CycleTimeout:       DefaultCycleTimeout,
		OrderCooldown:      DefaultOrderCooldown,
		BuyPause:           domain.DefaultBuyPausePolicy(),
		BreakerMaxFailures: breaker.DefaultMaxFailures,
		StartJitter:        DefaultPollInterval,
	}
}

// Gateway is the order side of an exchange account.
type Gateway interface {
	GetFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	PlaceLimitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	GetOrder(ctx context.Context, pair domain.Pair, orderID string) (domain.OrderResult, error)
	CancelOrder(ctx context.Context, pair domain.Pair, orderID string) error
}

// Pricer provides the current market price.
type Pricer interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}

// Store persists account states. Update must run fn as an atomic read-modify-write
// holding the account for its whole duration.
type Store interface {
	Ensure(ctx context.Context, st *domain.AccountState) (*domain.AccountState, error)
	Load(ctx context.Context, accountID string) (*domain.AccountState, error)
	Update(ctx context.Context, accountID string, fn func(*domain.AccountState) error) (*domain.AccountState, error)
}

// SleepInterval picks the wait before the next cycle. A paused account with nothing
// to manage sleeps long, every other state keeps the normal cadence.
func SleepInterval(state domain.BuyPauseState, openLots int, cfg Config) time.Duration {
	if state == domain.BuyPausePaused && openLots == 0 {
		return cfg.DeepSleepInterval
	}
	return cfg.PollInterval
}
