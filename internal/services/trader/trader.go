// Package trader talks to spot exchanges: limit orders, order status and balances.
package trader

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lotbot/internal/domain"
	"golang.org/x/time/rate"
)

const clientOrderPrefix = "lb"

// Gateway is a spot exchange account.
type Gateway interface {
	// GetFreeBalance returns the balance of asset not locked in orders.
	GetFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	// PlaceLimitOrder submits a GTC limit order.
	PlaceLimitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	// GetOrder returns the current status of an order, domain.ErrOrderNotFound if unknown.
	GetOrder(ctx context.Context, pair domain.Pair, orderID string) (domain.OrderResult, error)
	// CancelOrder cancels an open order. Cancelling an unknown order returns domain.ErrOrderNotFound.
	CancelOrder(ctx context.Context, pair domain.Pair, orderID string) error
}

// NewClientOrderID returns a unique client order id accepted by all supported exchanges.
func NewClientOrderID() string {
	return clientOrderPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RateLimited throttles the calls of one account to its gateway.
type RateLimited struct {
	next    Gateway
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond calls with the given burst.
func NewRateLimited(next Gateway, perSecond float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) wait(ctx context.Context) error {
	return errors.Wrap(r.limiter.Wait(ctx), "exchange rate limit")
}

func (r *RateLimited) GetFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if err := r.wait(ctx); err != nil {
		return decimal.Zero, err
	}
	return r.next.GetFreeBalance(ctx, asset)
}

func (r *RateLimited) PlaceLimitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if err := r.wait(ctx); err != nil {
		return domain.OrderResult{}, err
	}
	return r.next.PlaceLimitOrder(ctx, req)
}

func (r *RateLimited) GetOrder(ctx context.Context, pair domain.Pair, orderID string) (domain.OrderResult, error) {
	if err := r.wait(ctx); err != nil {
		return domain.OrderResult{}, err
	}
	return r.next.GetOrder(ctx, pair, orderID)
}

func (r *RateLimited) CancelOrder(ctx context.Context, pair domain.Pair, orderID string) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	return r.next.CancelOrder(ctx, pair, orderID)
}

// precisionOf returns the number of decimal places of a step such as "0.00100000".
func precisionOf(step string) int32 {
	step = strings.TrimSpace(step)
	dot := strings.IndexByte(step, '.')
	if dot < 0 {
		return 0
	}
	frac := strings.TrimRight(step[dot+1:], "0")
	return int32(len(frac))
}
