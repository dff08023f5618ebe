// Package metrics exposes Prometheus collectors of the trading loops:
//
//	lotbot_cycle_duration_seconds       cycle latency
//	lotbot_orders_total{side,status}    submitted orders by outcome
//	lotbot_breaker_trips_total          circuit breaker trips
//	lotbot_buy_pause_state{account}     0 ACTIVE, 1 THROTTLED, 2 PAUSED
//	lotbot_quote_balance{account}       free quote balance seen by the last precheck
//	lotbot_open_lots{account}           open lots after the last cycle
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vadiminshakov/lotbot/internal/domain"
	"go.uber.org/zap"
)

var (
	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lotbot_cycle_duration_seconds",
			Help:    "Duration of one account control loop cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lotbot_orders_total",
			Help: "Orders submitted, by side and outcome (placed|failed|canceled).",
		},
		[]string{"side", "status"},
	)

	BreakerTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lotbot_breaker_trips_total",
			Help: "Circuit breaker trips.",
		},
	)

	BuyPauseState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lotbot_buy_pause_state",
			Help: "Buy pause state per account: 0 ACTIVE, 1 THROTTLED, 2 PAUSED.",
		},
		[]string{"account"},
	)

	QuoteBalance = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lotbot_quote_balance",
			Help: "Free quote balance seen by the last precheck.",
		},
		[]string{"account"},
	)

	OpenLots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lotbot_open_lots",
			Help: "Open lots after the last cycle.",
		},
		[]string{"account"},
	)
)

func init() {
	prometheus.MustRegister(CycleDuration, Orders, BreakerTrips, BuyPauseState, QuoteBalance, OpenLots)
}

// PauseStateValue maps a buy pause state to its gauge value.
func PauseStateValue(s domain.BuyPauseState) float64 {
	switch s {
	case domain.BuyPauseThrottled:
		return 1
	case domain.BuyPausePaused:
		return 2
	default:
		return 0
	}
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
