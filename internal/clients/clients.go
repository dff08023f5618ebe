// Package clients builds exchange clients, price sources and order gateways for a platform.
package clients

import (
	"github.com/adshao/go-binance/v2"
	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/lotbot/config"
	"github.com/vadiminshakov/lotbot/internal/services/pricer"
	"github.com/vadiminshakov/lotbot/internal/services/trader"
	"github.com/vadiminshakov/lotbot/internal/storage/simstate"
	"go.uber.org/zap"
)

// Exchange holds the shared price source of a platform and builds account gateways.
// Every account trades through its own authenticated client.
type Exchange struct {
	platform string
	pricer   *pricer.Cached
	logger   *zap.Logger

	hyperliquidURL string
	perSecond      float64
	simDir         string
}

// NewBinanceClient creates a Binance client. Empty keys give a public data client.
func NewBinanceClient(apiKey, apiSecret string) *binance.Client {
	return binance.NewClient(apiKey, apiSecret)
}

// NewBybitClient creates an authenticated Bybit client.
func NewBybitClient(apiKey, apiSecret string) *bybit.Client {
	return bybit.NewClient().WithAuth(apiKey, apiSecret)
}

// New connects the configured platform. Prices come from public endpoints, except on
// Hyperliquid where the info client of the first account is used. The paper exchange
// reads public Binance prices.
func New(cfg *config.Config, simDir string, logger *zap.Logger) (*Exchange, error) {
	e := &Exchange{
		platform:       cfg.Platform,
		logger:         logger,
		hyperliquidURL: HyperliquidMainnetURL,
		perSecond:      float64(cfg.RateLimitPerMinute) / 60,
		simDir:         simDir,
	}

	var src pricer.Pricer
	switch cfg.Platform {
	case config.PlatformBinance, config.PlatformSimulate:
		src = pricer.NewBinancePricer(NewBinanceClient("", ""))
	case config.PlatformBybit:
		src = pricer.NewBybitPricer(bybit.NewClient())
	case config.PlatformHyperliquid:
		if len(cfg.Accounts) == 0 {
			return nil, errors.New("hyperliquid needs at least one account to read prices")
		}
		client, err := NewHyperliquidClient(cfg.Accounts[0].Credentials.PrivateKey, e.hyperliquidURL)
		if err != nil {
			return nil, errors.Wrapf(err, "account %s", cfg.Accounts[0].ID)
		}
		src = pricer.NewHyperliquidPricer(client.Exchange().Info())
	default:
		return nil, errors.Errorf("unsupported platform %q", cfg.Platform)
	}

	e.pricer = pricer.NewCached(src, cfg.Engine.PollInterval/2, logger.Named("pricer"))
	return e, nil
}

// Pricer returns the shared cached price source.
func (e *Exchange) Pricer() *pricer.Cached {
	return e.pricer
}

// Gateway builds the rate limited order gateway of an account on its own credentials.
func (e *Exchange) Gateway(acc config.AccountConfig) (trader.Gateway, error) {
	var gw trader.Gateway
	creds := acc.Credentials
	switch e.platform {
	case config.PlatformBinance:
		if creds.APIKey == "" || creds.APISecret == "" {
			return nil, errors.Errorf("account %s has no binance api key", acc.ID)
		}
		gw = trader.NewBinanceTrader(NewBinanceClient(creds.APIKey, creds.APISecret), trader.DefaultBinanceFeeRate)
	case config.PlatformBybit:
		if creds.APIKey == "" || creds.APISecret == "" {
			return nil, errors.Errorf("account %s has no bybit api key", acc.ID)
		}
		gw = trader.NewBybitTrader(NewBybitClient(creds.APIKey, creds.APISecret))
	case config.PlatformHyperliquid:
		client, err := NewHyperliquidClient(creds.PrivateKey, e.hyperliquidURL)
		if err != nil {
			return nil, errors.Wrapf(err, "account %s", acc.ID)
		}
		hl, err := trader.NewHyperliquidTrader(client.Exchange(), client.AccountAddress(), trader.DefaultHyperliquidFeeRate)
		if err != nil {
			return nil, err
		}
		gw = hl
	case config.PlatformSimulate:
		store, err := simstate.NewStore(e.simDir, acc.ID)
		if err != nil {
			return nil, err
		}
		sim, err := trader.NewSimulateTrader(acc.Pair, acc.SimulateBalance, e.logger.With(zap.String("account", acc.ID)), e.pricer, store)
		if err != nil {
			return nil, errors.Wrapf(err, "paper exchange of account %s", acc.ID)
		}
		// the paper exchange is local, no rate limit needed
		return sim, nil
	default:
		return nil, errors.Errorf("unsupported platform %q", e.platform)
	}
	return trader.NewRateLimited(gw, e.perSecond, burst(e.perSecond)), nil
}

func burst(perSecond float64) int {
	if b := int(perSecond); b > 1 {
		return b
	}
	return 1
}
