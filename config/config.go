// Package config loads the bot configuration from YAML and the environment.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lotbot/internal/domain"
	"github.com/vadiminshakov/lotbot/internal/engine"
	"github.com/vadiminshakov/lotbot/internal/services/strategy"
	"gopkg.in/yaml.v3"
)

const (
	PlatformBinance     = "binance"
	PlatformBybit       = "bybit"
	PlatformHyperliquid = "hyperliquid"
	PlatformSimulate    = "simulate"

	StorageWAL      = "wal"
	StoragePostgres = "postgres"

	DefaultConfigPath         = "config.yaml"
	DefaultRateLimitPerMinute = 1000
	defaultSimulateBalance    = "10000"
)

// AllAccounts selects every configured account in an operator control.
const AllAccounts = "all"

// Flags are the command line switches.
type Flags struct {
	ConfigPath string
	Setup      bool
	Debug      bool
	Controls   Controls
}

// Controls are operator actions applied to accounts on start, before trading resumes.
// Each list holds account ids or AllAccounts.
type Controls struct {
	TripBreaker  []string
	ResetBreaker []string
	Resume       []string
}

// Empty reports whether no action was requested.
func (c Controls) Empty() bool {
	return len(c.TripBreaker) == 0 && len(c.ResetBreaker) == 0 && len(c.Resume) == 0
}

// ParseFlags parses the process arguments.
func ParseFlags() Flags {
	return parseFlags(flag.CommandLine, os.Args[1:])
}

func parseFlags(fs *flag.FlagSet, args []string) Flags {
	var f Flags
	var trip, reset, resume string
	fs.StringVar(&f.ConfigPath, "config", DefaultConfigPath, "path to yaml config")
	fs.BoolVar(&f.Setup, "setup", false, "run the interactive config wizard")
	fs.BoolVar(&f.Debug, "debug", false, "enable debug logging")
	fs.StringVar(&trip, "trip-breaker", "", "comma separated accounts to halt, or \"all\"")
	fs.StringVar(&reset, "reset-breaker", "", "comma separated accounts whose breaker is reset, or \"all\"")
	fs.StringVar(&resume, "resume", "", "comma separated accounts to resume buying, or \"all\"")
	// ExitOnError flag sets never return an error
	_ = fs.Parse(args)

	f.Controls = Controls{
		TripBreaker:  splitIDs(trip),
		ResetBreaker: splitIDs(reset),
		Resume:       splitIDs(resume),
	}
	return f
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Config is the validated configuration of the process.
type Config struct {
	Platform           string
	Engine             engine.Config
	RateLimitPerMinute int
	Storage            StorageConfig
	MetricsAddr        string
	Telegram           TelegramConfig
	Accounts           []AccountConfig
}

// StorageConfig selects the account state backend.
type StorageConfig struct {
	Driver string
	Dir    string
	DSN    string
}

// TelegramConfig enables alerts when both fields are set.
type TelegramConfig struct {
	ChatID int64
	Token  string
}

// Enabled reports whether alerts should be sent.
func (t TelegramConfig) Enabled() bool {
	return t.ChatID != 0 && t.Token != ""
}

// Credentials are the exchange keys of one account, taken from the environment.
// Hyperliquid signs with a wallet private key instead of an API key pair.
type Credentials struct {
	APIKey     string
	APISecret  string
	PrivateKey string
}

// identity is what the exchange uses to tell accounts apart.
func (c Credentials) identity() string {
	if c.PrivateKey != "" {
		return c.PrivateKey
	}
	return c.APIKey
}

// AccountConfig is one trading account.
type AccountConfig struct {
	ID              string
	Pair            domain.Pair
	Active          bool
	SimulateBalance decimal.Decimal
	Credentials     Credentials
	Combos          []domain.Combo
}

// ConfigTmp is the YAML layout.
type ConfigTmp struct {
	Platform           string        `yaml:"platform"`
	PollInterval       time.Duration `yaml:"poll_interval,omitempty"`
	DeepSleepInterval  time.Duration `yaml:"deep_sleep_interval,omitempty"`
	CycleTimeout       time.Duration `yaml:"cycle_timeout,omitempty"`
	OrderCooldown      time.Duration `yaml:"order_cooldown,omitempty"`
	ThrottleEvery      int           `yaml:"throttle_every,omitempty"`
	PauseThreshold     int           `yaml:"pause_threshold,omitempty"`
	BreakerMaxFailures int           `yaml:"breaker_max_failures,omitempty"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute,omitempty"`
	Storage            StorageTmp    `yaml:"storage,omitempty"`
	MetricsAddr        string        `yaml:"metrics_addr,omitempty"`
	Telegram           TelegramTmp   `yaml:"telegram,omitempty"`
	Accounts           []AccountTmp  `yaml:"accounts"`
}

type StorageTmp struct {
	Driver string `yaml:"driver,omitempty"`
	Dir    string `yaml:"dir,omitempty"`
	DSN    string `yaml:"dsn,omitempty"`
}

type TelegramTmp struct {
	ChatID int64 `yaml:"chat_id,omitempty"`
}

// AccountTmp names the environment variables holding the account keys. Unset names
// fall back to the platform defaults (BINANCE_API_KEY, BYBIT_API_SECRET, ...).
type AccountTmp struct {
	ID              string     `yaml:"id"`
	Pair            string     `yaml:"pair"`
	Active          *bool      `yaml:"active,omitempty"`
	SimulateBalance string     `yaml:"simulate_balance,omitempty"`
	APIKeyEnv       string     `yaml:"api_key_env,omitempty"`
	APISecretEnv    string     `yaml:"api_secret_env,omitempty"`
	PrivateKeyEnv   string     `yaml:"private_key_env,omitempty"`
	Combos          []ComboTmp `yaml:"combos"`
}

// ComboTmp keeps logic parameters as strings; absent keys take the logic defaults.
type ComboTmp struct {
	ID             string            `yaml:"id"`
	Name           string            `yaml:"name,omitempty"`
	Enabled        *bool             `yaml:"enabled,omitempty"`
	BuyLogic       string            `yaml:"buy_logic"`
	BuyParams      map[string]string `yaml:"buy_params,omitempty"`
	SellLogic      string            `yaml:"sell_logic"`
	SellParams     map[string]string `yaml:"sell_params,omitempty"`
	ReferenceCombo string            `yaml:"reference_combo,omitempty"`
}

// Get reads and validates the config file at path.
func Get(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Parse validates a YAML config and fills defaults and secrets.
func Parse(data []byte) (*Config, error) {
	var tmp ConfigTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return nil, errors.Wrap(err, "decode yaml config")
	}
	return tmp.build()
}

func (c ConfigTmp) build() (*Config, error) {
	cfg := &Config{
		Platform:           strings.ToLower(c.Platform),
		Engine:             engine.DefaultConfig(),
		RateLimitPerMinute: DefaultRateLimitPerMinute,
		MetricsAddr:        c.MetricsAddr,
		Storage: StorageConfig{
			Driver: strings.ToLower(c.Storage.Driver),
			Dir:    c.Storage.Dir,
			DSN:    c.Storage.DSN,
		},
		Telegram: TelegramConfig{
			ChatID: c.Telegram.ChatID,
			Token:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		},
	}

	switch cfg.Platform {
	case PlatformBinance, PlatformBybit, PlatformHyperliquid, PlatformSimulate:
	default:
		return nil, errors.Errorf("unsupported platform %q", c.Platform)
	}

	e := &cfg.Engine
	if c.PollInterval > 0 {
		e.PollInterval = c.PollInterval
		e.StartJitter = c.PollInterval
	}
	if c.DeepSleepInterval > 0 {
		e.DeepSleepInterval = c.DeepSleepInterval
	}
	if c.CycleTimeout > 0 {
		e.CycleTimeout = c.CycleTimeout
	}
	if c.OrderCooldown > 0 {
		e.OrderCooldown = c.OrderCooldown
	}
	if c.ThrottleEvery > 0 {
		e.BuyPause.ThrottleEvery = c.ThrottleEvery
	}
	if c.PauseThreshold > 0 {
		e.BuyPause.PauseThreshold = c.PauseThreshold
	}
	if c.BreakerMaxFailures > 0 {
		e.BreakerMaxFailures = c.BreakerMaxFailures
	}
	if c.RateLimitPerMinute > 0 {
		cfg.RateLimitPerMinute = c.RateLimitPerMinute
	}

	switch cfg.Storage.Driver {
	case "", StorageWAL:
		cfg.Storage.Driver = StorageWAL
	case StoragePostgres:
		if dsn := os.Getenv("LOTBOT_PG_DSN"); dsn != "" {
			cfg.Storage.DSN = dsn
		}
		if cfg.Storage.DSN == "" {
			return nil, errors.New("postgres storage needs a dsn (storage.dsn or LOTBOT_PG_DSN)")
		}
	default:
		return nil, errors.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}

	if len(c.Accounts) == 0 {
		return nil, errors.New("at least one account is required")
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	owners := make(map[string]string, len(c.Accounts))
	for _, a := range c.Accounts {
		acc, err := a.build()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[acc.ID]; dup {
			return nil, errors.Errorf("duplicate account %s", acc.ID)
		}
		seen[acc.ID] = struct{}{}

		if cfg.Platform != PlatformSimulate {
			if acc.Credentials, err = a.credentials(cfg.Platform); err != nil {
				return nil, err
			}
			// one exchange account per bot account, or balances and orders would mix
			id := acc.Credentials.identity()
			if other, shared := owners[id]; shared {
				return nil, errors.Errorf("accounts %s and %s use the same exchange keys", other, acc.ID)
			}
			owners[id] = acc.ID
		}
		cfg.Accounts = append(cfg.Accounts, acc)
	}
	return cfg, nil
}

func (a AccountTmp) credentials(platform string) (Credentials, error) {
	var creds Credentials
	switch platform {
	case PlatformHyperliquid:
		name := envOr(a.PrivateKeyEnv, "HYPERLIQUID_PRIVATE_KEY")
		if creds.PrivateKey = os.Getenv(name); creds.PrivateKey == "" {
			return Credentials{}, errors.Errorf("account %s: private key must be set in %s", a.ID, name)
		}
		return creds, nil
	case PlatformBinance, PlatformBybit:
		prefix := strings.ToUpper(platform)
		keyName := envOr(a.APIKeyEnv, prefix+"_API_KEY")
		secretName := envOr(a.APISecretEnv, prefix+"_API_SECRET")
		creds.APIKey = os.Getenv(keyName)
		creds.APISecret = os.Getenv(secretName)
		if creds.APIKey == "" || creds.APISecret == "" {
			return Credentials{}, errors.Errorf("account %s: api key and secret must be set in %s and %s", a.ID, keyName, secretName)
		}
		return creds, nil
	default:
		return creds, nil
	}
}

func envOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func (a AccountTmp) build() (AccountConfig, error) {
	if a.ID == "" {
		return AccountConfig{}, errors.New("account id is required")
	}
	pair, err := domain.ParsePair(a.Pair)
	if err != nil {
		return AccountConfig{}, errors.Wrapf(err, "account %s", a.ID)
	}

	balance := a.SimulateBalance
	if balance == "" {
		balance = defaultSimulateBalance
	}
	simBalance, err := decimal.NewFromString(balance)
	if err != nil {
		return AccountConfig{}, errors.Wrapf(err, "account %s: incorrect 'simulate_balance'", a.ID)
	}

	acc := AccountConfig{
		ID:              a.ID,
		Pair:            pair,
		Active:          a.Active == nil || *a.Active,
		SimulateBalance: simBalance,
	}
	for _, ct := range a.Combos {
		combo, err := ct.build()
		if err != nil {
			return AccountConfig{}, errors.Wrapf(err, "account %s", a.ID)
		}
		acc.Combos = append(acc.Combos, combo)
	}
	// validates combo references as well
	if _, err := domain.NewAccountState(acc.ID, acc.Pair, acc.Combos); err != nil {
		return AccountConfig{}, err
	}
	return acc, nil
}

func (c ComboTmp) build() (domain.Combo, error) {
	combo := domain.Combo{
		ID:               c.ID,
		Name:             c.Name,
		Enabled:          c.Enabled == nil || *c.Enabled,
		BuyLogic:         domain.BuyLogicKind(c.BuyLogic),
		SellLogic:        domain.SellLogicKind(c.SellLogic),
		ReferenceComboID: c.ReferenceCombo,
	}
	if combo.SellLogic == "" {
		combo.SellLogic = domain.SellLogicFixedTP
	}
	if combo.Name == "" {
		combo.Name = combo.ID
	}

	combo.BuyParams = strategy.DefaultBuyParams(combo.BuyLogic)
	if err := applyBuyParams(&combo.BuyParams, c.BuyParams); err != nil {
		return domain.Combo{}, errors.Wrapf(err, "combo %s", c.ID)
	}
	combo.SellParams = strategy.DefaultSellParams(combo.SellLogic)
	if err := applySellParams(&combo.SellParams, c.SellParams); err != nil {
		return domain.Combo{}, errors.Wrapf(err, "combo %s", c.ID)
	}
	if err := combo.Validate(); err != nil {
		return domain.Combo{}, err
	}
	return combo, nil
}

func applyBuyParams(p *domain.BuyParams, raw map[string]string) error {
	for key, value := range raw {
		var err error
		switch key {
		case "sizing_mode":
			p.SizingMode, err = parseSizingMode(value)
		case "buy_quote":
			p.BuyQuote, err = parseDecimal(key, value)
		case "balance_pct":
			p.BalancePct, err = parseDecimal(key, value)
		case "plan_step_pct":
			p.PlanStepPct, err = parseDecimal(key, value)
		case "max_buy_quote":
			p.MaxBuyQuote, err = parseDecimal(key, value)
		case "min_trade_quote":
			p.MinTradeQuote, err = parseDecimal(key, value)
		case "drop_pct":
			p.DropPct, err = parseDecimal(key, value)
		case "prebuy_pct":
			p.PrebuyPct, err = parseDecimal(key, value)
		case "cancel_rebound_pct":
			p.CancelReboundPct, err = parseDecimal(key, value)
		case "order_timeout":
			p.OrderTimeout, err = time.ParseDuration(value)
		case "recenter_enabled":
			p.RecenterEnabled, err = strconv.ParseBool(value)
		case "recenter_pct":
			p.RecenterPct, err = parseDecimal(key, value)
		case "recenter_ema_period":
			p.RecenterEMAPeriod, err = strconv.Atoi(value)
		case "enable_pct":
			p.EnablePct, err = parseDecimal(key, value)
		case "step_pct":
			p.StepPct, err = parseDecimal(key, value)
		default:
			return errors.Errorf("unknown buy param %q", key)
		}
		if err != nil {
			return errors.Wrapf(err, "incorrect buy param %q", key)
		}
	}
	return nil
}

func applySellParams(p *domain.SellParams, raw map[string]string) error {
	for key, value := range raw {
		var err error
		switch key {
		case "take_profit_pct":
			p.TakeProfitPct, err = parseDecimal(key, value)
		case "min_trade_quote":
			p.MinTradeQuote, err = parseDecimal(key, value)
		case "base_price_update":
			switch mode := domain.BasePriceUpdateMode(value); mode {
			case domain.BasePriceUpdateAlways, domain.BasePriceUpdateIfHigher:
				p.BasePriceUpdate = mode
			default:
				err = errors.Errorf("unknown mode %q", value)
			}
		default:
			return errors.Errorf("unknown sell param %q", key)
		}
		if err != nil {
			return errors.Wrapf(err, "incorrect sell param %q", key)
		}
	}
	return nil
}

func parseSizingMode(s string) (domain.SizingMode, error) {
	switch mode := domain.SizingMode(s); mode {
	case domain.SizingFixed, domain.SizingPctBalance, domain.SizingScaledPlan:
		return mode, nil
	default:
		return "", errors.Errorf("unknown sizing mode %q", s)
	}
}

func parseDecimal(key, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.Errorf("%s must not be negative", key)
	}
	return d, nil
}
