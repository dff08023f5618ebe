// Package setup is the interactive configuration wizard.
package setup

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lotbot/config"
	"github.com/vadiminshakov/lotbot/internal/domain"
	"gopkg.in/yaml.v3"
)

// OutputFile is where the wizard writes the generated config.
const OutputFile = "config.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// Answers are the values collected by the wizard.
type Answers struct {
	Platform        string
	Storage         string
	AccountID       string
	Pair            string
	SimulateBalance string
	PollInterval    string
	BuyLogic        string
	SizingMode      string
	BuyQuote        string
	DropPct         string
	TakeProfitPct   string
	TrendCombo      bool
	TelegramChatID  string
}

// DefaultAnswers are the values the wizard starts with.
func DefaultAnswers() Answers {
	return Answers{
		Platform:        config.PlatformSimulate,
		Storage:         config.StorageWAL,
		AccountID:       "main",
		Pair:            "BTC_USDT",
		SimulateBalance: "10000",
		PollInterval:    "1m",
		BuyLogic:        string(domain.BuyLogicLotStacking),
		SizingMode:      string(domain.SizingFixed),
		BuyQuote:        "100",
		DropPct:         "0.6",
		TakeProfitPct:   "3.3",
	}
}

func screen(step string) {
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("LOTBOT CONFIG WIZARD"))
	fmt.Println(stepStyle.Render(step))
}

// RunTUI launches the wizard and writes OutputFile. It returns the written path.
func RunTUI() (string, error) {
	a := DefaultAnswers()
	var confirm bool

	screen("STEP 1: EXCHANGE")
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Pick where orders go and where state is kept.\n"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select Exchange Platform").
				Options(
					huh.NewOption("Binance", config.PlatformBinance),
					huh.NewOption("Bybit", config.PlatformBybit),
					huh.NewOption("Hyperliquid", config.PlatformHyperliquid),
					huh.NewOption("Simulation", config.PlatformSimulate),
				).
				Value(&a.Platform),
			huh.NewSelect[string]().
				Title("State storage").
				Options(
					huh.NewOption("Local write-ahead log", config.StorageWAL),
					huh.NewOption("Postgres (LOTBOT_PG_DSN)", config.StoragePostgres),
				).
				Value(&a.Storage),
		),
	).Run()
	if err != nil {
		return "", err
	}

	screen("STEP 2: ACCOUNT")
	fields := []huh.Field{
		huh.NewInput().
			Title("Account ID").
			Value(&a.AccountID).
			Validate(notEmpty("account id")),
		huh.NewInput().
			Title("Trading Pair").
			Description("Must contain underscore (e.g. BTC_USDT)").
			Value(&a.Pair).
			Validate(func(s string) error {
				_, err := domain.ParsePair(s)
				return err
			}),
		huh.NewInput().
			Title("Poll Interval").
			Description("Duration string (e.g. 30s, 1m, 5m)").
			Value(&a.PollInterval).
			Validate(func(s string) error {
				_, err := time.ParseDuration(s)
				return err
			}),
	}
	if a.Platform == config.PlatformSimulate {
		fields = append(fields, huh.NewInput().
			Title("Paper balance (quote)").
			Value(&a.SimulateBalance).
			Validate(positive))
	}
	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return "", err
	}

	screen("STEP 3: COMBO")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Sizing").
				Options(
					huh.NewOption("Fixed quote per buy", string(domain.SizingFixed)),
					huh.NewOption("Percent of free balance", string(domain.SizingPctBalance)),
					huh.NewOption("Scaled plan", string(domain.SizingScaledPlan)),
				).
				Value(&a.SizingMode),
			huh.NewInput().
				Title("Buy size").
				Description("Quote amount for fixed sizing, percent of balance otherwise").
				Value(&a.BuyQuote).
				Validate(positive),
			huh.NewInput().
				Title("Buy Price Drop %").
				Description("Drop below the base price that triggers a buy (e.g. 0.6)").
				Value(&a.DropPct).
				Validate(percent),
			huh.NewInput().
				Title("Sell Take Profit %").
				Description("Rise above the lot buy price to sell at (e.g. 3.3)").
				Value(&a.TakeProfitPct).
				Validate(percent),
			huh.NewConfirm().
				Title("Add a trend_buy combo following this one?").
				Value(&a.TrendCombo),
		),
	).Run()
	if err != nil {
		return "", err
	}

	screen("STEP 4: ALERTS")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram chat id").
				Description("Leave empty to disable alerts. The token is read from TELEGRAM_BOT_TOKEN").
				Value(&a.TelegramChatID).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					_, err := strconv.ParseInt(s, 10, 64)
					return err
				}),
		),
	).Run()
	if err != nil {
		return "", err
	}

	screen("FINAL CONFIRMATION")
	summary := fmt.Sprintf(
		"Platform: %s\nStorage: %s\nAccount: %s\nPair: %s\nInterval: %s\nSizing: %s %s\nDrop: %s%%  Take profit: %s%%\n",
		a.Platform, a.Storage, a.AccountID, a.Pair, a.PollInterval, a.SizingMode, a.BuyQuote, a.DropPct, a.TakeProfitPct,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return "", err
	}
	if !confirm {
		return "", errors.New("setup cancelled by user")
	}

	if err := Write(OutputFile, a); err != nil {
		return "", err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting bot...", OutputFile)))
	time.Sleep(1500 * time.Millisecond)
	return OutputFile, nil
}

// Build turns the answers into the YAML layout.
func Build(a Answers) (config.ConfigTmp, error) {
	poll, err := time.ParseDuration(a.PollInterval)
	if err != nil {
		return config.ConfigTmp{}, errors.Wrap(err, "poll interval")
	}
	drop, err := fraction(a.DropPct)
	if err != nil {
		return config.ConfigTmp{}, errors.Wrap(err, "drop percent")
	}
	tp, err := fraction(a.TakeProfitPct)
	if err != nil {
		return config.ConfigTmp{}, errors.Wrap(err, "take profit percent")
	}

	buyParams := map[string]string{
		"sizing_mode": a.SizingMode,
		"drop_pct":    drop,
	}
	switch domain.SizingMode(a.SizingMode) {
	case domain.SizingPctBalance:
		buyParams["balance_pct"] = a.BuyQuote
	case domain.SizingScaledPlan:
		buyParams["plan_step_pct"] = a.BuyQuote
	default:
		buyParams["buy_quote"] = a.BuyQuote
	}

	combos := []config.ComboTmp{{
		ID:         "stack",
		BuyLogic:   a.BuyLogic,
		BuyParams:  buyParams,
		SellLogic:  string(domain.SellLogicFixedTP),
		SellParams: map[string]string{"take_profit_pct": tp},
	}}
	if a.TrendCombo {
		combos = append(combos, config.ComboTmp{
			ID:             "trend",
			BuyLogic:       string(domain.BuyLogicTrend),
			SellLogic:      string(domain.SellLogicFixedTP),
			SellParams:     map[string]string{"take_profit_pct": tp},
			ReferenceCombo: "stack",
		})
	}

	account := config.AccountTmp{
		ID:     a.AccountID,
		Pair:   strings.ToUpper(a.Pair),
		Combos: combos,
	}
	if a.Platform == config.PlatformSimulate {
		account.SimulateBalance = a.SimulateBalance
	}

	out := config.ConfigTmp{
		Platform:     a.Platform,
		PollInterval: poll,
		Storage:      config.StorageTmp{Driver: a.Storage},
		Accounts:     []config.AccountTmp{account},
	}
	if a.TelegramChatID != "" {
		id, err := strconv.ParseInt(a.TelegramChatID, 10, 64)
		if err != nil {
			return config.ConfigTmp{}, errors.Wrap(err, "telegram chat id")
		}
		out.Telegram.ChatID = id
	}
	return out, nil
}

// Write renders the answers to path.
func Write(path string, a Answers) error {
	cfg, err := Build(a)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to generate yaml")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "failed to save config file")
	}
	return nil
}

// fraction converts a percent string to the fraction the logics use.
func fraction(pct string) (string, error) {
	d, err := decimal.NewFromString(pct)
	if err != nil {
		return "", err
	}
	return d.Div(decimal.NewFromInt(100)).String(), nil
}

func notEmpty(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s cannot be empty", name)
		}
		return nil
	}
}

func positive(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func percent(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() || d.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("must be between 0 and 100")
	}
	return nil
}
