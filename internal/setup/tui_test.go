package setup

import (
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/lotbot/config"
	"github.com/vadiminshakov/lotbot/internal/domain"
)

func TestWrite_ProducesLoadableConfig(t *testing.T) {
	a := DefaultAnswers()
	a.TrendCombo = true
	a.TelegramChatID = "777"
	path := filepath.Join(t.TempDir(), OutputFile)

	require.NoError(t, Write(path, a))

	cfg, err := config.Get(path)
	require.NoError(t, err)
	assert.Equal(t, config.PlatformSimulate, cfg.Platform)
	assert.Equal(t, int64(777), cfg.Telegram.ChatID)
	require.Len(t, cfg.Accounts, 1)

	acc := cfg.Accounts[0]
	assert.Equal(t, "main", acc.ID)
	assert.True(t, acc.SimulateBalance.Equal(decimal.NewFromInt(10000)))
	require.Len(t, acc.Combos, 2)
	stack := acc.Combos[0]
	assert.True(t, stack.BuyParams.DropPct.Equal(decimal.RequireFromString("0.006")))
	assert.True(t, stack.BuyParams.BuyQuote.Equal(decimal.NewFromInt(100)))
	assert.True(t, stack.SellParams.TakeProfitPct.Equal(decimal.RequireFromString("0.033")))
	assert.Equal(t, domain.BuyLogicTrend, acc.Combos[1].BuyLogic)
	assert.Equal(t, "stack", acc.Combos[1].ReferenceComboID)
}

func TestBuild_SizingModes(t *testing.T) {
	a := DefaultAnswers()
	a.SizingMode = string(domain.SizingPctBalance)
	a.BuyQuote = "5"

	out, err := Build(a)
	require.NoError(t, err)
	params := out.Accounts[0].Combos[0].BuyParams
	assert.Equal(t, "5", params["balance_pct"])
	assert.NotContains(t, params, "buy_quote")

	a.PollInterval = "soon"
	_, err = Build(a)
	assert.Error(t, err)
}

func TestWrite_HyperliquidReadsAccountKey(t *testing.T) {
	a := DefaultAnswers()
	a.Platform = config.PlatformHyperliquid
	a.Pair = "hype_usdc"
	path := filepath.Join(t.TempDir(), OutputFile)
	require.NoError(t, Write(path, a))

	t.Setenv("HYPERLIQUID_PRIVATE_KEY", "0xabc")
	cfg, err := config.Get(path)
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, domain.Pair{From: "HYPE", To: "USDC"}, cfg.Accounts[0].Pair)
	assert.Equal(t, "0xabc", cfg.Accounts[0].Credentials.PrivateKey)
}

func TestValidators(t *testing.T) {
	assert.NoError(t, positive("1.5"))
	assert.Error(t, positive("0"))
	assert.Error(t, positive("abc"))
	assert.NoError(t, percent("3.3"))
	assert.Error(t, percent("100"))
	assert.Error(t, notEmpty("id")(" "))
}
