package trader

import (
	"context"
	"strings"
	"testing"

	"github.com/hirokisan/bybit/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/lotbot/internal/domain"
)

type countingGateway struct {
	calls int
}

func (c *countingGateway) GetFreeBalance(context.Context, string) (decimal.Decimal, error) {
	c.calls++
	return decimal.NewFromInt(1), nil
}

func (c *countingGateway) PlaceLimitOrder(context.Context, domain.OrderRequest) (domain.OrderResult, error) {
	c.calls++
	return domain.OrderResult{OrderID: "1"}, nil
}

func (c *countingGateway) GetOrder(context.Context, domain.Pair, string) (domain.OrderResult, error) {
	c.calls++
	return domain.OrderResult{OrderID: "1"}, nil
}

func (c *countingGateway) CancelOrder(context.Context, domain.Pair, string) error {
	c.calls++
	return nil
}

func TestRateLimited_Delegates(t *testing.T) {
	next := &countingGateway{}
	g := NewRateLimited(next, 1000, 10)
	ctx := context.Background()

	_, err := g.GetFreeBalance(ctx, "USDT")
	require.NoError(t, err)
	_, err = g.PlaceLimitOrder(ctx, domain.OrderRequest{})
	require.NoError(t, err)
	_, err = g.GetOrder(ctx, btcusdt, "1")
	require.NoError(t, err)
	require.NoError(t, g.CancelOrder(ctx, btcusdt, "1"))
	assert.Equal(t, 4, next.calls)
}

func TestRateLimited_RespectsContext(t *testing.T) {
	next := &countingGateway{}
	g := NewRateLimited(next, 0.001, 1)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := g.GetFreeBalance(ctx, "USDT")
	require.NoError(t, err)

	cancel()
	_, err = g.GetFreeBalance(ctx, "USDT")
	require.Error(t, err)
	assert.Equal(t, 1, next.calls)
}

func TestNewClientOrderID(t *testing.T) {
	a, b := NewClientOrderID(), NewClientOrderID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "lb"))
	assert.Len(t, a, 34)
	assert.NotContains(t, a, "-")
}

func TestPrecisionOf(t *testing.T) {
	tests := []struct {
		step string
		want int32
	}{
		{"0.00100000", 3},
		{"0.01", 2},
		{"1.00000000", 0},
		{"1", 0},
		{"0.00000001", 8},
	}
	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			assert.Equal(t, tt.want, precisionOf(tt.step))
		})
	}
}

func TestSumCommissions(t *testing.T) {
	pair := domain.Pair{From: "BTC", To: "USDT"}
	quote, base, err := sumCommissions(pair, []commission{
		{amount: "0.000001", asset: "BTC"},
		{amount: "0.000002", asset: "BTC"},
		{amount: "0.05", asset: "USDT"},
		{amount: "0.0001", asset: "BNB"},
	})
	require.NoError(t, err)
	assert.True(t, base.Equal(decimal.RequireFromString("0.000003")), base.String())
	assert.True(t, quote.Equal(decimal.RequireFromString("0.05")), quote.String())

	_, _, err = sumCommissions(pair, []commission{{amount: "x", asset: "BTC"}})
	require.Error(t, err)
}

func TestBybitResult_FeeSide(t *testing.T) {
	buy, err := bybitResult("1", "l1", bybit.SideBuy, "Filled", "0.001", "99", "0.000001")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, buy.Status)
	assert.True(t, buy.BaseFee.Equal(decimal.RequireFromString("0.000001")))
	assert.True(t, buy.Fee.IsZero())
	assert.True(t, buy.NetQty().Equal(decimal.RequireFromString("0.000999")))

	sell, err := bybitResult("2", "l2", bybit.SideSell, "PartiallyFilled", "0.001", "100", "0.0001")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, sell.Status)
	assert.True(t, sell.Fee.Equal(decimal.RequireFromString("0.0001")))
	assert.True(t, sell.BaseFee.IsZero())
}

func TestBinanceEstimateFees(t *testing.T) {
	tr := NewBinanceTrader(nil, decimal.RequireFromString("0.001"))

	buy := domain.OrderResult{ExecutedQty: decimal.NewFromInt(2)}
	tr.estimateFees(&buy, domain.SideBuy, decimal.NewFromInt(200))
	assert.True(t, buy.BaseFee.Equal(decimal.RequireFromString("0.002")))
	assert.True(t, buy.Fee.IsZero())

	sell := domain.OrderResult{ExecutedQty: decimal.NewFromInt(2)}
	tr.estimateFees(&sell, domain.SideSell, decimal.NewFromInt(200))
	assert.True(t, sell.Fee.Equal(decimal.RequireFromString("0.2")))
	assert.True(t, sell.BaseFee.IsZero())
}
