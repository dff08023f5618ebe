package indicators

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func series(values ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

func TestLastEMA_ConstantSeries(t *testing.T) {
	ema, err := LastEMA(series(100, 100, 100, 100, 100, 100), 4)
	require.NoError(t, err)
	require.InDelta(t, 100.0, ema.InexactFloat64(), 1e-9)
}

func TestLastEMA_TracksRisingPrices(t *testing.T) {
	ema, err := LastEMA(series(100, 101, 102, 103, 104, 105, 106, 107), 3)
	require.NoError(t, err)
	require.Greater(t, ema.InexactFloat64(), 103.0)
	require.LessOrEqual(t, ema.InexactFloat64(), 107.0)
}

func TestCalculateEMA_NotEnoughData(t *testing.T) {
	_, err := CalculateEMA(series(1, 2), 3)
	require.Error(t, err)

	_, err = LastEMA(series(1, 2), 0)
	require.Error(t, err)
}
