// Package indicators wraps technical indicators over decimal price series.
package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"github.com/shopspring/decimal"
)

// CalculateEMA calculates the Exponential Moving Average for the given period.
func CalculateEMA(closes []decimal.Decimal, period int) ([]decimal.Decimal, error) {
	if period < 1 {
		return nil, fmt.Errorf("invalid EMA period %d", period)
	}
	if len(closes) < period {
		return nil, fmt.Errorf("not enough data points: need %d, got %d", period, len(closes))
	}

	ema := trend.NewEmaWithPeriod[float64](period)
	outputChan := ema.Compute(helper.SliceToChan(decimalsToFloat64(closes)))

	return float64ToDecimals(helper.ChanToSlice(outputChan)), nil
}

// LastEMA returns the most recent EMA value of the series.
func LastEMA(closes []decimal.Decimal, period int) (decimal.Decimal, error) {
	values, err := CalculateEMA(closes, period)
	if err != nil {
		return decimal.Zero, err
	}
	if len(values) == 0 {
		return decimal.Zero, fmt.Errorf("EMA(%d) produced no values for %d points", period, len(closes))
	}
	return values[len(values)-1], nil
}

func decimalsToFloat64(decimals []decimal.Decimal) []float64 {
	floats := make([]float64, len(decimals))
	for i, d := range decimals {
		floats[i] = d.InexactFloat64()
	}
	return floats
}

func float64ToDecimals(floats []float64) []decimal.Decimal {
	decimals := make([]decimal.Decimal, len(floats))
	for i, f := range floats {
		decimals[i] = decimal.NewFromFloat(f)
	}
	return decimals
}
