package pricer

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"
	"github.com/vadiminshakov/lotbot/internal/domain"
)

// HyperliquidPricer reads mid prices from the Hyperliquid Info API.
type HyperliquidPricer struct {
	info *hyperliquid.Info
}

func NewHyperliquidPricer(info *hyperliquid.Info) *HyperliquidPricer {
	return &HyperliquidPricer{info: info}
}

func (p *HyperliquidPricer) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	if p.info == nil {
		return decimal.Zero, fmt.Errorf("hyperliquid info client is nil")
	}

	mids, err := p.info.AllMids(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return midOf(mids, pair)
}

// midOf looks the pair up by spot market name first, then by the base coin.
func midOf(mids map[string]string, pair domain.Pair) (decimal.Decimal, error) {
	for _, key := range []string{pair.From + "/" + pair.To, pair.From} {
		if mid := mids[key]; mid != "" {
			return decimal.NewFromString(mid)
		}
	}
	return decimal.Zero, fmt.Errorf("hyperliquid API returned empty mid price for %s", pair.String())
}
