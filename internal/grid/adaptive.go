package grid

import (
	"context"
	"fmt"
	"strconv"

	"github.com/adshao/go-binance/v2"

	"binance-grid-engine-go/internal/models"
)

// BandPolicy decides whether a bot's band should move. Implementations
// must not mutate current; they return a replacement parameter set.
type BandPolicy interface {
	Recommend(ctx context.Context, symbol string, current models.GridParams, price float64) (*models.GridParams, bool, error)
}

// DriftPolicy recenters the band once price has drifted beyond a quarter of
// the band width from its center, sizing the new band from recent realized
// range so a volatile market gets a wider ladder.
type DriftPolicy struct {
	client   *binance.Client
	interval string
	lookback int
}

// NewDriftPolicy builds the default policy. Kline access is public data, so
// the client needs no credentials. The endpoint is set per client rather
// than through the package-level testnet switch, which would leak into
// every other client in the process.
func NewDriftPolicy(testnet bool) *DriftPolicy {
	client := binance.NewClient("", "")
	if testnet {
		client.BaseURL = "https://testnet.binance.vision"
	}
	return &DriftPolicy{
		client:   client,
		interval: "1h",
		lookback: 48,
	}
}

func (p *DriftPolicy) Recommend(ctx context.Context, symbol string, current models.GridParams, price float64) (*models.GridParams, bool, error) {
	if price <= 0 {
		return nil, false, nil
	}

	width := current.UpperPrice - current.LowerPrice
	center := current.LowerPrice + width/2
	if price > center-width/4 && price < center+width/4 {
		return nil, false, nil
	}

	span, err := p.realizedRange(ctx, symbol)
	if err != nil {
		return nil, false, err
	}
	// Never shrink below the configured width; widen when the market moved
	// more than the band covers.
	if span < width {
		span = width
	}

	next := current
	next.LowerPrice = price - span/2
	next.UpperPrice = price + span/2
	if next.LowerPrice <= 0 {
		next.LowerPrice = price * 0.5
	}
	return &next, true, nil
}

// realizedRange measures the high-low span over the lookback window.
func (p *DriftPolicy) realizedRange(ctx context.Context, symbol string) (float64, error) {
	klines, err := p.client.NewKlinesService().
		Symbol(symbol).
		Interval(p.interval).
		Limit(p.lookback).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(klines) == 0 {
		return 0, fmt.Errorf("no klines for %s", symbol)
	}

	high, low := 0.0, 0.0
	for i, k := range klines {
		h, err := strconv.ParseFloat(k.High, 64)
		if err != nil {
			return 0, err
		}
		l, err := strconv.ParseFloat(k.Low, 64)
		if err != nil {
			return 0, err
		}
		if i == 0 || h > high {
			high = h
		}
		if i == 0 || l < low {
			low = l
		}
	}
	return high - low, nil
}
