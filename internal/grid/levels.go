package grid

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"binance-grid-engine-go/internal/models"
)

// buildLevels lays the ladder out across the band. Levels at or below the
// current price buy first; levels above it sell first. With ShortBias the
// split flips, which needs a larger bootstrap of base inventory.
func buildLevels(bot *models.BotConfig, price float64, rules *tradeRules) []*models.GridLevel {
	p := bot.Grid
	step := p.Step()
	now := time.Now()

	levels := make([]*models.GridLevel, 0, p.GridCount)
	for i := 0; i < p.GridCount; i++ {
		levelPrice := rules.roundPrice(p.LowerPrice + float64(i)*step)
		side := models.Buy
		if levelPrice > price {
			side = models.Sell
		}
		if p.ShortBias {
			side = side.Opposite()
		}
		levels = append(levels, &models.GridLevel{
			BotID:     bot.ID,
			ID:        i,
			Price:     levelPrice,
			Side:      side,
			Quantity:  rules.sizeFor(levelPrice, p.NotionalPerLevel),
			State:     models.LevelEmpty,
			UpdatedAt: now,
		})
	}
	return levels
}

// tradeRules holds the symbol's rounding and notional constraints.
type tradeRules struct {
	tickSize    float64
	stepSize    float64
	minNotional float64
	baseAsset   string
}

func newTradeRules(info *models.SymbolInfo) (*tradeRules, error) {
	tick, err := parseStep(info.TickSize())
	if err != nil {
		return nil, fmt.Errorf("symbol %s: tick size: %w", info.Symbol, err)
	}
	step, err := parseStep(info.StepSize())
	if err != nil {
		return nil, fmt.Errorf("symbol %s: lot step: %w", info.Symbol, err)
	}
	return &tradeRules{
		tickSize:    tick,
		stepSize:    step,
		minNotional: info.MinNotional(),
		baseAsset:   info.BaseAsset,
	}, nil
}

func parseStep(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("filter missing")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, fmt.Errorf("non-positive step %q", s)
	}
	return v, nil
}

// roundPrice truncates a price onto the tick grid.
func (r *tradeRules) roundPrice(price float64) float64 {
	return truncateTo(price, r.tickSize)
}

// roundQty truncates a quantity onto the lot-step grid.
func (r *tradeRules) roundQty(qty float64) float64 {
	return truncateTo(qty, r.stepSize)
}

// sizeFor converts a per-level notional into a lot-rounded quantity and
// bumps it above the minimum notional with a one percent margin, so a
// truncated quantity cannot fall back under the floor.
func (r *tradeRules) sizeFor(price, notional float64) float64 {
	qty := r.roundQty(notional / price)
	if r.minNotional > 0 && qty*price < r.minNotional {
		needed := r.minNotional * 1.01 / price
		qty = r.roundQty(math.Ceil(needed/r.stepSize) * r.stepSize)
	}
	return qty
}

// meetsNotional reports whether an order of qty at price clears the floor.
func (r *tradeRules) meetsNotional(qty, price float64) bool {
	return r.minNotional <= 0 || qty*price >= r.minNotional
}

// truncateTo truncates value onto a multiple of step, defending against
// float drift with a tiny epsilon before the floor.
func truncateTo(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	n := math.Floor(value/step + 1e-9)
	// Reconstruct from the step's decimal precision to avoid 0.30000000000000004s.
	digits := stepDecimals(step)
	out := n * step
	scale := math.Pow10(digits)
	return math.Round(out*scale) / scale
}

func stepDecimals(step float64) int {
	s := strconv.FormatFloat(step, 'f', -1, 64)
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return len(s) - i - 1
		}
	}
	return 0
}
