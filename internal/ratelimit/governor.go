// Package ratelimit throttles REST calls below the venue's account limits.
// Two budgets apply per account: request weight per minute and order
// submissions per ten seconds. Every REST call waits on the weight budget;
// mutating order calls additionally wait on the order budget.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"binance-grid-engine-go/internal/enginerr"
	"binance-grid-engine-go/internal/logger"
	"go.uber.org/zap"
)

// Governor is the per-account limiter pair.
type Governor struct {
	weight *rate.Limiter
	orders *rate.Limiter

	mu         sync.Mutex
	weightCap  int
	lastUsed   int
	log        *zap.Logger
}

// NewGovernor builds a governor with conservative caps. weightPerMinute and
// ordersPerTenSec should sit below the venue limits (6000/min and 100/10s)
// to leave headroom for other consumers of the same account.
func NewGovernor(weightPerMinute, ordersPerTenSec int) *Governor {
	return &Governor{
		weight:    rate.NewLimiter(rate.Limit(float64(weightPerMinute)/60.0), weightPerMinute/8),
		orders:    rate.NewLimiter(rate.Limit(float64(ordersPerTenSec)/10.0), ordersPerTenSec/4),
		weightCap: weightPerMinute,
		log:       logger.Named("ratelimit"),
	}
}

// WaitWeight blocks until the weight budget admits cost, or the context
// expires, in which case ErrRateLimited is returned and the venue is never
// contacted.
func (g *Governor) WaitWeight(ctx context.Context, cost int) error {
	if err := g.weight.WaitN(ctx, cost); err != nil {
		return fmt.Errorf("%w: weight budget: %v", enginerr.ErrRateLimited, err)
	}
	return nil
}

// WaitOrder blocks for one order slot on top of the weight cost.
func (g *Governor) WaitOrder(ctx context.Context, weightCost int) error {
	if err := g.WaitWeight(ctx, weightCost); err != nil {
		return err
	}
	if err := g.orders.Wait(ctx); err != nil {
		return fmt.Errorf("%w: order budget: %v", enginerr.ErrRateLimited, err)
	}
	return nil
}

// Calibrate folds the venue-reported used weight back into the local view.
// When the venue says the account is hotter than our own accounting, drain
// the bucket so subsequent calls back off.
func (g *Governor) Calibrate(usedWeight int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if usedWeight <= g.lastUsed {
		g.lastUsed = usedWeight
		return
	}
	excess := usedWeight - g.lastUsed
	g.lastUsed = usedWeight
	if usedWeight > g.weightCap*8/10 {
		g.log.Warn("venue weight usage high, draining local budget",
			zap.Int("used", usedWeight), zap.Int("cap", g.weightCap))
		g.weight.ReserveN(time.Now(), excess)
	}
}

// Registry hands out one governor per account so all bots sharing a
// credential share its budgets.
type Registry struct {
	mu        sync.Mutex
	governors map[string]*Governor
	weightCap int
	orderCap  int
}

// NewRegistry builds a registry with the configured caps.
func NewRegistry(weightPerMinute, ordersPerTenSec int) *Registry {
	return &Registry{
		governors: make(map[string]*Governor),
		weightCap: weightPerMinute,
		orderCap:  ordersPerTenSec,
	}
}

// For returns the governor for accountID, creating it on first use.
func (r *Registry) For(accountID string) *Governor {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.governors[accountID]
	if !ok {
		g = NewGovernor(r.weightCap, r.orderCap)
		r.governors[accountID] = g
	}
	return g
}
