// Package recovery reconciles persisted bot state against the venue. It
// runs before a bot's worker starts, after a stream gap, and after any call
// whose outcome was unknown. A pass either commits a fully consistent
// snapshot or leaves the bot parked in ERROR; it never commits partially.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"binance-grid-engine-go/internal/enginerr"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/grid"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/persistence"
)

// Reconciler drives recovery passes.
type Reconciler struct {
	repo        persistence.Repository
	maxAttempts int
	callTimeout time.Duration
	log         *zap.Logger
}

// NewReconciler builds a reconciler with a retry budget for transient venue
// failures.
func NewReconciler(repo persistence.Repository, maxAttempts int, callTimeout time.Duration) *Reconciler {
	return &Reconciler{
		repo:        repo,
		maxAttempts: maxAttempts,
		callTimeout: callTimeout,
		log:         logger.Named("recovery"),
	}
}

// ReconcileBot brings one bot's persisted state in line with the venue.
// Transient failures are retried with backoff; exhausting the budget parks
// the bot in ERROR and returns ErrReconciliation.
func (r *Reconciler) ReconcileBot(ctx context.Context, bot *models.BotConfig, client exchange.Client) error {
	if bot.Strategy != models.StrategyGrid {
		// Hedge bots hold no resting orders; their balancer re-measures
		// both legs on startup, which is reconciliation enough.
		return nil
	}

	b := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		lastErr = r.reconcileOnce(ctx, bot, client)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, enginerr.ErrTransientNetwork) && !errors.Is(lastErr, enginerr.ErrRateLimited) {
			break
		}
		r.log.Warn("reconciliation attempt failed",
			zap.String("bot", bot.ID), zap.Int("attempt", attempt), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = r.maxAttempts
		case <-time.After(b.Duration()):
		}
	}

	bot.Status = models.StatusError
	bot.StatusReason = fmt.Sprintf("reconciliation failed: %v", lastErr)
	bot.UpdatedAt = time.Now()
	if saveErr := r.repo.SaveBot(bot); saveErr != nil {
		r.log.Error("persisting error status failed", zap.Error(saveErr))
	}
	return fmt.Errorf("%w: bot %s: %v", enginerr.ErrReconciliation, bot.ID, lastErr)
}

// reconcileOnce runs a single pass. Nothing is persisted until the end,
// when the whole snapshot commits in one transaction.
func (r *Reconciler) reconcileOnce(ctx context.Context, bot *models.BotConfig, client exchange.Client) error {
	levels, err := r.repo.ListLevels(bot.ID)
	if err != nil {
		return err
	}
	persisted, err := r.repo.ListOrders(bot.ID)
	if err != nil {
		return err
	}

	byID := make(map[int]*models.GridLevel, len(levels))
	for _, lvl := range levels {
		byID[lvl.ID] = lvl
	}

	var surviving []*models.OrderRef
	known := make(map[string]bool, len(persisted))
	var newTrades []*models.TradeRecord
	fees := newFeeLookup(r, client, bot)

	for _, ref := range persisted {
		known[ref.ClientOrderID] = true
		if ref.Status.Terminal() {
			continue
		}

		venueOrder, err := r.queryOrder(ctx, client, bot.Symbol, ref.ClientOrderID)
		if err != nil {
			if enginerr.IsUnknownOrder(err) || isOrderMissing(err) {
				// The submission never reached the book. Clear the level
				// so the worker rearms it.
				r.resetLevel(byID[ref.LevelID], ref)
				continue
			}
			return err
		}

		switch models.OrderStatus(venueOrder.Status) {
		case models.OrderNew, models.OrderPartiallyFilled:
			ref.ExchangeOrderID = venueOrder.OrderID
			ref.ExecutedQty = parseF(venueOrder.ExecutedQty)
			surviving = append(surviving, ref)

		case models.OrderFilled:
			fee, err := fees.forOrder(ctx, venueOrder.OrderID)
			if err != nil {
				return err
			}
			trade := r.applyFill(bot, byID[ref.LevelID], ref, venueOrder, fee)
			if trade != nil {
				newTrades = append(newTrades, trade)
			}

		default:
			r.resetLevel(byID[ref.LevelID], ref)
		}
	}

	// Orders live on the venue that the store never heard of: submissions
	// whose response was lost. Adopt them.
	open, err := r.openOrders(ctx, client, bot.Symbol)
	if err != nil {
		return err
	}
	for i := range open {
		venueOrder := &open[i]
		if known[venueOrder.ClientOrderID] {
			continue
		}
		levelID, ok := grid.ParseOrderID(bot.ID, venueOrder.ClientOrderID)
		if !ok {
			continue
		}
		lvl := byID[levelID]
		if lvl == nil {
			continue
		}
		r.log.Info("adopting untracked order",
			zap.String("bot", bot.ID), zap.String("order", venueOrder.ClientOrderID))
		ref := &models.OrderRef{
			BotID:           bot.ID,
			ClientOrderID:   venueOrder.ClientOrderID,
			ExchangeOrderID: venueOrder.OrderID,
			LevelID:         levelID,
			Side:            models.Side(venueOrder.Side),
			Price:           parseF(venueOrder.Price),
			Quantity:        parseF(venueOrder.OrigQty),
			ExecutedQty:     parseF(venueOrder.ExecutedQty),
			Status:          models.OrderStatus(venueOrder.Status),
		}
		surviving = append(surviving, ref)
		if lvl.State == models.LevelEmpty {
			lvl.State = models.LevelPlaced
		}
		lvl.OrderID = ref.ClientOrderID
	}

	for _, trade := range newTrades {
		if err := r.repo.AppendTrade(trade); err != nil {
			return err
		}
	}

	// The trade ledger is the source of truth for profit; the counter on
	// the bot is rebuilt from it, never trusted.
	trades, err := r.repo.ListTrades(bot.ID)
	if err != nil {
		return err
	}
	total := 0.0
	for _, tr := range trades {
		total += tr.RealizedProfit
	}
	bot.RealizedProfit = total
	bot.UpdatedAt = time.Now()

	if err := r.repo.SaveBotSnapshot(bot, levels, surviving); err != nil {
		return err
	}
	if err := r.repo.SaveCheckpoint(&models.Checkpoint{BotID: bot.ID, LastEvent: time.Now()}); err != nil {
		return err
	}

	r.log.Info("bot reconciled",
		zap.String("bot", bot.ID),
		zap.Int("open_orders", len(surviving)),
		zap.Float64("realized_profit", total))
	return nil
}

// applyFill folds a fill discovered during recovery into the level state
// machine, returning the trade record for a completed round trip. The trade
// ID is the fill's client order ID, so a pass that failed after appending
// and ran again appends the same record, which the store deduplicates.
func (r *Reconciler) applyFill(bot *models.BotConfig, lvl *models.GridLevel, ref *models.OrderRef, venueOrder *models.Order, fee float64) *models.TradeRecord {
	if lvl == nil {
		return nil
	}
	qty := parseF(venueOrder.ExecutedQty)
	fillPrice := avgPrice(venueOrder)

	switch lvl.State {
	case models.LevelPlaced:
		lvl.State = models.LevelFilled
		lvl.EntryPrice = fillPrice
		lvl.EntryFee = fee
		lvl.OrderID = ""
		return &models.TradeRecord{
			ID:        ref.ClientOrderID,
			BotID:     bot.ID,
			Symbol:    bot.Symbol,
			Side:      models.Side(venueOrder.Side),
			Price:     fillPrice,
			Quantity:  qty,
			Fee:       fee,
			Timestamp: time.UnixMilli(venueOrder.UpdateTime),
		}

	case models.LevelFilled:
		gross := (fillPrice - lvl.EntryPrice) * qty
		if lvl.Side == models.Sell {
			gross = (lvl.EntryPrice - fillPrice) * qty
		}
		net := gross - lvl.EntryFee - fee
		lvl.State = models.LevelEmpty
		lvl.EntryPrice = 0
		lvl.EntryFee = 0
		lvl.OrderID = ""
		return &models.TradeRecord{
			ID:             ref.ClientOrderID,
			BotID:          bot.ID,
			Symbol:         bot.Symbol,
			Side:           models.Side(venueOrder.Side),
			Price:          fillPrice,
			Quantity:       qty,
			Fee:            fee,
			RealizedProfit: net,
			Timestamp:      time.UnixMilli(venueOrder.UpdateTime),
		}
	}
	return nil
}

// feeLookup recovers commissions for fills the engine missed. It fetches
// the account trade list once, bounded by the bot's last checkpoint, and
// sums fees per exchange order ID, converting base-asset commission to the
// quote asset at the trade price.
type feeLookup struct {
	r      *Reconciler
	client exchange.Client
	bot    *models.BotConfig

	loaded  bool
	byOrder map[int64]float64
}

func newFeeLookup(r *Reconciler, client exchange.Client, bot *models.BotConfig) *feeLookup {
	return &feeLookup{r: r, client: client, bot: bot, byOrder: make(map[int64]float64)}
}

func (f *feeLookup) forOrder(ctx context.Context, orderID int64) (float64, error) {
	if !f.loaded {
		if err := f.load(ctx); err != nil {
			return 0, err
		}
	}
	return f.byOrder[orderID], nil
}

func (f *feeLookup) load(ctx context.Context) error {
	cp, err := f.r.repo.GetCheckpoint(f.bot.ID)
	if err != nil {
		return err
	}
	var since int64
	if cp != nil {
		since = cp.LastEvent.UnixMilli()
	}

	callCtx, cancel := context.WithTimeout(ctx, f.r.callTimeout)
	defer cancel()
	info, err := f.client.SymbolInfo(callCtx, f.bot.Symbol)
	if err != nil {
		return err
	}
	trades, err := f.client.MyTrades(callCtx, f.bot.Symbol, since)
	if err != nil {
		return err
	}
	for _, tr := range trades {
		fee := parseF(tr.Commission)
		if tr.CommissionAsset == info.BaseAsset {
			fee *= parseF(tr.Price)
		}
		f.byOrder[tr.OrderID] += fee
	}
	f.loaded = true
	return nil
}

func (r *Reconciler) resetLevel(lvl *models.GridLevel, ref *models.OrderRef) {
	if lvl == nil || lvl.OrderID != ref.ClientOrderID {
		return
	}
	lvl.OrderID = ""
	if lvl.State == models.LevelPlaced {
		lvl.State = models.LevelEmpty
	}
}

func (r *Reconciler) queryOrder(ctx context.Context, client exchange.Client, symbol, clientOrderID string) (*models.Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return client.QueryOrder(callCtx, symbol, clientOrderID)
}

func (r *Reconciler) openOrders(ctx context.Context, client exchange.Client, symbol string) ([]models.Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return client.OpenOrders(callCtx, symbol)
}

// isOrderMissing matches the venue's "order does not exist" query error.
func isOrderMissing(err error) bool {
	var apiErr *models.APIError
	return errors.As(err, &apiErr) && apiErr.Code == -2013
}

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// avgPrice derives the average fill price, falling back to the limit price
// when the venue did not report a quote volume.
func avgPrice(order *models.Order) float64 {
	qty := parseF(order.ExecutedQty)
	quote := parseF(order.CumQuote)
	if qty > 0 && quote > 0 {
		return quote / qty
	}
	return parseF(order.Price)
}
