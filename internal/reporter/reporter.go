// Package reporter prints a periodic status table of every bot, so an
// operator tailing the log of an unattended engine can see at a glance what
// is running, paused, or parked in ERROR.
package reporter

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"go.uber.org/zap"

	"binance-grid-engine-go/internal/events"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/persistence"
)

// Reporter renders bot status on an interval and logs profit events as
// they happen.
type Reporter struct {
	repo     persistence.Repository
	bus      *events.Bus
	interval time.Duration
	log      *zap.Logger
}

// New builds a reporter.
func New(repo persistence.Repository, bus *events.Bus, interval time.Duration) *Reporter {
	return &Reporter{
		repo:     repo,
		bus:      bus,
		interval: interval,
		log:      logger.Named("reporter"),
	}
}

// Run prints until ctx ends.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	ch := r.bus.Subscribe(128)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.printStatus()
		case ev := <-ch:
			switch ev.Kind {
			case events.KindProfitMatched:
				r.log.Info("profit matched",
					zap.String("bot", ev.BotID),
					zap.String("symbol", ev.Symbol),
					zap.Float64("profit", ev.Profit))
			case events.KindLifecycle:
				r.log.Info("bot lifecycle", zap.String("bot", ev.BotID), zap.String("detail", ev.Detail))
			}
		}
	}
}

func (r *Reporter) printStatus() {
	bots, err := r.repo.ListBots()
	if err != nil {
		r.log.Error("listing bots failed", zap.Error(err))
		return
	}
	if len(bots) == 0 {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Bot", "Symbol", "Strategy", "Status", "Trades", "Win Rate", "Realized PnL"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 7, Align: text.AlignRight},
	})

	for _, bot := range bots {
		trades, winRate := r.tradeStats(bot.ID)
		status := string(bot.Status)
		if bot.StatusReason != "" {
			status += " (" + bot.StatusReason + ")"
		}
		t.AppendRow(table.Row{
			bot.Name, bot.Symbol, bot.Strategy, status,
			trades, winRate, formatPnL(bot.RealizedProfit),
		})
	}
	t.Render()
}

// tradeStats counts closed round trips and how many of them made money.
func (r *Reporter) tradeStats(botID string) (int, string) {
	trades, err := r.repo.ListTrades(botID)
	if err != nil {
		return 0, "-"
	}
	closed, winners := 0, 0
	for _, tr := range trades {
		if tr.RealizedProfit == 0 {
			continue
		}
		closed++
		if tr.RealizedProfit > 0 {
			winners++
		}
	}
	if closed == 0 {
		return 0, "-"
	}
	return closed, formatPercent(float64(winners) / float64(closed) * 100)
}

func formatPnL(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64) + " USDT"
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64) + "%"
}
