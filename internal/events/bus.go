// Package events carries engine-internal notifications between components
// that must not block each other: strategy workers publish, the reporter
// and manager consume.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"binance-grid-engine-go/internal/logger"
)

// Kind tags an event.
type Kind string

const (
	KindPriceUpdate   Kind = "price_update"
	KindProfitMatched Kind = "profit_matched"
	KindHedgeDelta    Kind = "hedge_delta"
	KindLifecycle     Kind = "lifecycle"
)

// Event is a single notification.
type Event struct {
	Kind   Kind
	BotID  string
	Symbol string
	// Price is the last traded price for price_update events.
	Price float64
	// Profit is the realized amount for profit_matched events.
	Profit float64
	// Delta is the remaining base-asset imbalance for hedge_delta events.
	Delta float64
	// Detail carries a human-readable note for lifecycle events.
	Detail string
	Time   time.Time
}

// Bus fans events out to subscribers over bounded channels. Publish never
// blocks; a full subscriber loses the event and the drop is logged.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
	log  *zap.Logger
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{log: logger.Named("events")}
}

// Subscribe registers a consumer and returns its channel.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers ev to every subscriber without blocking the caller.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Debug("subscriber full, event dropped",
				zap.String("kind", string(ev.Kind)), zap.String("bot", ev.BotID))
		}
	}
}
