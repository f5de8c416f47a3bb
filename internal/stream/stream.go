// Package stream multiplexes venue websocket connections. One market-data
// connection exists per symbol and environment, one user-data connection
// per account; any number of strategy workers subscribe to the shared
// connections through bounded queues.
//
// Delivery to a subscriber is best-effort: a worker that cannot keep up has
// events dropped and a gap notice emitted, and the manager must reconcile
// that bot before trusting its stream again. The same applies after a
// reconnect, since events may have fired while the socket was down.
package stream

import (
	"sync/atomic"
	"time"

	"binance-grid-engine-go/internal/models"
)

const (
	pongWait   = 70 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// GapNotice reports that a subscriber can no longer trust its event stream.
type GapNotice struct {
	BotID  string
	Reason string
	Time   time.Time
}

// subscriber is one bounded consumer of a shared connection. The same
// subscriber is registered on a market hub and a user hub, so the gap flag
// is atomic.
type subscriber struct {
	botID  string
	symbol string
	ch     chan models.StreamEvent
	gapped atomic.Bool
}

// push delivers ev without blocking. The first drop of an episode gaps the
// subscriber; further events are discarded until the gap is cleared by a
// resubscribe.
func (s *subscriber) push(ev models.StreamEvent) (dropped bool) {
	if s.gapped.Load() {
		return false
	}
	select {
	case s.ch <- ev:
		return false
	default:
		return s.gapped.CompareAndSwap(false, true)
	}
}

// gap marks the subscriber gapped, reporting whether this call flipped it.
func (s *subscriber) gap() bool {
	return s.gapped.CompareAndSwap(false, true)
}
