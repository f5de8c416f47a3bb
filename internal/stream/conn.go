package stream

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

// wsConn owns one websocket and keeps it alive: dial, read with pong
// deadlines, periodic pings, and reconnect with capped backoff. The backoff
// resets once a session has stayed healthy for five minutes.
type wsConn struct {
	name string
	// urlFn is queried before each dial so a rotated listen key takes
	// effect on the next connect.
	urlFn       func(ctx context.Context) (string, error)
	onMessage   func(data []byte)
	onReconnect func()
	log         *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

const healthyReset = 5 * time.Minute

// run dials and reads until ctx is canceled. Every successful re-dial after
// the first invokes onReconnect, since frames may have been missed.
func (c *wsConn) run(ctx context.Context) {
	b := &backoff.Backoff{Min: time.Second, Max: 60 * time.Second, Jitter: true}
	first := true

	for ctx.Err() == nil {
		wsURL, err := c.urlFn(ctx)
		if err != nil {
			c.log.Warn("resolving stream url failed", zap.Error(err))
			c.sleep(ctx, b.Duration())
			continue
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			c.log.Warn("dial failed", zap.Error(err))
			c.sleep(ctx, b.Duration())
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if !first {
			c.log.Info("reconnected")
			c.onReconnect()
		}
		first = false

		started := time.Now()
		c.readUntilClosed(ctx, conn)

		if time.Since(started) > healthyReset {
			b.Reset()
		}
		if ctx.Err() == nil {
			c.sleep(ctx, b.Duration())
		}
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

func (c *wsConn) readUntilClosed(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("read failed", zap.Error(err))
			}
			return
		}
		c.onMessage(data)
	}
}

func (c *wsConn) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *wsConn) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
