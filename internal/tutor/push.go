package tutor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// PushHandler receives decoded push messages, one call per message, in
// arrival order.
type PushHandler func(PushMessage)

// PushSource is the subscription surface the session layer consumes.
type PushSource interface {
	// Subscribe registers a handler and returns its unsubscribe function.
	Subscribe(h PushHandler) (unsubscribe func())

	// Connected reports current push-channel liveness.
	Connected() bool
}

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// PushChannel maintains at most one persistent WebSocket connection to the
// tutoring backend and fans inbound messages out to subscribers. A single
// reader goroutine preserves arrival order; the seq counter carried by the
// envelopes suppresses redelivery of frames already seen across reconnects.
type PushChannel struct {
	url    string
	logger *slog.Logger

	mu        sync.Mutex
	handlers  map[int]PushHandler
	nextID    int
	connected bool
	lastSeq   int64
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}
}

// DialPush opens the push channel and starts its read loop. The returned
// channel keeps reconnecting with capped exponential backoff until Close is
// called or ctx ends.
func DialPush(ctx context.Context, url string, logger *slog.Logger) *PushChannel {
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch := &PushChannel{
		url:      url,
		logger:   logger,
		handlers: make(map[int]PushHandler),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go ch.run(runCtx)
	return ch
}

// Subscribe registers a handler for inbound push messages.
func (c *PushChannel) Subscribe(h PushHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

// Connected reports whether the underlying WebSocket is currently live.
func (c *PushChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close stops the read loop and tears down the connection.
func (c *PushChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	<-c.done
}

func (c *PushChannel) run(ctx context.Context) {
	defer close(c.done)

	delay := reconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			c.logger.Warn("push channel dial failed", "url", c.url, "error", err)
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextDelay(delay)
			continue
		}

		c.setConnected(true)
		c.logger.Info("push channel connected", "url", c.url)
		delay = reconnectBaseDelay

		c.readLoop(ctx, conn)

		c.setConnected(false)
		if closeErr := conn.Close(websocket.StatusNormalClosure, "push channel closed"); closeErr != nil {
			c.logger.Debug("failed to close push connection", "error", closeErr)
		}

		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("push channel disconnected, reconnecting", "delay", delay)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = nextDelay(delay)
	}
}

func (c *PushChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				c.logger.Warn("push channel read error", "error", err)
			}
			return
		}

		msg, err := ParsePushMessage(data)
		if err != nil {
			c.logger.Warn("discarding malformed push message", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch delivers one message to every subscriber. Frames with a
// non-increasing seq were already delivered before a reconnect and are
// skipped; seq zero means the backend does not number its frames.
func (c *PushChannel) dispatch(msg PushMessage) {
	c.mu.Lock()
	if msg.Seq > 0 {
		if msg.Seq <= c.lastSeq {
			c.mu.Unlock()
			return
		}
		c.lastSeq = msg.Seq
	}
	handlers := make([]PushHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (c *PushChannel) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return d
}
