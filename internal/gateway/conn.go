package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peakdocs/collab/internal/hub"
)

const (
	writeWait = 10 * time.Second
	// slowConsumerGrace is how long the pending queue may stay above the
	// watermark before the connection is dropped.
	slowConsumerGrace = 10 * time.Second
)

// wsConn adapts a WebSocket connection to the hub.Conn interface. All writes
// go through the pending queue and a single writer goroutine; the hub never
// blocks on a slow socket.
type wsConn struct {
	id string
	ws *websocket.Conn

	mu        sync.Mutex
	queue     [][]byte
	overSince time.Time
	watermark int

	wake chan struct{}
	done chan struct{}
	once sync.Once

	closeCode   int
	closeReason string
}

func newWSConn(ws *websocket.Conn, watermark int) *wsConn {
	if watermark <= 0 {
		watermark = 128
	}
	c := &wsConn{
		id:        uuid.NewString(),
		ws:        ws,
		watermark: watermark,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *wsConn) ID() string { return c.id }

// Send queues a frame that must not be dropped. The queue is unbounded;
// sustained growth past the watermark closes the connection instead.
func (c *wsConn) Send(frame []byte) {
	c.enqueue(frame)
}

// SendTransient queues a droppable frame. Over the watermark the frame is
// shed and false returned.
func (c *wsConn) SendTransient(frame []byte) bool {
	c.mu.Lock()
	if len(c.queue) > c.watermark {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	c.enqueue(frame)
	return true
}

func (c *wsConn) enqueue(frame []byte) {
	c.mu.Lock()
	c.queue = append(c.queue, frame)
	if len(c.queue) > c.watermark && c.overSince.IsZero() {
		c.overSince = time.Now()
	}
	c.mu.Unlock()

	if c.checkStalled() {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// checkStalled closes the connection when the queue has been over the
// watermark for the whole grace period. Called from enqueue and from the
// write pump's ping tick, so a consumer that stalls and then goes quiet is
// still dropped.
func (c *wsConn) checkStalled() bool {
	c.mu.Lock()
	stalled := !c.overSince.IsZero() && time.Since(c.overSince) >= slowConsumerGrace
	c.mu.Unlock()
	if stalled {
		c.Close(hub.CloseServerError, "slow consumer")
	}
	return stalled
}

// Close terminates the connection exactly once, sending a close frame with
// the given code and reason first.
func (c *wsConn) Close(code int, reason string) {
	c.once.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// writePump is the only goroutine writing to the socket: queued frames,
// pings, and finally the close frame.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.wake:
			if !c.flush() {
				return
			}

		case <-ticker.C:
			if c.checkStalled() {
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("ping failed", "conn", c.id, "error", err)
				c.Close(hub.CloseServerError, "write failed")
				return
			}

		case <-c.done:
			c.flush()
			deadline := time.Now().Add(writeWait)
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

// flush drains the pending queue. Returns false when a write failed and the
// pump should stop.
func (c *wsConn) flush() bool {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.overSince = time.Time{}
			c.mu.Unlock()
			return true
		}
		frame := c.queue[0]
		c.queue = c.queue[1:]
		if len(c.queue) <= c.watermark {
			c.overSince = time.Time{}
		}
		c.mu.Unlock()

		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			slog.Debug("write failed", "conn", c.id, "error", err)
			c.Close(hub.CloseServerError, "write failed")
			return false
		}
	}
}
