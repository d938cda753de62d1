package hub

import (
	"context"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendQueueDepth = 256
)

// Conn wraps one WebSocket connection. All writes go through a single
// writer goroutine; reads are dispatched frame by frame to the session.
type Conn struct {
	ws   *websocket.Conn
	send chan Outbound

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan Outbound, sendQueueDepth),
		done: make(chan struct{}),
	}
}

// Send queues a message for delivery. It never blocks: a subscriber that
// cannot drain its queue is dropped rather than allowed to stall the
// publisher.
func (c *Conn) Send(msg Outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		c.close()
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump serializes queued messages onto the socket and keeps the
// connection alive with pings.
func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				log.G(ctx).WithError(err).Debug("websocket write failed")
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ctx.Done():
			c.close()
			return
		}
	}
}

// readPump reads frames until the peer goes away, handing each one to
// handle. Returning tears the connection down.
func (c *Conn) readPump(ctx context.Context, handle func(context.Context, []byte)) {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.G(ctx).WithError(err).Debug("websocket closed unexpectedly")
			}
			return
		}
		handle(ctx, raw)
	}
}
