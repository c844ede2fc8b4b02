package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/umbra-im/umbra-relay/internal/protocol"
)

const (
	// outboundBufferSize is the per-connection frame buffer. A full buffer
	// means the client is not keeping up; sends fall back to the offline
	// queue instead of blocking the relay.
	outboundBufferSize = 256

	writeWait  = 5 * time.Second
	idleWait   = 75 * time.Second
	pingPeriod = 30 * time.Second
)

// conn is one client WebSocket. The read pump runs on the handler
// goroutine; the write pump owns all writes so frames from any goroutine
// funnel through the send channel.
type conn struct {
	ws *websocket.Conn

	send chan protocol.ServerFrame

	closeOnce sync.Once
	done      chan struct{}

	// did is set once registration succeeds and never changes after.
	did string
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:   ws,
		send: make(chan protocol.ServerFrame, outboundBufferSize),
		done: make(chan struct{}),
	}
}

// TrySend enqueues a frame for the write pump. False means the buffer is
// full or the connection is shutting down.
func (c *conn) TrySend(frame protocol.ServerFrame) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// drain empties the outbound buffer so accepted frames can be rerouted
// instead of vanishing with the connection. Callers must close the
// connection first, so TrySend has stopped admitting new frames. A frame
// the write pump grabbed but never flushed is still lost; the buffer is
// all that can be recovered.
func (c *conn) drain() []protocol.ServerFrame {
	var frames []protocol.ServerFrame
	for {
		select {
		case frame := <-c.send:
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// writePump serializes all outbound traffic and keeps the connection alive
// with periodic pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case frame := <-c.send:
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
