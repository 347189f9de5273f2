package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"archboard/api/internal/collab"
)

// client is one WebSocket connection. It is the connection's collab.Sink:
// pushes are encoded on the caller's goroutine and queued for the write
// pump. A full queue closes the connection.
type client struct {
	id       string
	identity collab.Identity
	ws       *websocket.Conn
	logger   *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id string, identity collab.Identity, ws *websocket.Conn, buffer int, logger *zap.Logger) *client {
	if buffer <= 0 {
		buffer = 1
	}
	return &client{
		id:       id,
		identity: identity,
		ws:       ws,
		logger:   logger,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

func (c *client) Push(event collab.Event) bool {
	data, err := encodeEvent(event)
	if err != nil {
		c.logger.Error("encode push failed", zap.String("event", string(event.Type)), zap.Error(err))
		return false
	}
	return c.enqueue(data)
}

func (c *client) reply(frame serverFrame) {
	c.enqueue(encodeReply(frame))
}

func (c *client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		slowConsumersTotal.Inc()
		c.logger.Warn("send queue full, closing connection", zap.Int("buffer", cap(c.send)))
		c.close()
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writePump owns all writes to the socket. It exits when the client closes
// or a write fails, and closes the socket so the read side unblocks.
func (c *client) writePump(writeTimeout, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(writeTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}
