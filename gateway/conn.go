package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// A Conn is one live websocket session.
type Conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	gw     *Gateway
	logger *slog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// topics is guarded by gw.mu.
	topics map[string]struct{}
}

// ID returns the session id.
func (c *Conn) ID() string {
	return c.id
}

// UserID returns the authenticated user of the session.
func (c *Conn) UserID() string {
	return c.userID
}

// enqueue queues a frame without blocking. It reports false when the frame
// was dropped because the queue is full or the connection is closing.
func (c *Conn) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

func (c *Conn) sendFrame(typ, ref string, body any) {
	b, err := encodeFrame(typ, ref, body)
	if err != nil {
		c.logger.Error("Could not encode frame", "type", typ, "error", err.Error())
		return
	}
	if !c.enqueue(b) {
		c.gw.dropped(c, typ)
	}
}

func (c *Conn) sendError(ref, code, msg string) {
	c.sendFrame(TypeError, ref, ErrorBody{Code: code, Message: msg, Ref: ref})
}

// close stops the write loop, which sends a close frame and closes the
// socket. It is safe to call more than once.
func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
	})
}

func (c *Conn) readLoop() {
	defer func() {
		c.gw.disconnect(c)
		c.ws.Close()
		c.logger.Debug("Exited read loop")
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Unexpected close", "error", err.Error())
			}
			return
		}
		if mt != websocket.TextMessage {
			c.sendError("", CodeBadRequest, "Frames must be JSON text messages")
			continue
		}
		var f Frame
		if err := json.Unmarshal(b, &f); err != nil || f.Type == "" {
			c.sendError("", CodeBadRequest, "Could not decode frame")
			continue
		}
		c.gw.dispatch(c, f)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.logger.Debug("Exited write loop")
	}()

	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Warn("Could not write frame", "error", err.Error())
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("Could not write ping", "error", err.Error())
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug("Could not write close frame", "error", err.Error())
			}
			return
		}
	}
}
