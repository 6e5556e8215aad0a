package realtime

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 32
)

// lastConnID numbers connections for log correlation.
var lastConnID atomic.Int64

// WSConn adapts a gorilla websocket to the registry's Conn interface.
//
// gorilla allows at most one concurrent writer, so all writes — frames,
// pings and the close control message — go through a single writer
// goroutine fed by a buffered channel. Send only enqueues and never
// blocks: a slow or dead client fills its buffer and gets disconnected
// instead of stalling a dispatch.
type WSConn struct {
	ws           *websocket.Conn
	deviceLinkID uuid.UUID
	identityID   uuid.UUID
	name         string
	logger       *zap.Logger

	send      chan Frame
	done      chan struct{}
	closeOnce sync.Once

	// closeReason is written once before done is closed.
	closeReason string
}

func NewWSConn(ws *websocket.Conn, identityID, deviceLinkID uuid.UUID, handle string, logger *zap.Logger) *WSConn {
	name := fmt.Sprintf("conn-%d/%s:%s/%s", lastConnID.Add(1), identityID, deviceLinkID, handle)
	return &WSConn{
		ws:           ws,
		deviceLinkID: deviceLinkID,
		identityID:   identityID,
		name:         name,
		logger:       logger,
		send:         make(chan Frame, sendBufferSize),
		done:         make(chan struct{}),
	}
}

func (c *WSConn) DeviceLinkID() uuid.UUID { return c.deviceLinkID }
func (c *WSConn) IdentityID() uuid.UUID   { return c.identityID }
func (c *WSConn) Name() string            { return c.name }

// Send enqueues a frame for the writer goroutine.
func (c *WSConn) Send(frame Frame) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// CloseWithReason stops the writer, which sends a policy-violation close
// control frame before tearing the socket down. Safe to call repeatedly
// and from any goroutine (the registry calls it while holding its lock,
// so it must not block).
func (c *WSConn) CloseWithReason(reason string) {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.done)
	})
}

// Close tears the session down without a policy reason (normal shutdown).
func (c *WSConn) Close() {
	c.CloseWithReason("")
}

// WritePump owns every write on the socket. Run it in its own goroutine;
// it exits when the connection is closed.
func (c *WSConn) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.logger.Debug("write failed", zap.String("conn", c.name), zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			code := websocket.CloseNormalClosure
			if c.closeReason != "" {
				code = websocket.ClosePolicyViolation
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, c.closeReason))
			return
		}
	}
}
