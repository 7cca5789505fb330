package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// generateConnID generates a cryptographically random connection ID.
func generateConnID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// wsConn wraps one WebSocket connection as a room participant. Writes are
// serialized by a mutex; reads happen only from the owning pump goroutine.
type wsConn struct {
	id     string
	sock   *websocket.Conn
	config *Config
	logger *slog.Logger

	mu     sync.Mutex // protects sock writes
	closed atomic.Bool
	done   chan struct{}

	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64
}

func newWSConn(sock *websocket.Conn, config *Config, logger *slog.Logger) *wsConn {
	id := generateConnID()
	return &wsConn{
		id:     id,
		sock:   sock,
		config: config,
		logger: logger.With("conn_id", id),
		done:   make(chan struct{}),
	}
}

// ID implements room.Conn.
func (c *wsConn) ID() string {
	return c.id
}

// Send implements room.Conn. Sends after close report an error instead of
// panicking, so a room can keep fanning out while a participant disconnects.
func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return net.ErrClosed
	}

	c.sock.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closeInternal()
		return err
	}

	c.bytesSent.Add(uint64(len(data)))
	return nil
}

// close tears the connection down. Idempotent.
func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeInternal()
}

func (c *wsConn) closeInternal() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
		c.sock.Close()
	}
}

// heartbeat pings the client on a fixed interval until the connection closes.
// A failed ping closes the connection; the read pump then unblocks and the
// room is told the participant left.
func (c *wsConn) heartbeat() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			if c.closed.Load() {
				c.mu.Unlock()
				return
			}
			c.sock.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			err := c.sock.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", "error", err)
				c.close()
				return
			}

		case <-c.done:
			return
		}
	}
}
