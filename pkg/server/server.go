// Package server exposes the sync service over HTTP: a WebSocket endpoint
// per room plus health and metrics surfaces.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowsync-dev/flowsync/internal/metrics"
	"github.com/flowsync-dev/flowsync/pkg/room"
	"github.com/flowsync-dev/flowsync/pkg/storage"
)

// Config holds server configuration.
type Config struct {
	// Address is the listen address. Default: ":4040".
	Address string

	// ReadTimeout is the maximum time to wait for a frame from the client.
	// Pongs reset it. Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a frame.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HeartbeatInterval is the time between heartbeat pings.
	// Must be shorter than ReadTimeout. Default: 30 seconds.
	HeartbeatInterval time.Duration

	// MaxMessageSize is the maximum size of an incoming WebSocket message.
	// Default: 64KB.
	MaxMessageSize int64

	// ShutdownTimeout bounds graceful shutdown. Default: 10 seconds.
	ShutdownTimeout time.Duration

	// CheckOrigin validates the Origin header on upgrade requests.
	// Default: accept all origins; participants are not authenticated.
	CheckOrigin func(r *http.Request) bool

	// Room is the per-room configuration shared by all rooms.
	Room *room.Config
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":4040",
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxMessageSize:    64 * 1024,
		ShutdownTimeout:   10 * time.Second,
		CheckOrigin:       func(*http.Request) bool { return true },
	}
}

// Server is the HTTP/WebSocket front of the sync service.
type Server struct {
	config   *Config
	rooms    *roomManager
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server backed by the given store.
func New(store storage.Store, m *metrics.Metrics, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	} else {
		defaults := DefaultConfig()
		if config.Address == "" {
			config.Address = defaults.Address
		}
		if config.ReadTimeout == 0 {
			config.ReadTimeout = defaults.ReadTimeout
		}
		if config.WriteTimeout == 0 {
			config.WriteTimeout = defaults.WriteTimeout
		}
		if config.HeartbeatInterval == 0 {
			config.HeartbeatInterval = defaults.HeartbeatInterval
		}
		if config.MaxMessageSize == 0 {
			config.MaxMessageSize = defaults.MaxMessageSize
		}
		if config.ShutdownTimeout == 0 {
			config.ShutdownTimeout = defaults.ShutdownTimeout
		}
		if config.CheckOrigin == nil {
			config.CheckOrigin = defaults.CheckOrigin
		}
	}

	logger := slog.Default().With("component", "server")

	s := &Server{
		config:  config,
		metrics: m,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     config.CheckOrigin,
		},
	}
	s.rooms = newRoomManager(store, m, config.Room, slog.Default())

	return s
}

// Handler returns the HTTP handler: /ws/{room}, /healthz, and /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws/{room}", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ListenAndServe runs the server until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:    s.config.Address,
		Handler: s.Handler(),
	}

	s.logger.Info("listening", "address", s.config.Address)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and stops every room, letting each
// perform its final save.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.rooms.shutdown()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleWebSocket upgrades the connection and pumps inbound frames into the
// room until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	roomName := chi.URLParam(req, "room")
	if roomName == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	sock, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Error("upgrade failed", "error", err)
		return
	}

	conn := newWSConn(sock, s.config, s.logger.With("room", roomName))
	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	rm := s.rooms.get(roomName)
	if err := rm.Join(conn); err != nil {
		conn.logger.Error("join failed", "error", err)
		conn.close()
		return
	}

	go conn.heartbeat()
	s.readPump(rm, conn)
}

// readPump reads frames until the connection dies, handing each to the room.
// One bad or dropped message never closes the connection; only transport
// errors end the loop.
func (s *Server) readPump(rm *room.Room, conn *wsConn) {
	defer func() {
		conn.close()
		rm.Leave(conn.id)
	}()

	conn.sock.SetReadLimit(s.config.MaxMessageSize)
	conn.sock.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	conn.sock.SetPongHandler(func(string) error {
		conn.sock.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		return nil
	})

	for {
		_, msg, err := conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				conn.logger.Error("read error", "error", err)
			}
			return
		}

		conn.bytesRecv.Add(uint64(len(msg)))
		conn.sock.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		if err := rm.Deliver(conn, msg); err != nil {
			conn.logger.Warn("message dropped", "error", err)
		}
	}
}
