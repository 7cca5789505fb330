package server

import (
	"log/slog"
	"sync"

	"github.com/flowsync-dev/flowsync/internal/metrics"
	"github.com/flowsync-dev/flowsync/pkg/room"
	"github.com/flowsync-dev/flowsync/pkg/storage"
)

// roomManager creates rooms lazily on first connection and keeps them
// resident afterwards; a room's state must outlive its participants.
type roomManager struct {
	mu    sync.RWMutex
	rooms map[string]*room.Room

	store   storage.Store
	config  *room.Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func newRoomManager(store storage.Store, m *metrics.Metrics, config *room.Config, logger *slog.Logger) *roomManager {
	return &roomManager{
		rooms:   make(map[string]*room.Room),
		store:   store,
		config:  config,
		metrics: m,
		logger:  logger,
	}
}

// get returns the room with the given name, starting it if needed.
func (rm *roomManager) get(name string) *room.Room {
	rm.mu.RLock()
	r, ok := rm.rooms[name]
	rm.mu.RUnlock()
	if ok {
		return r
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if r, ok := rm.rooms[name]; ok {
		return r
	}
	r = room.New(name, rm.store, rm.metrics, rm.config, rm.logger)
	rm.rooms[name] = r
	return r
}

// count returns the number of resident rooms.
func (rm *roomManager) count() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.rooms)
}

// shutdown stops every room, letting each perform its final save.
func (rm *roomManager) shutdown() {
	rm.mu.Lock()
	rooms := make([]*room.Room, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		rooms = append(rooms, r)
	}
	rm.rooms = make(map[string]*room.Room)
	rm.mu.Unlock()

	for _, r := range rooms {
		r.Stop()
	}
}
