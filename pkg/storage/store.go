// Package storage provides the durable blob store behind each room. The
// room's entire graph state is one value keyed by room name; every save
// overwrites the previous blob, so there is no history and a late save simply
// supersedes an earlier one.
package storage

import "context"

// Store is the interface for room state persistence backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load retrieves the persisted blob for a room.
	// Returns (nil, nil) if the room was never saved.
	Load(ctx context.Context, room string) ([]byte, error)

	// Save writes the full state blob, overwriting prior contents.
	Save(ctx context.Context, room string, blob []byte) error

	// Close releases any resources held by the store.
	Close() error
}

// ErrStoreClosed is returned when operations are attempted on a closed store.
type ErrStoreClosed struct{}

func (ErrStoreClosed) Error() string {
	return "store is closed"
}
