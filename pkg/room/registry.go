package room

import (
	"fmt"

	"github.com/flowsync-dev/flowsync/pkg/protocol"
)

// Conn is the transport side of one connected participant. Send must be safe
// to call from multiple goroutines and must return an error, not panic, when
// the connection is gone.
type Conn interface {
	// ID returns a stable identifier unique among live connections.
	ID() string

	// Send writes one text frame to the client.
	Send(data []byte) error
}

type member struct {
	conn Conn
	name string
}

// registry tracks the connected participants of one room in join order.
// It is only ever touched from the room goroutine, so it needs no locking.
// Membership is not persisted; it is rebuilt from live connections.
type registry struct {
	order   []string
	members map[string]*member
}

func newRegistry() *registry {
	return &registry{
		members: make(map[string]*member),
	}
}

// admit registers the connection and assigns its display name.
func (r *registry) admit(conn Conn) string {
	name := fmt.Sprintf("User %d", len(r.members)+1)
	r.members[conn.ID()] = &member{conn: conn, name: name}
	r.order = append(r.order, conn.ID())
	return name
}

// remove deletes the member. Removing an unknown id is a no-op.
func (r *registry) remove(id string) {
	if _, ok := r.members[id]; !ok {
		return
	}
	delete(r.members, id)
	for i, memberID := range r.order {
		if memberID == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *registry) len() int {
	return len(r.members)
}

// users returns the active-user list in join order, for broadcast payloads.
func (r *registry) users() []protocol.User {
	users := make([]protocol.User, 0, len(r.order))
	for _, id := range r.order {
		users = append(users, protocol.User{ID: id, Name: r.members[id].name})
	}
	return users
}

// each visits members in join order.
func (r *registry) each(fn func(id string, conn Conn)) {
	for _, id := range r.order {
		fn(id, r.members[id].conn)
	}
}
