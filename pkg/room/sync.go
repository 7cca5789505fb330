package room

import (
	"time"

	"github.com/flowsync-dev/flowsync/pkg/graph"
	"github.com/flowsync-dev/flowsync/pkg/protocol"
)

// startSync captures an immutable snapshot and replays it to one connection
// in a dedicated goroutine, so the room loop keeps processing other members'
// messages while the paced sequence runs.
func (r *Room) startSync(conn Conn) {
	nodes, edges := r.state.Snapshot()
	r.metrics.SyncStarted()
	r.syncs.Add(1)
	go r.runSync(conn, nodes, edges)
}

// runSync walks the sync sequence for a single requesting connection:
//
//	clear_state -> nodes -> edges -> state_complete
//
// with settling pauses between steps. The pauses give the client time to
// apply each phase before the next arrives; ordering is enforced by pacing,
// not acknowledgment. The sequence aborts quietly when the connection dies
// mid-sync or the room stops; no other member is affected either way.
func (r *Room) runSync(conn Conn, nodes []graph.Node, edges []graph.Edge) {
	defer r.syncs.Done()

	logger := r.logger.With("conn_id", conn.ID())
	logger.Info("sync started", "nodes", len(nodes), "edges", len(edges))

	send := func(kind string, data any) bool {
		frame, err := protocol.Encode(kind, data)
		if err != nil {
			logger.Error("sync encode failed", "kind", kind, "error", err)
			return false
		}
		if err := conn.Send(frame); err != nil {
			logger.Debug("sync send failed, aborting", "kind", kind, "error", err)
			return false
		}
		return true
	}

	now := func() protocol.TimestampPayload {
		return protocol.TimestampPayload{Timestamp: time.Now().UnixMilli()}
	}

	// The client empties its local copy first so a stale copy cannot leave
	// ghost entries behind.
	if !send(protocol.KindClearState, now()) {
		return
	}
	if !r.pause(r.config.ClearSettle) {
		return
	}

	for _, n := range nodes {
		if !send(protocol.KindNodeUpdate, n) {
			return
		}
		if !r.pause(r.config.SendGap) {
			return
		}
	}
	if !r.pause(r.config.SectionSettle) {
		return
	}

	for _, e := range edges {
		if !send(protocol.KindEdgeUpdate, e) {
			return
		}
		if !r.pause(r.config.SendGap) {
			return
		}
	}
	if !r.pause(r.config.SectionSettle) {
		return
	}

	if send(protocol.KindStateComplete, now()) {
		logger.Info("sync complete")
	}
}

// pause sleeps for d unless the room is stopping.
func (r *Room) pause(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-r.done:
		return false
	}
}
