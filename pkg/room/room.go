// Package room implements the per-room actor that keeps a shared flowchart
// consistent across its participants.
//
// Each room owns one graph.State and one membership registry, both touched
// exclusively by the room goroutine: connections enqueue commands into the
// inbox and the loop processes them one at a time in arrival order, so the
// in-memory state needs no locks. Mutations are persisted best-effort after
// every accepted edit and fanned out to the other participants.
package room

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowsync-dev/flowsync/internal/metrics"
	"github.com/flowsync-dev/flowsync/pkg/graph"
	"github.com/flowsync-dev/flowsync/pkg/protocol"
	"github.com/flowsync-dev/flowsync/pkg/storage"
)

const tracerName = "flowsync"

// ErrInboxFull is returned by Deliver when the room cannot keep up.
var ErrInboxFull = errors.New("room inbox full")

// ErrStopped is returned when a command is sent to a stopped room.
var ErrStopped = errors.New("room stopped")

// Config holds per-room tuning knobs.
type Config struct {
	// ClearSettle is the pause after the clear_state that opens a sync,
	// giving the client time to empty its local copy before records arrive.
	// Default: 200ms.
	ClearSettle time.Duration

	// SendGap is the pause between consecutive record messages in a sync.
	// Default: 50ms.
	SendGap time.Duration

	// SectionSettle is the pause between the node section, the edge section,
	// and the closing state_complete of a sync.
	// Default: 100ms.
	SectionSettle time.Duration

	// InboxSize is the command channel buffer.
	// Default: 256.
	InboxSize int

	// SaveTimeout bounds each storage operation.
	// Default: 5 seconds.
	SaveTimeout time.Duration
}

// DefaultConfig returns a Config with the pacing the wire protocol was
// designed around. The delays are an ordering hack, not an acknowledgment
// protocol; clients on ordered transports rely on them having room to
// process a clear before records arrive.
func DefaultConfig() *Config {
	return &Config{
		ClearSettle:   200 * time.Millisecond,
		SendGap:       50 * time.Millisecond,
		SectionSettle: 100 * time.Millisecond,
		InboxSize:     256,
		SaveTimeout:   5 * time.Second,
	}
}

func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	defaults := DefaultConfig()
	out := *c
	if out.ClearSettle == 0 {
		out.ClearSettle = defaults.ClearSettle
	}
	if out.SendGap == 0 {
		out.SendGap = defaults.SendGap
	}
	if out.SectionSettle == 0 {
		out.SectionSettle = defaults.SectionSettle
	}
	if out.InboxSize == 0 {
		out.InboxSize = defaults.InboxSize
	}
	if out.SaveTimeout == 0 {
		out.SaveTimeout = defaults.SaveTimeout
	}
	return &out
}

type command interface{}

type joinCmd struct {
	conn Conn
}

type leaveCmd struct {
	id string
}

type messageCmd struct {
	from Conn
	raw  []byte
}

type snapshotCmd struct {
	reply chan snapshotReply
}

type snapshotReply struct {
	nodes []graph.Node
	edges []graph.Edge
}

// Room is one collaboration room: a named shared document and the set of
// connections currently editing it.
type Room struct {
	name    string
	config  *Config
	store   storage.Store
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	// Owned by the room goroutine.
	state   *graph.State
	members *registry

	inbox    chan command
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	syncs    sync.WaitGroup
}

// New creates a room and starts its goroutine. The room loads its state from
// the store, seeding and persisting the default topology when nothing was
// ever saved. A storage fault never prevents the room from starting.
func New(name string, store storage.Store, m *metrics.Metrics, config *Config, logger *slog.Logger) *Room {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Room{
		name:    name,
		config:  config.withDefaults(),
		store:   store,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
		logger:  logger.With("component", "room", "room", name),
		members: newRegistry(),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	r.inbox = make(chan command, r.config.InboxSize)

	go r.run()
	return r
}

// Name returns the room's name.
func (r *Room) Name() string {
	return r.name
}

// Join admits a connection: the active-user list is broadcast to everyone and
// a full state sync is started toward the new participant.
func (r *Room) Join(conn Conn) error {
	return r.enqueue(joinCmd{conn: conn})
}

// Leave removes a connection and broadcasts the updated user list.
func (r *Room) Leave(id string) error {
	return r.enqueue(leaveCmd{id: id})
}

// Deliver hands one raw inbound frame to the room. It never blocks: when the
// inbox is full the frame is dropped and ErrInboxFull returned.
func (r *Room) Deliver(from Conn, raw []byte) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}
	select {
	case r.inbox <- messageCmd{from: from, raw: raw}:
		return nil
	default:
		r.metrics.MessageDropped()
		return ErrInboxFull
	}
}

// Snapshot returns the current document contents, id-ordered. It round-trips
// through the room goroutine so the answer is consistent with the command
// stream.
func (r *Room) Snapshot(ctx context.Context) ([]graph.Node, []graph.Edge, error) {
	reply := make(chan snapshotReply, 1)
	if err := r.enqueue(snapshotCmd{reply: reply}); err != nil {
		return nil, nil, err
	}
	select {
	case snap := <-reply:
		return snap.nodes, snap.edges, nil
	case <-r.stopped:
		return nil, nil, ErrStopped
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Stop shuts the room down: in-flight syncs are cancelled, the loop performs
// a final save and exits. Stop is idempotent and safe from any goroutine.
func (r *Room) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	<-r.stopped
	r.syncs.Wait()
}

func (r *Room) enqueue(cmd command) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}
	select {
	case r.inbox <- cmd:
		return nil
	case <-r.done:
		return ErrStopped
	}
}

func (r *Room) run() {
	defer close(r.stopped)

	r.metrics.RoomStarted()
	defer r.metrics.RoomStopped()

	r.state = r.loadOrSeed()
	r.logger.Info("room started",
		"nodes", len(r.state.Nodes),
		"edges", len(r.state.Edges))

	for {
		select {
		case cmd := <-r.inbox:
			r.dispatch(cmd)
		case <-r.done:
			r.persist()
			r.logger.Info("room stopped")
			return
		}
	}
}

// loadOrSeed restores the persisted document, falling back to the default
// topology on absence or on any storage fault. The seed is saved right away
// so later restarts see the same document rather than re-deriving it.
func (r *Room) loadOrSeed() *graph.State {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.SaveTimeout)
	defer cancel()

	blob, err := r.store.Load(ctx, r.name)
	if err != nil {
		r.logger.Error("state load failed, seeding default", "error", err)
		r.metrics.StorageError("load")
		state := graph.DefaultState()
		r.saveState(state)
		return state
	}
	if blob == nil {
		r.logger.Info("no stored state, seeding default")
		state := graph.DefaultState()
		r.saveState(state)
		return state
	}

	state, err := graph.DecodeState(blob)
	if err != nil {
		r.logger.Error("stored state unreadable, seeding default", "error", err)
		r.metrics.StorageError("decode")
		state = graph.DefaultState()
		r.saveState(state)
		return state
	}

	r.logger.Info("loaded state from storage")
	return state
}

func (r *Room) dispatch(cmd command) {
	switch c := cmd.(type) {
	case joinCmd:
		name := r.members.admit(c.conn)
		r.logger.Info("connection joined",
			"conn_id", c.conn.ID(),
			"name", name,
			"members", r.members.len())
		r.broadcastUsers()
		r.startSync(c.conn)

	case leaveCmd:
		r.members.remove(c.id)
		r.logger.Info("connection left", "conn_id", c.id, "members", r.members.len())
		r.broadcastUsers()

	case messageCmd:
		r.handleMessage(c.from, c.raw)

	case snapshotCmd:
		nodes, edges := r.state.Snapshot()
		c.reply <- snapshotReply{nodes: nodes, edges: edges}
	}
}

// handleMessage decodes one inbound frame and applies its effect. Every
// failure path recovers locally; a bad message never drops the connection.
func (r *Room) handleMessage(from Conn, raw []byte) {
	start := time.Now()

	msg, err := protocol.Decode(raw)
	if err != nil {
		var unknown *protocol.UnknownKindError
		if errors.As(err, &unknown) {
			r.logger.Warn("unknown message type", "conn_id", from.ID(), "type", unknown.Kind)
			r.metrics.MessageHandled("unknown", "ignored", time.Since(start))
			return
		}
		r.logger.Error("malformed message dropped", "conn_id", from.ID(), "error", err)
		r.metrics.MessageHandled("malformed", "rejected", time.Since(start))
		return
	}

	_, span := r.tracer.Start(context.Background(), "room.message",
		trace.WithAttributes(
			attribute.String("room", r.name),
			attribute.String("conn_id", from.ID()),
			attribute.String("message.kind", msg.Kind()),
		))
	defer span.End()

	status := "ok"
	switch m := msg.(type) {
	case protocol.Hello:
		r.logger.Info("hello", "conn_id", from.ID(), "message", m.Message)
		r.broadcast(protocol.KindHello, m, "")

	case protocol.NodeUpdate:
		if err := r.state.UpsertNode(m.Node); err != nil {
			r.logger.Error("node update rejected", "conn_id", from.ID(), "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "rejected")
			status = "rejected"
			break
		}
		r.persist()
		r.broadcast(protocol.KindNodeUpdate, m.Node, from.ID())

	case protocol.EdgeUpdate:
		if err := r.state.UpsertEdge(m.Edge); err != nil {
			r.logger.Error("edge update rejected", "conn_id", from.ID(), "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "rejected")
			status = "rejected"
			break
		}
		r.persist()
		r.broadcast(protocol.KindEdgeUpdate, m.Edge, from.ID())

	case protocol.NodeDelete:
		r.state.DeleteNode(m.ID)
		r.persist()
		r.broadcast(protocol.KindNodeDelete, m, from.ID())

	case protocol.EdgeDelete:
		r.state.DeleteEdge(m.ID)
		r.persist()
		r.broadcast(protocol.KindEdgeDelete, m, from.ID())

	case protocol.PositionUpdate:
		if !r.state.MoveNode(m.ID, *m.Position) {
			r.logger.Warn("position update for unknown node", "conn_id", from.ID(), "id", m.ID)
			status = "ignored"
			break
		}
		r.persist()
		r.broadcast(protocol.KindPositionUpdate, m, from.ID())

	case protocol.RequestState:
		r.logger.Info("state requested", "conn_id", from.ID())
		r.startSync(from)

	case protocol.ClearState:
		r.logger.Info("state cleared", "conn_id", from.ID())
		r.state.Reset()
		r.persist()
		r.broadcast(protocol.KindClearState,
			protocol.TimestampPayload{Timestamp: time.Now().UnixMilli()}, from.ID())

	case protocol.ActiveUsers:
		// Server-to-client only.
		r.logger.Warn("inbound active_users discarded", "conn_id", from.ID())
		status = "ignored"
	}

	r.metrics.MessageHandled(msg.Kind(), status, time.Since(start))
}

// broadcast encodes one message and sends it to every member except the id
// given. An empty except sends to everyone, including the originator.
func (r *Room) broadcast(kind string, data any, except string) {
	frame, err := protocol.Encode(kind, data)
	if err != nil {
		r.logger.Error("broadcast encode failed", "kind", kind, "error", err)
		return
	}

	sent := 0
	r.members.each(func(id string, conn Conn) {
		if id == except {
			return
		}
		if err := conn.Send(frame); err != nil {
			r.logger.Debug("broadcast send failed", "conn_id", id, "error", err)
			return
		}
		sent++
	})
	r.metrics.BroadcastSent(sent)
}

func (r *Room) broadcastUsers() {
	r.broadcast(protocol.KindActiveUsers, r.members.users(), "")
}

// persist writes the full current state. Failures are logged and counted;
// the in-memory state stays authoritative and the next mutation's save is an
// independent chance to succeed.
func (r *Room) persist() {
	r.saveState(r.state)
}

func (r *Room) saveState(state *graph.State) {
	blob, err := state.Encode()
	if err != nil {
		r.logger.Error("state encode failed", "error", err)
		r.metrics.StorageError("encode")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.SaveTimeout)
	defer cancel()

	if err := r.store.Save(ctx, r.name, blob); err != nil {
		r.logger.Error("state save failed", "error", err)
		r.metrics.StorageError("save")
	}
}
