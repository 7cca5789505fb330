package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/flowsync-dev/flowsync/pkg/graph"
	"github.com/flowsync-dev/flowsync/pkg/protocol"
	"github.com/flowsync-dev/flowsync/pkg/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fastConfig keeps sync pacing near-instant so tests run quickly.
func fastConfig() *Config {
	return &Config{
		ClearSettle:   time.Millisecond,
		SendGap:       time.Millisecond,
		SectionSettle: time.Millisecond,
		InboxSize:     64,
		SaveTimeout:   time.Second,
	}
}

// fakeConn records every frame a room sends to it.
type fakeConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]protocol.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		var env protocol.Envelope
		if err := json.Unmarshal(f, &env); err != nil {
			t.Fatalf("unparseable outbound frame %q: %v", f, err)
		}
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) countKind(t *testing.T, kind string) int {
	t.Helper()
	n := 0
	for _, env := range c.envelopes(t) {
		if env.Type == kind {
			n++
		}
	}
	return n
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitSynced waits until the connection has received n complete syncs.
func waitSynced(t *testing.T, c *fakeConn, n int) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d state_complete on %s", n, c.id), func() bool {
		return c.countKind(t, protocol.KindStateComplete) >= n
	})
}

func newTestRoom(t *testing.T, store storage.Store) *Room {
	t.Helper()
	r := New("test", store, nil, fastConfig(), testLogger())
	t.Cleanup(r.Stop)
	return r
}

func deliver(t *testing.T, r *Room, from Conn, raw string) {
	t.Helper()
	if err := r.Deliver(from, []byte(raw)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
}

func TestSeedsDefaultStateAndPersists(t *testing.T) {
	store := storage.NewMemoryStore()
	newTestRoom(t, store)

	waitFor(t, "seed persisted", func() bool {
		blob, err := store.Load(context.Background(), "test")
		return err == nil && blob != nil
	})

	blob, _ := store.Load(context.Background(), "test")
	state, err := graph.DecodeState(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Nodes) != 3 || len(state.Edges) != 2 {
		t.Errorf("persisted seed is %d nodes / %d edges, want 3/2", len(state.Nodes), len(state.Edges))
	}
}

func TestJoinSyncsSeedTopology(t *testing.T) {
	r := newTestRoom(t, storage.NewMemoryStore())

	conn := newFakeConn("a")
	if err := r.Join(conn); err != nil {
		t.Fatal(err)
	}
	waitSynced(t, conn, 1)

	envs := conn.envelopes(t)
	if envs[0].Type != protocol.KindActiveUsers {
		t.Errorf("first frame = %q, want active_users", envs[0].Type)
	}

	// The sync sequence: clear_state, nodes in id order, edges in id order,
	// state_complete.
	var kinds []string
	var ids []string
	for _, env := range envs[1:] {
		kinds = append(kinds, env.Type)
		switch env.Type {
		case protocol.KindNodeUpdate:
			var n graph.Node
			json.Unmarshal(env.Data, &n)
			ids = append(ids, n.ID)
		case protocol.KindEdgeUpdate:
			var e graph.Edge
			json.Unmarshal(env.Data, &e)
			ids = append(ids, e.ID)
		}
	}

	wantKinds := []string{
		protocol.KindClearState,
		protocol.KindNodeUpdate, protocol.KindNodeUpdate, protocol.KindNodeUpdate,
		protocol.KindEdgeUpdate, protocol.KindEdgeUpdate,
		protocol.KindStateComplete,
	}
	if len(kinds) != len(wantKinds) {
		t.Fatalf("sync frames = %v, want %v", kinds, wantKinds)
	}
	for i := range wantKinds {
		if kinds[i] != wantKinds[i] {
			t.Fatalf("sync frame[%d] = %q, want %q (all: %v)", i, kinds[i], wantKinds[i], kinds)
		}
	}

	wantIDs := []string{"1", "2", "3", "e1-2", "e2-3"}
	for i := range wantIDs {
		if ids[i] != wantIDs[i] {
			t.Errorf("record[%d] id = %q, want %q", i, ids[i], wantIDs[i])
		}
	}
}

func TestActiveUsersBroadcastOnJoinAndLeave(t *testing.T) {
	r := newTestRoom(t, storage.NewMemoryStore())

	a := newFakeConn("a")
	r.Join(a)
	waitSynced(t, a, 1)

	b := newFakeConn("b")
	r.Join(b)
	waitSynced(t, b, 1)

	// a saw the list twice: once alone, once with b.
	waitFor(t, "second active_users on a", func() bool {
		return a.countKind(t, protocol.KindActiveUsers) >= 2
	})

	var lastUsers []protocol.User
	for _, env := range a.envelopes(t) {
		if env.Type == protocol.KindActiveUsers {
			lastUsers = nil
			json.Unmarshal(env.Data, &lastUsers)
		}
	}
	if len(lastUsers) != 2 {
		t.Fatalf("active_users lists %d members, want 2", len(lastUsers))
	}
	if lastUsers[0].Name != "User 1" || lastUsers[1].Name != "User 2" {
		t.Errorf("display names = %q, %q", lastUsers[0].Name, lastUsers[1].Name)
	}

	r.Leave("b")
	waitFor(t, "active_users after leave", func() bool {
		return a.countKind(t, protocol.KindActiveUsers) >= 3
	})
}

func TestNodeUpdateExcludesSender(t *testing.T) {
	r := newTestRoom(t, storage.NewMemoryStore())

	a := newFakeConn("a")
	b := newFakeConn("b")
	r.Join(a)
	r.Join(b)
	waitSynced(t, a, 1)
	waitSynced(t, b, 1)
	beforeA := a.countKind(t, protocol.KindNodeUpdate)

	deliver(t, r, a, `{"type":"node_update","data":{"id":"x","type":"customNode","position":{"x":1,"y":2},"data":{"label":"X"}}}`)

	waitFor(t, "b receives node x", func() bool {
		for _, env := range b.envelopes(t) {
			if env.Type == protocol.KindNodeUpdate {
				var n graph.Node
				json.Unmarshal(env.Data, &n)
				if n.ID == "x" {
					return true
				}
			}
		}
		return false
	})

	if got := a.countKind(t, protocol.KindNodeUpdate); got != beforeA {
		t.Errorf("sender received its own node_update echoed back (%d -> %d)", beforeA, got)
	}

	nodes, _, err := r.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, n := range nodes {
		if n.ID == "x" {
			found = true
		}
	}
	if !found {
		t.Error("node x missing from snapshot")
	}
}

func TestHelloBroadcastIncludesSender(t *testing.T) {
	r := newTestRoom(t, storage.NewMemoryStore())

	a := newFakeConn("a")
	b := newFakeConn("b")
	r.Join(a)
	r.Join(b)
	waitSynced(t, a, 1)
	waitSynced(t, b, 1)

	deliver(t, r, a, `{"type":"hello","data":{"message":"ping"}}`)

	for _, c := range []*fakeConn{a, b} {
		waitFor(t, "hello on "+c.id, func() bool {
			return c.countKind(t, protocol.KindHello) >= 1
		})
	}
}

func TestPositionUpdateUnknownNodeIsNoop(t *testing.T) {
	r := newTestRoom(t, storage.NewMemoryStore())

	a := newFakeConn("a")
	b := newFakeConn("b")
	r.Join(a)
	r.Join(b)
	waitSynced(t, a, 1)
	waitSynced(t, b, 1)
	before := b.countKind(t, protocol.KindPositionUpdate)

	deliver(t, r, a, `{"type":"position_update","data":{"id":"ghost","position":{"x":9,"y":9}}}`)

	// Use a hello round trip to know the room processed the update.
	deliver(t, r, a, `{"type":"hello","data":{"message":"fence"}}`)
	waitFor(t, "fence hello", func() bool {
		return b.countKind(t, protocol.KindHello) >= 1
	})

	if got := b.countKind(t, protocol.KindPositionUpdate); got != before {
		t.Error("position update for unknown node was broadcast")
	}

	nodes, _, err := r.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range nodes {
		if n.ID == "ghost" {
			t.Error("position update created a node")
		}
	}
}

func TestPositionUpdateMovesExistingNode(t *testing.T) {
	r := newTestRoom(t, storage.NewMemoryStore())

	a := newFakeConn("a")
	r.Join(a)
	waitSynced(t, a, 1)

	deliver(t, r, a, `{"type":"position_update","data":{"id":"1","position":{"x":42,"y":43}}}`)

	waitFor(t, "node 1 moved", func() bool {
		nodes, _, err := r.Snapshot(context.Background())
		if err != nil {
			return false
		}
		for _, n := range nodes {
			if n.ID == "1" && n.Position != nil && n.Position.X == 42 {
				return true
			}
		}
		return false
	})
}

func TestClearStateThenFreshSyncIsEmpty(t *testing.T) {
	r := newTestRoom(t, storage.NewMemoryStore())

	a := newFakeConn("a")
	r.Join(a)
	waitSynced(t, a, 1)

	deliver(t, r, a, `{"type":"clear_state"}`)

	waitFor(t, "empty snapshot", func() bool {
		nodes, edges, err := r.Snapshot(context.Background())
		return err == nil && len(nodes) == 0 && len(edges) == 0
	})

	b := newFakeConn("b")
	r.Join(b)
	waitSynced(t, b, 1)

	if got := b.countKind(t, protocol.KindNodeUpdate); got != 0 {
		t.Errorf("fresh sync after clear carried %d node_update frames", got)
	}
	if got := b.countKind(t, protocol.KindEdgeUpdate); got != 0 {
		t.Errorf("fresh sync after clear carried %d edge_update frames", got)
	}
}

func TestInvalidNodePayloadRejectedWithoutBroadcast(t *testing.T) {
	r := newTestRoom(t, storage.NewMemoryStore())

	a := newFakeConn("a")
	b := newFakeConn("b")
	r.Join(a)
	r.Join(b)
	waitSynced(t, a, 1)
	waitSynced(t, b, 1)
	before := b.countKind(t, protocol.KindNodeUpdate)

	deliver(t, r, a, `{"type":"node_update","data":{"id":"bad","type":"customNode"}}`)
	deliver(t, r, a, `{"type":"hello","data":{"message":"fence"}}`)
	waitFor(t, "fence hello", func() bool {
		return b.countKind(t, protocol.KindHello) >= 1
	})

	if got := b.countKind(t, protocol.KindNodeUpdate); got != before {
		t.Error("rejected node payload was broadcast")
	}
}

func TestDeleteAbsentNodeStillBroadcastsDelete(t *testing.T) {
	r := newTestRoom(t, storage.NewMemoryStore())

	a := newFakeConn("a")
	b := newFakeConn("b")
	r.Join(a)
	r.Join(b)
	waitSynced(t, a, 1)
	waitSynced(t, b, 1)

	deliver(t, r, a, `{"type":"node_delete","data":{"id":"ghost"}}`)

	waitFor(t, "delete broadcast", func() bool {
		return b.countKind(t, protocol.KindNodeDelete) >= 1
	})
	if got := a.countKind(t, protocol.KindNodeDelete); got != 0 {
		t.Error("sender received its own delete echoed back")
	}
}

func TestMalformedAndUnknownMessagesKeepConnectionUsable(t *testing.T) {
	r := newTestRoom(t, storage.NewMemoryStore())

	a := newFakeConn("a")
	r.Join(a)
	waitSynced(t, a, 1)

	deliver(t, r, a, `{not json at all`)
	deliver(t, r, a, `{"type":"teleport","data":{}}`)
	deliver(t, r, a, `{"type":"active_users","data":[]}`)

	// The connection still works afterwards.
	deliver(t, r, a, `{"type":"request_state","data":{"timestamp":1}}`)
	waitSynced(t, a, 2)
}

func TestRestartReloadsPersistedState(t *testing.T) {
	store := storage.NewMemoryStore()

	r1 := New("test", store, nil, fastConfig(), testLogger())
	a := newFakeConn("a")
	r1.Join(a)
	waitSynced(t, a, 1)

	deliver(t, r1, a, `{"type":"node_update","data":{"id":"x","type":"customNode","position":{"x":1,"y":2},"data":{"label":"X"}}}`)
	waitFor(t, "node x applied", func() bool {
		nodes, _, err := r1.Snapshot(context.Background())
		if err != nil {
			return false
		}
		for _, n := range nodes {
			if n.ID == "x" {
				return true
			}
		}
		return false
	})
	r1.Stop()

	r2 := newTestRoom(t, store)
	nodes, edges, err := r2.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 4 || len(edges) != 2 {
		t.Errorf("restarted room has %d nodes / %d edges, want 4/2", len(nodes), len(edges))
	}
}

// failingStore errors on every operation.
type failingStore struct{}

func (failingStore) Load(context.Context, string) ([]byte, error) {
	return nil, errors.New("backend down")
}
func (failingStore) Save(context.Context, string, []byte) error {
	return errors.New("backend down")
}
func (failingStore) Close() error { return nil }

func TestStorageFaultNeverPreventsStartup(t *testing.T) {
	r := newTestRoom(t, failingStore{})

	a := newFakeConn("a")
	r.Join(a)
	waitSynced(t, a, 1)

	// Room fell back to the seed and keeps serving despite save failures.
	if got := a.countKind(t, protocol.KindNodeUpdate); got != 3 {
		t.Errorf("sync carried %d nodes, want 3", got)
	}
	deliver(t, r, a, `{"type":"node_update","data":{"id":"x","type":"customNode","position":{"x":1,"y":2},"data":{"label":"X"}}}`)
	deliver(t, r, a, `{"type":"request_state","data":{"timestamp":2}}`)
	waitSynced(t, a, 2)
}

func TestSyncToDeadConnectionAbortsQuietly(t *testing.T) {
	r := newTestRoom(t, storage.NewMemoryStore())

	a := newFakeConn("a")
	r.Join(a)
	waitSynced(t, a, 1)

	dead := newFakeConn("dead")
	dead.close()
	r.Join(dead)

	// Other members stay functional while the dead sync aborts.
	deliver(t, r, a, `{"type":"request_state","data":{"timestamp":3}}`)
	waitSynced(t, a, 2)
	if got := dead.countKind(t, protocol.KindStateComplete); got != 0 {
		t.Error("dead connection reported a completed sync")
	}
}

func TestDeliverAfterStop(t *testing.T) {
	r := New("test", storage.NewMemoryStore(), nil, fastConfig(), testLogger())
	r.Stop()

	if err := r.Deliver(newFakeConn("a"), []byte(`{}`)); !errors.Is(err, ErrStopped) {
		t.Errorf("Deliver after Stop = %v, want ErrStopped", err)
	}
	if err := r.Join(newFakeConn("a")); !errors.Is(err, ErrStopped) {
		t.Errorf("Join after Stop = %v, want ErrStopped", err)
	}
}
