// Package graph holds the shared flowchart document: nodes, edges, and the
// mutation operations a room applies on behalf of its participants.
//
// A State is owned by exactly one room goroutine and is never shared, so no
// locking happens here. Validation lives at this boundary: a mutation that
// fails validation leaves the state untouched.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Validation errors returned by mutation operations.
var (
	ErrInvalidNode = errors.New("invalid node")
	ErrInvalidEdge = errors.New("invalid edge")
)

// Position is a node's location on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one vertex of the shared graph.
//
// Kind is immutable after creation by convention only; the server never
// enforces it, matching the permissive behavior clients expect.
type Node struct {
	ID       string         `json:"id"`
	Kind     string         `json:"type"`
	Position *Position      `json:"position"`
	Data     map[string]any `json:"data"`
}

// Validate reports whether the node carries every required field.
func (n *Node) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidNode)
	}
	if n.Kind == "" {
		return fmt.Errorf("%w %q: missing type", ErrInvalidNode, n.ID)
	}
	if n.Position == nil {
		return fmt.Errorf("%w %q: missing position", ErrInvalidNode, n.ID)
	}
	if n.Data == nil {
		return fmt.Errorf("%w %q: missing data", ErrInvalidNode, n.ID)
	}
	return nil
}

// Edge connects two nodes by id. Endpoints are not checked against the node
// map; dangling edges are allowed.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Kind   string `json:"type,omitempty"`
}

// Validate reports whether the edge carries every required field.
func (e *Edge) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEdge)
	}
	if e.Source == "" {
		return fmt.Errorf("%w %q: missing source", ErrInvalidEdge, e.ID)
	}
	if e.Target == "" {
		return fmt.Errorf("%w %q: missing target", ErrInvalidEdge, e.ID)
	}
	return nil
}

// State is the authoritative document for one room.
// LastUpdated is unix milliseconds, bumped on every accepted mutation.
type State struct {
	Nodes       map[string]Node `json:"nodes"`
	Edges       map[string]Edge `json:"edges"`
	LastUpdated int64           `json:"lastUpdated"`
}

// NewState returns an empty state with initialized maps.
func NewState() *State {
	return &State{
		Nodes:       make(map[string]Node),
		Edges:       make(map[string]Edge),
		LastUpdated: time.Now().UnixMilli(),
	}
}

// DefaultState returns the seed topology used when a room has never been
// persisted: three nodes in a row connected left to right.
func DefaultState() *State {
	s := NewState()
	labels := []struct {
		id string
		x  float64
	}{
		{"1", 100},
		{"2", 300},
		{"3", 500},
	}
	for i, l := range labels {
		s.Nodes[l.id] = Node{
			ID:       l.id,
			Kind:     "customNode",
			Position: &Position{X: l.x, Y: 100},
			Data:     map[string]any{"label": fmt.Sprintf("Node %d", i+1)},
		}
	}
	s.Edges["e1-2"] = Edge{ID: "e1-2", Source: "1", Target: "2"}
	s.Edges["e2-3"] = Edge{ID: "e2-3", Source: "2", Target: "3"}
	return s
}

func (s *State) touch() {
	s.LastUpdated = time.Now().UnixMilli()
}

// UpsertNode validates the node and inserts or overwrites it.
// The state is unchanged when validation fails.
func (s *State) UpsertNode(n Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	s.Nodes[n.ID] = n
	s.touch()
	return nil
}

// DeleteNode removes the node. Deleting an absent id is a no-op, not an error.
func (s *State) DeleteNode(id string) {
	delete(s.Nodes, id)
	s.touch()
}

// UpsertEdge validates the edge and inserts or overwrites it. Endpoints are
// deliberately not checked against existing nodes.
func (s *State) UpsertEdge(e Edge) error {
	if err := e.Validate(); err != nil {
		return err
	}
	s.Edges[e.ID] = e
	s.touch()
	return nil
}

// DeleteEdge removes the edge. Deleting an absent id is a no-op.
func (s *State) DeleteEdge(id string) {
	delete(s.Edges, id)
	s.touch()
}

// MoveNode overwrites only the position of an existing node, leaving kind and
// data untouched. It reports false when the node does not exist; a position
// update never implicitly creates a node.
func (s *State) MoveNode(id string, pos Position) bool {
	n, ok := s.Nodes[id]
	if !ok {
		return false
	}
	n.Position = &Position{X: pos.X, Y: pos.Y}
	s.Nodes[id] = n
	s.touch()
	return true
}

// Reset clears both maps.
func (s *State) Reset() {
	s.Nodes = make(map[string]Node)
	s.Edges = make(map[string]Edge)
	s.touch()
}

// Snapshot exports the current contents as id-ordered slices. The returned
// records are copies; mutating them does not affect the state. Node data maps
// are copied one level deep, which is as deep as the wire format nests.
func (s *State) Snapshot() ([]Node, []Edge) {
	nodes := make([]Node, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		nodes = append(nodes, copyNode(n))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	edges := make([]Edge, 0, len(s.Edges))
	for _, e := range s.Edges {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	return nodes, edges
}

func copyNode(n Node) Node {
	if n.Position != nil {
		p := *n.Position
		n.Position = &p
	}
	if n.Data != nil {
		data := make(map[string]any, len(n.Data))
		for k, v := range n.Data {
			data[k] = v
		}
		n.Data = data
	}
	return n
}

// Encode serializes the state for the durability layer.
func (s *State) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeState deserializes a persisted state blob. Nil maps in the blob are
// replaced with empty ones so callers never index into nil.
func DecodeState(blob []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if s.Nodes == nil {
		s.Nodes = make(map[string]Node)
	}
	if s.Edges == nil {
		s.Edges = make(map[string]Edge)
	}
	return &s, nil
}
