// Package protocol defines the JSON wire format spoken between clients and
// the sync server: a {type, data} envelope around a closed set of message
// kinds. Inbound frames are decoded into typed payloads with validation at
// this boundary so rooms never handle loosely shaped data.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowsync-dev/flowsync/pkg/graph"
)

// Message kinds. ActiveUsers and StateComplete are only ever sent by the
// server; an inbound ActiveUsers frame is discarded by the room.
const (
	KindHello          = "hello"
	KindNodeUpdate     = "node_update"
	KindEdgeUpdate     = "edge_update"
	KindNodeDelete     = "node_delete"
	KindEdgeDelete     = "edge_delete"
	KindPositionUpdate = "position_update"
	KindRequestState   = "request_state"
	KindClearState     = "clear_state"
	KindStateComplete  = "state_complete"
	KindActiveUsers    = "active_users"
)

// ErrMalformed is returned for frames that cannot be parsed as an envelope
// or whose payload is missing required fields.
var ErrMalformed = errors.New("malformed message")

// UnknownKindError is returned for envelopes with an unrecognized type tag.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Kind)
}

// Envelope is the wire wrapper for every message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message is a validated inbound message.
type Message interface {
	Kind() string
}

// Hello is a client ping/chat message broadcast verbatim to everyone.
type Hello struct {
	Message string `json:"message"`
}

func (Hello) Kind() string { return KindHello }

// NodeUpdate inserts or overwrites one node.
type NodeUpdate struct {
	Node graph.Node
}

func (NodeUpdate) Kind() string { return KindNodeUpdate }

// EdgeUpdate inserts or overwrites one edge.
type EdgeUpdate struct {
	Edge graph.Edge
}

func (EdgeUpdate) Kind() string { return KindEdgeUpdate }

// NodeDelete removes one node by id.
type NodeDelete struct {
	ID string `json:"id"`
}

func (NodeDelete) Kind() string { return KindNodeDelete }

// EdgeDelete removes one edge by id.
type EdgeDelete struct {
	ID string `json:"id"`
}

func (EdgeDelete) Kind() string { return KindEdgeDelete }

// PositionUpdate moves an existing node without touching its other fields.
type PositionUpdate struct {
	ID       string          `json:"id"`
	Position *graph.Position `json:"position"`
}

func (PositionUpdate) Kind() string { return KindPositionUpdate }

// RequestState asks the server to replay the full document to the sender.
type RequestState struct {
	Timestamp int64 `json:"timestamp"`
}

func (RequestState) Kind() string { return KindRequestState }

// ClearState asks the server to wipe the document for everyone.
type ClearState struct{}

func (ClearState) Kind() string { return KindClearState }

// ActiveUsers is server-to-client only. Decoding one inbound lets the room
// log and discard it rather than treating it as malformed.
type ActiveUsers struct{}

func (ActiveUsers) Kind() string { return KindActiveUsers }

// Decode parses and validates one inbound frame. It returns ErrMalformed for
// unparseable envelopes or payloads missing required fields, and an
// *UnknownKindError for unrecognized type tags.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch env.Type {
	case KindHello:
		var m Hello
		if err := unmarshalPayload(env.Data, &m); err != nil {
			return nil, err
		}
		return m, nil

	case KindNodeUpdate:
		var n graph.Node
		if err := unmarshalPayload(env.Data, &n); err != nil {
			return nil, err
		}
		if err := n.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return NodeUpdate{Node: n}, nil

	case KindEdgeUpdate:
		var e graph.Edge
		if err := unmarshalPayload(env.Data, &e); err != nil {
			return nil, err
		}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return EdgeUpdate{Edge: e}, nil

	case KindNodeDelete:
		var m NodeDelete
		if err := unmarshalPayload(env.Data, &m); err != nil {
			return nil, err
		}
		if m.ID == "" {
			return nil, fmt.Errorf("%w: node_delete missing id", ErrMalformed)
		}
		return m, nil

	case KindEdgeDelete:
		var m EdgeDelete
		if err := unmarshalPayload(env.Data, &m); err != nil {
			return nil, err
		}
		if m.ID == "" {
			return nil, fmt.Errorf("%w: edge_delete missing id", ErrMalformed)
		}
		return m, nil

	case KindPositionUpdate:
		var m PositionUpdate
		if err := unmarshalPayload(env.Data, &m); err != nil {
			return nil, err
		}
		if m.ID == "" {
			return nil, fmt.Errorf("%w: position_update missing id", ErrMalformed)
		}
		if m.Position == nil {
			return nil, fmt.Errorf("%w: position_update %q missing position", ErrMalformed, m.ID)
		}
		return m, nil

	case KindRequestState:
		var m RequestState
		if err := unmarshalPayload(env.Data, &m); err != nil {
			return nil, err
		}
		return m, nil

	case KindClearState:
		return ClearState{}, nil

	case KindActiveUsers:
		return ActiveUsers{}, nil

	default:
		return nil, &UnknownKindError{Kind: env.Type}
	}
}

func unmarshalPayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Encode builds an outbound frame. Payloads are the same shapes clients send,
// so a broadcast is byte-compatible with what the mutating client produced.
func Encode(kind string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return json.Marshal(Envelope{Type: kind, Data: payload})
}

// TimestampPayload is the data carried by clear_state and state_complete.
type TimestampPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// User is one entry in an active_users broadcast.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
