package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionHeartbeat Action = "heartbeat"
	ActionSwitch    Action = "switch"
	ActionPing      Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
	// Payload is only read for switch actions. It may be a plain string or
	// an object carrying a message.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventProgress   Event = "progress"
	EventWarning    Event = "warning"
	EventTerminated Event = "terminated"
	EventSubmitted  Event = "submitted"
	EventTimedOut   Event = "timed_out"
	EventPong       Event = "pong"
	EventError      Event = "error"
)

// Final reports whether no event follows e on a session.
func (e Event) Final() bool {
	return e == EventTerminated || e == EventSubmitted || e == EventTimedOut
}

// OutboundEvent is the single shape of every message the hub delivers.
// Final notices carry a stable ID so a client can drop duplicates.
type OutboundEvent struct {
	ID        string `json:"id"`
	Event     Event  `json:"event"`
	SessionID string `json:"session_id"`
	Answered  *int   `json:"answered,omitempty"`
	Message   string `json:"message,omitempty"`
	Reason    string `json:"reason,omitempty"`
	State     string `json:"state,omitempty"`
	At        int64  `json:"at"` // unix millis
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
