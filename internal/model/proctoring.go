package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates proctoring audit events.
type EventKind string

const (
	EventKindHeartbeat   EventKind = "heartbeat"
	EventKindSwitch      EventKind = "switch"
	EventKindWarning     EventKind = "warning"
	EventKindTermination EventKind = "termination"
)

// ProctoringEvent is a transient signal kept only in the short audit trail.
type ProctoringEvent struct {
	SessionID uuid.UUID `json:"session_id"`
	Kind      EventKind `json:"kind"`
	At        time.Time `json:"at"`
	Detail    string    `json:"detail,omitempty"`
}

// SwitchRequest is the optional body of an HTTP switch signal.
// Payload may be a plain string or an object carrying a message.
type SwitchRequest struct {
	Payload json.RawMessage `json:"payload"`
}
