package proctor

import (
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// ProgressEvent carries the latest distinct-answer count.
func ProgressEvent(sessionID uuid.UUID, answered int, at time.Time) ws.OutboundEvent {
	return ws.OutboundEvent{
		ID:        uuid.NewString(),
		Event:     ws.EventProgress,
		SessionID: sessionID.String(),
		Answered:  &answered,
		At:        at.UnixMilli(),
	}
}

// WarningEvent carries a human-readable warning.
func WarningEvent(sessionID uuid.UUID, message string, at time.Time) ws.OutboundEvent {
	return ws.OutboundEvent{
		ID:        uuid.NewString(),
		Event:     ws.EventWarning,
		SessionID: sessionID.String(),
		Message:   message,
		At:        at.UnixMilli(),
	}
}

// ClosedEvent is the final notice of a terminal session. Its ID is derived
// from the session, so redeliveries carry the same ID.
func ClosedEvent(s *model.ExamSession) ws.OutboundEvent {
	ev := ws.OutboundEvent{
		ID:        "final:" + s.ID.String(),
		SessionID: s.ID.String(),
		State:     string(s.State),
	}
	switch s.State {
	case model.SessionStateSubmitted:
		ev.Event = ws.EventSubmitted
	case model.SessionStateTimedOut:
		ev.Event = ws.EventTimedOut
	default:
		ev.Event = ws.EventTerminated
	}
	if s.TerminationReason != nil {
		ev.Reason = *s.TerminationReason
	}
	if s.EndedAt != nil {
		ev.At = s.EndedAt.UnixMilli()
	}
	return ev
}
