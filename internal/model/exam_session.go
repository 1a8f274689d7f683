package model

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// SessionState enumerates exam session states.
type SessionState string

const (
	SessionStateNotStarted SessionState = "NOT_STARTED"
	SessionStateInProgress SessionState = "IN_PROGRESS"
	SessionStateSubmitted  SessionState = "SUBMITTED"
	SessionStateTimedOut   SessionState = "TIMED_OUT"
	SessionStateTerminated SessionState = "TERMINATED"
)

// IsTerminal reports whether no further transition is possible from s.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionStateSubmitted, SessionStateTimedOut, SessionStateTerminated:
		return true
	}
	return false
}

// ExamSession represents one subject's attempt at one exam.
type ExamSession struct {
	ID                uuid.UUID    `json:"session_id"`
	ExamID            uuid.UUID    `json:"exam_id"`
	PaperID           uuid.UUID    `json:"paper_id"`
	SubjectID         int          `json:"subject_id"`
	State             SessionState `json:"state"`
	StartedAt         time.Time    `json:"started_at"`
	DeadlineAt        time.Time    `json:"deadline_at"`
	SubmittedAt       *time.Time   `json:"submitted_at,omitempty"`
	EndedAt           *time.Time   `json:"ended_at,omitempty"`
	TerminationReason *string      `json:"termination_reason,omitempty"`
	ViolationCount    int          `json:"violation_count"`
	SwitchCount       int          `json:"switch_count"`
	LastHeartbeatAt   *time.Time   `json:"last_heartbeat_at,omitempty"`
}

// Overdue reports whether the session is still open on paper but its deadline has passed.
func (s *ExamSession) Overdue(now time.Time) bool {
	return s.State == SessionStateInProgress && !now.Before(s.DeadlineAt)
}

// LastSignalAt is the later of the start time and the last heartbeat.
func (s *ExamSession) LastSignalAt() time.Time {
	if s.LastHeartbeatAt != nil && s.LastHeartbeatAt.After(s.StartedAt) {
		return *s.LastHeartbeatAt
	}
	return s.StartedAt
}

// SessionCursor is a keyset position over sessions ordered by (started_at, id).
// The zero value starts from the beginning.
type SessionCursor struct {
	StartedAt time.Time
	ID        uuid.UUID
}

// Cursor returns the keyset position of s.
func (s *ExamSession) Cursor() SessionCursor {
	return SessionCursor{StartedAt: s.StartedAt, ID: s.ID}
}

// Precedes reports whether c sorts strictly before the key (startedAt, id).
func (c SessionCursor) Precedes(startedAt time.Time, id uuid.UUID) bool {
	if !c.StartedAt.Equal(startedAt) {
		return c.StartedAt.Before(startedAt)
	}
	return bytes.Compare(c.ID[:], id[:]) < 0
}

// Open reports whether the session accepts answers at now.
func (s *ExamSession) Open(now time.Time) bool {
	return s.State == SessionStateInProgress && now.Before(s.DeadlineAt)
}

// StartSessionResponse is returned when a subject starts or resumes an exam.
type StartSessionResponse struct {
	SessionID  uuid.UUID    `json:"session_id"`
	PaperID    uuid.UUID    `json:"paper_id"`
	State      SessionState `json:"state"`
	DeadlineAt time.Time    `json:"deadline_at"`
}

// SessionInfo is the read-through view a reloading client uses to restore its cache.
type SessionInfo struct {
	SessionID        uuid.UUID    `json:"session_id"`
	ExamID           uuid.UUID    `json:"exam_id"`
	PaperID          uuid.UUID    `json:"paper_id"`
	State            SessionState `json:"state"`
	StartedAt        time.Time    `json:"started_at"`
	DeadlineAt       time.Time    `json:"deadline_at"`
	RemainingSeconds float64      `json:"remaining_seconds"`
	Answered         int          `json:"answered"`
	SwitchCount      int          `json:"switch_count"`
	ViolationCount   int          `json:"violation_count"`
}

// SubmitResult describes the outcome of a submit call.
type SubmitResult struct {
	SessionID uuid.UUID    `json:"session_id"`
	State     SessionState `json:"state"`
	Closed    bool         `json:"closed"`
}
