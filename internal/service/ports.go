package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SessionStore is the durable record of exam attempts.
// Transition must be a compare-and-set out of IN_PROGRESS and return
// repository.ErrNotInProgress to every caller that loses.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	GetByExamAndSubject(ctx context.Context, examID uuid.UUID, subjectID int) (*model.ExamSession, error)
	Create(ctx context.Context, s *model.ExamSession) error
	Transition(ctx context.Context, id uuid.UUID, to model.SessionState, at time.Time, reason *string) (*model.ExamSession, error)
}

// ScheduleReader reads what the admin console owns.
type ScheduleReader interface {
	GetSchedule(ctx context.Context, examID uuid.UUID) (*model.ExamSchedule, error)
	IsEnrolled(ctx context.Context, examID uuid.UUID, subjectID int) (bool, error)
}

// AnswerStore upserts answers by (session, question) and counts distinct questions.
type AnswerStore interface {
	Upsert(ctx context.Context, rec model.AnswerRecord) (int, error)
	Count(ctx context.Context, sessionID uuid.UUID) (int, error)
}

// Publisher fans session events out to real-time subscribers. Delivery is
// best-effort; implementations must not block on slow subscribers.
type Publisher interface {
	PublishProgress(ctx context.Context, sessionID uuid.UUID, answered int)
	PublishClosed(ctx context.Context, s *model.ExamSession)
}

// Clock returns the current time.
type Clock func() time.Time
