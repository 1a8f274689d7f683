package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerLedger stores answers and derives progress from them.
type AnswerLedger struct {
	store AnswerStore
	now   Clock
}

// NewAnswerLedger creates a new AnswerLedger.
func NewAnswerLedger(store AnswerStore, now Clock) *AnswerLedger {
	if now == nil {
		now = time.Now
	}
	return &AnswerLedger{store: store, now: now}
}

// Save upserts the answer and returns the recomputed distinct-answer count.
// Saving the same question again overwrites it without changing the count.
func (l *AnswerLedger) Save(ctx context.Context, sessionID, questionID uuid.UUID, answerText string) (*model.ProgressView, error) {
	n, err := l.store.Upsert(ctx, model.AnswerRecord{
		SessionID:  sessionID,
		QuestionID: questionID,
		AnswerText: answerText,
		SavedAt:    l.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("save answer: %w", err)
	}
	return &model.ProgressView{SessionID: sessionID, Answered: n}, nil
}

// Progress returns the distinct-answer count of a session.
func (l *AnswerLedger) Progress(ctx context.Context, sessionID uuid.UUID) (*model.ProgressView, error) {
	n, err := l.store.Count(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count answers: %w", err)
	}
	return &model.ProgressView{SessionID: sessionID, Answered: n}, nil
}
