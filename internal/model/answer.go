package model

import (
	"time"

	"github.com/google/uuid"
)

// AnswerRecord is one saved answer, keyed by (SessionID, QuestionID).
type AnswerRecord struct {
	SessionID  uuid.UUID `json:"session_id"`
	QuestionID uuid.UUID `json:"question_id"`
	AnswerText string    `json:"answer_text"`
	SavedAt    time.Time `json:"saved_at"`
}

// ProgressView is the derived count of distinct answered questions.
type ProgressView struct {
	SessionID uuid.UUID `json:"session_id"`
	Answered  int       `json:"answered"`
}

// SaveAnswerRequest is the payload for saving a single answer.
type SaveAnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required,uuid"`
	AnswerText string `json:"answer_text" binding:"required,notblank,max=10000"`
}
