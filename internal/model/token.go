package model

import (
	"time"

	"github.com/google/uuid"
)

// RoleStudent is the only identity role allowed to sit an exam.
const RoleStudent = "student"

// Principal is the authenticated caller yielded by the identity service.
type Principal struct {
	SubjectID int    `json:"subject_id"`
	Role      string `json:"role"`
}

// ExamToken is the signed, self-contained credential for one (exam, subject) pair.
type ExamToken struct {
	Token     string    `json:"token"`
	ExamID    uuid.UUID `json:"exam_id"`
	SubjectID int       `json:"subject_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenSubject is what a verified exam token proves.
type TokenSubject struct {
	ExamID    uuid.UUID
	SubjectID int
}
