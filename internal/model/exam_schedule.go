package model

import (
	"time"

	"github.com/google/uuid"
)

// ScheduleStatus enumerates the states an exam schedule can be in on the admin side.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "SCHEDULED"
	ScheduleStatusCancelled ScheduleStatus = "CANCELLED"
)

// ExamSchedule is the admin console's view of an exam instance.
// The core only reads it.
type ExamSchedule struct {
	ExamID          uuid.UUID      `json:"exam_id"`
	PaperID         uuid.UUID      `json:"paper_id"`
	Title           string         `json:"title"`
	StartsAt        time.Time      `json:"starts_at"`
	EndsAt          time.Time      `json:"ends_at"`
	DurationMinutes int            `json:"duration_minutes"`
	Status          ScheduleStatus `json:"status"`
}

// ActiveAt reports whether the schedule's window is open at t.
func (s *ExamSchedule) ActiveAt(t time.Time) bool {
	if s.Status == ScheduleStatusCancelled {
		return false
	}
	return !t.Before(s.StartsAt) && t.Before(s.EndsAt)
}

// DeadlineFor returns startedAt + duration, capped by the schedule end.
func (s *ExamSchedule) DeadlineFor(startedAt time.Time) time.Time {
	deadline := startedAt.Add(time.Duration(s.DurationMinutes) * time.Minute)
	if s.EndsAt.Before(deadline) {
		return s.EndsAt
	}
	return deadline
}
