package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ScheduleSeed is a fixture of exam schedules and enrollments for memory mode.
//
//	schedules:
//	  - exam_id: "6f1c..."
//	    paper_id: "0a3e..."
//	    title: Midterm
//	    starts_at: "2026-10-15T08:00:00Z"
//	    ends_at: "2026-10-15T12:00:00Z"
//	    duration_minutes: 60
//	enrollments:
//	  - exam_id: "6f1c..."
//	    subject_ids: [1, 2, 3]
type ScheduleSeed struct {
	Schedules   []SeedSchedule   `koanf:"schedules"`
	Enrollments []SeedEnrollment `koanf:"enrollments"`
}

// SeedSchedule is the fixture form of model.ExamSchedule. Times are RFC 3339.
type SeedSchedule struct {
	ExamID          string `koanf:"exam_id"`
	PaperID         string `koanf:"paper_id"`
	Title           string `koanf:"title"`
	StartsAt        string `koanf:"starts_at"`
	EndsAt          string `koanf:"ends_at"`
	DurationMinutes int    `koanf:"duration_minutes"`
	Status          string `koanf:"status"`
}

// SeedEnrollment lists the subjects enrolled in one exam.
type SeedEnrollment struct {
	ExamID     string `koanf:"exam_id"`
	SubjectIDs []int  `koanf:"subject_ids"`
}

// LoadScheduleSeed reads a ScheduleSeed YAML fixture.
func LoadScheduleSeed(path string) (*ScheduleSeed, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadConfig, path, err)
	}

	var seed ScheduleSeed
	if err := k.UnmarshalWithConf("", &seed, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfig, err)
	}
	return &seed, nil
}

// ToSchedule validates and converts a fixture entry.
func (s SeedSchedule) ToSchedule() (model.ExamSchedule, error) {
	examID, err := uuid.Parse(s.ExamID)
	if err != nil {
		return model.ExamSchedule{}, fmt.Errorf("%w: exam_id %q: %v", ErrInvalidConfig, s.ExamID, err)
	}
	paperID, err := uuid.Parse(s.PaperID)
	if err != nil {
		return model.ExamSchedule{}, fmt.Errorf("%w: paper_id %q: %v", ErrInvalidConfig, s.PaperID, err)
	}
	startsAt, err := time.Parse(time.RFC3339, s.StartsAt)
	if err != nil {
		return model.ExamSchedule{}, fmt.Errorf("%w: starts_at: %v", ErrInvalidConfig, err)
	}
	endsAt, err := time.Parse(time.RFC3339, s.EndsAt)
	if err != nil {
		return model.ExamSchedule{}, fmt.Errorf("%w: ends_at: %v", ErrInvalidConfig, err)
	}
	if !endsAt.After(startsAt) || s.DurationMinutes <= 0 {
		return model.ExamSchedule{}, fmt.Errorf("%w: schedule %s has an empty window", ErrInvalidConfig, s.ExamID)
	}

	status := model.ScheduleStatusScheduled
	if s.Status != "" {
		status = model.ScheduleStatus(s.Status)
	}
	return model.ExamSchedule{
		ExamID:          examID,
		PaperID:         paperID,
		Title:           s.Title,
		StartsAt:        startsAt,
		EndsAt:          endsAt,
		DurationMinutes: s.DurationMinutes,
		Status:          status,
	}, nil
}
