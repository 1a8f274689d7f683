package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ScheduleRepository reads exam schedules and enrollments owned by the admin console.
type ScheduleRepository struct {
	pool *pgxpool.Pool
}

// NewScheduleRepository creates a new ScheduleRepository.
func NewScheduleRepository(pool *pgxpool.Pool) *ScheduleRepository {
	return &ScheduleRepository{pool: pool}
}

// GetSchedule retrieves the schedule of an exam.
func (r *ScheduleRepository) GetSchedule(ctx context.Context, examID uuid.UUID) (*model.ExamSchedule, error) {
	s := &model.ExamSchedule{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, paper_id, title, starts_at, ends_at, duration_minutes, status
		 FROM exam_schedules WHERE id = $1`, examID,
	).Scan(&s.ExamID, &s.PaperID, &s.Title, &s.StartsAt, &s.EndsAt, &s.DurationMinutes, &s.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// IsEnrolled reports whether subjectID is enrolled in examID.
func (r *ScheduleRepository) IsEnrolled(ctx context.Context, examID uuid.UUID, subjectID int) (bool, error) {
	var enrolled bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM exam_enrollments WHERE exam_id = $1 AND subject_id = $2
		 )`, examID, subjectID,
	).Scan(&enrolled)
	return enrolled, err
}
