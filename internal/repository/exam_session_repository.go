package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const sessionColumns = `id, exam_id, paper_id, subject_id, state, started_at, deadline_at,
	submitted_at, ended_at, termination_reason, violation_count, switch_count, last_heartbeat_at`

// ExamSessionRepository handles exam session data access.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

func scanSession(row pgx.Row) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := row.Scan(&s.ID, &s.ExamID, &s.PaperID, &s.SubjectID, &s.State, &s.StartedAt, &s.DeadlineAt,
		&s.SubmittedAt, &s.EndedAt, &s.TerminationReason, &s.ViolationCount, &s.SwitchCount, &s.LastHeartbeatAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// GetByID retrieves a session by its UUID.
func (r *ExamSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
}

// GetByExamAndSubject retrieves the session for a specific exam-subject combination.
func (r *ExamSessionRepository) GetByExamAndSubject(ctx context.Context, examID uuid.UUID, subjectID int) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE exam_id = $1 AND subject_id = $2`,
		examID, subjectID))
}

// Create inserts a new IN_PROGRESS session.
// Returns ErrConflict if the (exam, subject) pair already has one.
func (r *ExamSessionRepository) Create(ctx context.Context, s *model.ExamSession) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (id, exam_id, paper_id, subject_id, state, started_at, deadline_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (exam_id, subject_id) DO NOTHING
		 RETURNING id`,
		s.ID, s.ExamID, s.PaperID, s.SubjectID, s.State, s.StartedAt, s.DeadlineAt,
	).Scan(&s.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	return err
}

// Transition moves an IN_PROGRESS session to a terminal state.
// The UPDATE only matches while the row is still IN_PROGRESS, so exactly one
// concurrent caller wins; losers get ErrNotInProgress.
func (r *ExamSessionRepository) Transition(ctx context.Context, id uuid.UUID, to model.SessionState, at time.Time, reason *string) (*model.ExamSession, error) {
	if !to.IsTerminal() {
		return nil, fmt.Errorf("transition to non-terminal state %s", to)
	}

	s, err := scanSession(r.pool.QueryRow(ctx,
		`UPDATE exam_sessions
		 SET state = $2,
		     ended_at = $3,
		     submitted_at = CASE WHEN $2 = 'SUBMITTED' THEN $3 ELSE submitted_at END,
		     termination_reason = COALESCE($4, termination_reason)
		 WHERE id = $1
		   AND state = 'IN_PROGRESS'
		   AND ($2 <> 'TIMED_OUT' OR deadline_at <= $3)
		 RETURNING `+sessionColumns,
		id, to, at, reason))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotInProgress
	}
	return s, err
}

// TouchHeartbeat records a heartbeat. Timestamps never move backwards.
func (r *ExamSessionRepository) TouchHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET last_heartbeat_at = GREATEST(COALESCE(last_heartbeat_at, $2), $2)
		 WHERE id = $1 AND state = 'IN_PROGRESS'`,
		id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotInProgress
	}
	return nil
}

// IncrementSwitch atomically bumps the switch counter and returns the new value.
func (r *ExamSessionRepository) IncrementSwitch(ctx context.Context, id uuid.UUID) (int, error) {
	return r.increment(ctx, id, "switch_count")
}

// IncrementViolations atomically bumps the violation counter and returns the new value.
func (r *ExamSessionRepository) IncrementViolations(ctx context.Context, id uuid.UUID) (int, error) {
	return r.increment(ctx, id, "violation_count")
}

func (r *ExamSessionRepository) increment(ctx context.Context, id uuid.UUID, column string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE exam_sessions SET %[1]s = %[1]s + 1
		 WHERE id = $1 AND state = 'IN_PROGRESS'
		 RETURNING %[1]s`, column),
		id).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotInProgress
	}
	return n, err
}

// ListSilent returns one page of IN_PROGRESS sessions that have sent nothing
// since cutoff, ordered by (started_at, id) and strictly after the cursor.
func (r *ExamSessionRepository) ListSilent(ctx context.Context, cutoff time.Time, after model.SessionCursor, limit int) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE state = 'IN_PROGRESS'
		   AND GREATEST(started_at, COALESCE(last_heartbeat_at, started_at)) <= $1
		   AND (started_at, id) > ($2, $3)
		 ORDER BY started_at ASC, id ASC
		 LIMIT $4`, cutoff, after.StartedAt, after.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// ListOverdue returns ids of IN_PROGRESS sessions whose deadline is at or before now.
func (r *ExamSessionRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM exam_sessions
		 WHERE state = 'IN_PROGRESS' AND deadline_at <= $1
		 ORDER BY deadline_at ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
