package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// ExamSessionService is the session state machine. Every transition out of
// IN_PROGRESS goes through SessionStore.Transition, so exactly one terminal
// state is ever recorded per session. Deadlines are checked lazily on every
// entry point: an overdue session is expired before the call is rejected.
type ExamSessionService struct {
	sessions  SessionStore
	schedules ScheduleReader
	tokens    *TokenService
	ledger    *AnswerLedger
	publisher Publisher
	metrics   *metrics.Manager
	now       Clock
	log       zerolog.Logger
}

// SessionOption configures an ExamSessionService.
type SessionOption func(*ExamSessionService)

// WithSessionClock overrides time.Now.
func WithSessionClock(c Clock) SessionOption {
	return func(s *ExamSessionService) { s.now = c }
}

// WithMetrics records session metrics on m.
func WithMetrics(m *metrics.Manager) SessionOption {
	return func(s *ExamSessionService) { s.metrics = m }
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	sessions SessionStore,
	schedules ScheduleReader,
	tokens *TokenService,
	ledger *AnswerLedger,
	publisher Publisher,
	log zerolog.Logger,
	opts ...SessionOption,
) *ExamSessionService {
	s := &ExamSessionService{
		sessions:  sessions,
		schedules: schedules,
		tokens:    tokens,
		ledger:    ledger,
		publisher: publisher,
		now:       time.Now,
		log:       log.With().Str("component", "session_manager").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start creates the session for the token's (exam, subject) pair, or returns
// the existing one while it is still open. Starting twice yields the same session.
func (s *ExamSessionService) Start(ctx context.Context, token string) (*model.StartSessionResponse, error) {
	subject, err := s.tokens.Verify(token)
	if err != nil {
		return nil, err
	}

	existing, err := s.sessions.GetByExamAndSubject(ctx, subject.ExamID, subject.SubjectID)
	switch {
	case err == nil:
		return s.resume(ctx, existing)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("check existing session: %w", err)
	}

	schedule, err := s.schedules.GetSchedule(ctx, subject.ExamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotEligible
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}

	now := s.now()
	if !schedule.ActiveAt(now) {
		return nil, fmt.Errorf("%w: exam window is not open", ErrUnauthorized)
	}

	session := &model.ExamSession{
		ID:         uuid.New(),
		ExamID:     subject.ExamID,
		PaperID:    schedule.PaperID,
		SubjectID:  subject.SubjectID,
		State:      model.SessionStateInProgress,
		StartedAt:  now,
		DeadlineAt: schedule.DeadlineFor(now),
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("create session: %w", err)
		}
		// Concurrent start: the other request created it first.
		existing, fetchErr := s.sessions.GetByExamAndSubject(ctx, subject.ExamID, subject.SubjectID)
		if fetchErr != nil {
			return nil, fmt.Errorf("concurrent start detected, but fetch failed: %w", fetchErr)
		}
		return s.resume(ctx, existing)
	}

	s.metrics.SessionStarted()
	s.sessionLog(session).Info().Time("deadline_at", session.DeadlineAt).Msg("Session started")

	return startResponse(session), nil
}

func (s *ExamSessionService) resume(ctx context.Context, session *model.ExamSession) (*model.StartSessionResponse, error) {
	session, err := s.settle(ctx, session)
	if err != nil {
		return nil, err
	}
	if session.State != model.SessionStateInProgress {
		return nil, ErrSessionClosed
	}
	return startResponse(session), nil
}

func startResponse(s *model.ExamSession) *model.StartSessionResponse {
	return &model.StartSessionResponse{
		SessionID:  s.ID,
		PaperID:    s.PaperID,
		State:      s.State,
		DeadlineAt: s.DeadlineAt,
	}
}

// Authorize loads a session on behalf of a token subject. The subject must
// own the session. An overdue session is expired before it is returned.
func (s *ExamSessionService) Authorize(ctx context.Context, sessionID uuid.UUID, subject model.TokenSubject) (*model.ExamSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session.ExamID != subject.ExamID || session.SubjectID != subject.SubjectID {
		return nil, fmt.Errorf("%w: token does not match session", ErrUnauthorized)
	}
	return s.settle(ctx, session)
}

// Current returns the session with the deadline applied, without an ownership check.
// Used by server-side components such as the proctoring monitor.
func (s *ExamSessionService) Current(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s.settle(ctx, session)
}

// settle expires the session first when its deadline has passed.
func (s *ExamSessionService) settle(ctx context.Context, session *model.ExamSession) (*model.ExamSession, error) {
	if !session.Overdue(s.now()) {
		return session, nil
	}
	expired, err := s.expire(ctx, session.ID)
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		return nil, err
	}
	return expired, nil
}

// RecordAnswer saves an answer while the session is open and broadcasts the new progress.
func (s *ExamSessionService) RecordAnswer(ctx context.Context, sessionID uuid.UUID, subject model.TokenSubject, questionID uuid.UUID, answerText string) (*model.ProgressView, error) {
	session, err := s.Authorize(ctx, sessionID, subject)
	if err != nil {
		return nil, err
	}
	if !session.Open(s.now()) {
		return nil, ErrSessionClosed
	}
	if questionID == uuid.Nil || strings.TrimSpace(answerText) == "" {
		return nil, fmt.Errorf("%w: question id and answer text are required", ErrValidation)
	}

	progress, err := s.ledger.Save(ctx, sessionID, questionID, answerText)
	if err != nil {
		return nil, err
	}

	s.metrics.AnswerSaved()
	s.publisher.PublishProgress(ctx, sessionID, progress.Answered)
	return progress, nil
}

// Progress returns the distinct-answer count. It works on closed sessions too.
func (s *ExamSessionService) Progress(ctx context.Context, sessionID uuid.UUID, subject model.TokenSubject) (*model.ProgressView, error) {
	if _, err := s.Authorize(ctx, sessionID, subject); err != nil {
		return nil, err
	}
	return s.ledger.Progress(ctx, sessionID)
}

// Info is the read-through view a reloading client uses to restore its state.
func (s *ExamSessionService) Info(ctx context.Context, sessionID uuid.UUID, subject model.TokenSubject) (*model.SessionInfo, error) {
	session, err := s.Authorize(ctx, sessionID, subject)
	if err != nil {
		return nil, err
	}

	progress, err := s.ledger.Progress(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	remaining := 0.0
	if session.State == model.SessionStateInProgress {
		remaining = session.DeadlineAt.Sub(s.now()).Seconds()
		if remaining < 0 {
			remaining = 0
		}
	}

	return &model.SessionInfo{
		SessionID:        session.ID,
		ExamID:           session.ExamID,
		PaperID:          session.PaperID,
		State:            session.State,
		StartedAt:        session.StartedAt,
		DeadlineAt:       session.DeadlineAt,
		RemainingSeconds: remaining,
		Answered:         progress.Answered,
		SwitchCount:      session.SwitchCount,
		ViolationCount:   session.ViolationCount,
	}, nil
}

// Submit moves the session to SUBMITTED. Submitting an already submitted
// session succeeds without changes. If the session ended as TIMED_OUT or
// TERMINATED the result carries that final state together with ErrSessionClosed.
func (s *ExamSessionService) Submit(ctx context.Context, sessionID uuid.UUID, subject model.TokenSubject) (*model.SubmitResult, error) {
	session, err := s.Authorize(ctx, sessionID, subject)
	if err != nil {
		return nil, err
	}

	if session.State == model.SessionStateInProgress {
		updated, err := s.sessions.Transition(ctx, sessionID, model.SessionStateSubmitted, s.now(), nil)
		switch {
		case err == nil:
			s.closed(ctx, updated)
			return submitResult(updated), nil
		case errors.Is(err, repository.ErrNotInProgress):
			// Lost the race against expire or terminate; report what won.
			if session, err = s.sessions.GetByID(ctx, sessionID); err != nil {
				return nil, fmt.Errorf("reload session: %w", err)
			}
		default:
			return nil, fmt.Errorf("submit session: %w", err)
		}
	}

	if session.State == model.SessionStateSubmitted {
		return submitResult(session), nil
	}
	return submitResult(session), ErrSessionClosed
}

func submitResult(s *model.ExamSession) *model.SubmitResult {
	return &model.SubmitResult{
		SessionID: s.ID,
		State:     s.State,
		Closed:    s.State != model.SessionStateSubmitted,
	}
}

// Expire moves an overdue session to TIMED_OUT. It returns ErrDeadlineNotReached
// for a session still on time and ErrSessionClosed when another terminal
// transition landed first.
func (s *ExamSessionService) Expire(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if session.State.IsTerminal() {
		return session, ErrSessionClosed
	}
	if !session.Overdue(s.now()) {
		return session, ErrDeadlineNotReached
	}
	return s.expire(ctx, sessionID)
}

func (s *ExamSessionService) expire(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	updated, err := s.sessions.Transition(ctx, sessionID, model.SessionStateTimedOut, s.now(), nil)
	if err != nil {
		if !errors.Is(err, repository.ErrNotInProgress) {
			return nil, fmt.Errorf("expire session: %w", err)
		}
		current, fetchErr := s.sessions.GetByID(ctx, sessionID)
		if fetchErr != nil {
			return nil, fmt.Errorf("reload session: %w", fetchErr)
		}
		return current, ErrSessionClosed
	}

	s.closed(ctx, updated)
	return updated, nil
}

// Terminate ends a running session for a policy violation and broadcasts the
// termination notice. A session that already reached a terminal state is left
// untouched and ErrSessionClosed is returned.
func (s *ExamSessionService) Terminate(ctx context.Context, sessionID uuid.UUID, reason string) (*model.ExamSession, error) {
	session, err := s.Current(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != model.SessionStateInProgress {
		return session, ErrSessionClosed
	}

	updated, err := s.sessions.Transition(ctx, sessionID, model.SessionStateTerminated, s.now(), &reason)
	if err != nil {
		if errors.Is(err, repository.ErrNotInProgress) {
			return session, ErrSessionClosed
		}
		return nil, fmt.Errorf("terminate session: %w", err)
	}

	s.metrics.Terminated(reason)
	s.closed(ctx, updated)
	return updated, nil
}

func (s *ExamSessionService) closed(ctx context.Context, session *model.ExamSession) {
	s.metrics.SessionClosed(string(session.State))

	l := s.sessionLog(session)
	ev := l.Info().Str("state", string(session.State))
	if session.TerminationReason != nil {
		ev = l.Warn().Str("state", string(session.State)).Str("reason", *session.TerminationReason)
	}
	ev.Msg("Session closed")

	s.publisher.PublishClosed(ctx, session)
}

func (s *ExamSessionService) sessionLog(session *model.ExamSession) *zerolog.Logger {
	l := logger.ForSession(s.log, session.ID, session.ExamID, session.SubjectID)
	return &l
}
