package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// maxSwitchBody bounds the optional switch payload.
const maxSwitchBody = 4 << 10

// SessionHandler serves the exam session endpoints. Every route runs behind
// RequireExamToken.
type SessionHandler struct {
	sessionService *service.ExamSessionService
	monitor        *proctor.Monitor
	log            zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessionService *service.ExamSessionService, monitor *proctor.Monitor, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		monitor:        monitor,
		log:            log.With().Str("component", "session_handler").Logger(),
	}
}

// StartSession godoc
// POST /api/v1/exams/:exam_id/sessions
// Creates the session or resumes the running one (idempotent).
func (h *SessionHandler) StartSession(c *gin.Context) {
	subject := middleware.GetExamSubject(c)
	if subject == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	if examID != subject.ExamID {
		response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized)
		return
	}

	started, err := h.sessionService.Start(c.Request.Context(), middleware.GetExamToken(c))
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, started)
}

// GetSession godoc
// GET /api/v1/sessions/:session_id
// Returns the session state a reloading client restores from.
func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID, subject, ok := h.scope(c)
	if !ok {
		return
	}

	info, err := h.sessionService.Info(c.Request.Context(), sessionID, *subject)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, info)
}

// SaveAnswer godoc
// POST /api/v1/sessions/:session_id/answers
// Upserts one answer and returns the distinct-answer count.
func (h *SessionHandler) SaveAnswer(c *gin.Context) {
	sessionID, subject, ok := h.scope(c)
	if !ok {
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	questionID, err := uuid.Parse(req.QuestionID)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	progress, err := h.sessionService.RecordAnswer(c.Request.Context(), sessionID, *subject, questionID, req.AnswerText)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, progress)
}

// GetProgress godoc
// GET /api/v1/sessions/:session_id/progress
// Pull fallback for the progress topic.
func (h *SessionHandler) GetProgress(c *gin.Context) {
	sessionID, subject, ok := h.scope(c)
	if !ok {
		return
	}

	progress, err := h.sessionService.Progress(c.Request.Context(), sessionID, *subject)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, progress)
}

// SubmitSession godoc
// POST /api/v1/sessions/:session_id/submit
// Submits the session. A session that already ended is reported with
// closed=true and status 200 so clients do not retry.
func (h *SessionHandler) SubmitSession(c *gin.Context) {
	sessionID, subject, ok := h.scope(c)
	if !ok {
		return
	}

	result, err := h.sessionService.Submit(c.Request.Context(), sessionID, *subject)
	if err != nil && !(errors.Is(err, service.ErrSessionClosed) && result != nil) {
		failFromError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, result)
}

// Heartbeat godoc
// POST /api/v1/sessions/:session_id/heartbeat
// HTTP fallback for the heartbeat signal.
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	sessionID, subject, ok := h.scope(c)
	if !ok {
		return
	}

	session, err := h.sessionService.Authorize(c.Request.Context(), sessionID, *subject)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}
	if err := h.monitor.Heartbeat(c.Request.Context(), session); err != nil {
		failFromError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"session_id": sessionID, "state": session.State})
}

// Switch godoc
// POST /api/v1/sessions/:session_id/switch
// HTTP fallback for the tab/window switch signal. The body is optional.
func (h *SessionHandler) Switch(c *gin.Context) {
	sessionID, subject, ok := h.scope(c)
	if !ok {
		return
	}

	var req model.SwitchRequest
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSwitchBody))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrInvalidPayload, validator.TranslateErrors(err))
			return
		}
	}

	session, err := h.sessionService.Authorize(c.Request.Context(), sessionID, *subject)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	decision, err := h.monitor.Switch(c.Request.Context(), session, req.Payload)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"session_id": sessionID,
		"outcome":    decision.Outcome.String(),
		"message":    decision.Message,
	})
}

func (h *SessionHandler) scope(c *gin.Context) (uuid.UUID, *model.TokenSubject, bool) {
	subject := middleware.GetExamSubject(c)
	if subject == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return uuid.Nil, nil, false
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return uuid.Nil, nil, false
	}
	return sessionID, subject, true
}
