package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// finalFlushWait bounds how long a closing stream waits for queued events.
const finalFlushWait = 2 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler serves the real-time proctoring channel of a session.
type WSHandler struct {
	sessionService *service.ExamSessionService
	hub            *proctor.Hub
	monitor        *proctor.Monitor
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessionService *service.ExamSessionService, hub *proctor.Hub, monitor *proctor.Monitor, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessionService: sessionService,
		hub:            hub,
		monitor:        monitor,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/sessions/:session_id?token=...
// Subscribes to the session's progress and warning topics and accepts
// heartbeat and switch signals. Closing the socket never ends the session.
func (h *WSHandler) SessionStream(c *gin.Context) {
	subject := middleware.GetExamSubject(c)
	if subject == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Ownership and deadline are checked before the upgrade so failures are plain HTTP errors.
	session, err := h.sessionService.Authorize(ctx, sessionID, *subject)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	sub, err := h.hub.Subscribe(ctx, sessionID)
	if err != nil {
		if errors.Is(err, proctor.ErrSessionNotOpen) {
			response.Fail(c, http.StatusConflict, response.ErrSessionClosed)
			return
		}
		failFromError(c, h.log, err)
		return
	}
	defer sub.Close()

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.NewConnection(raw)
	defer conn.Close()

	wsLog := logger.ForSession(h.log, session.ID, session.ExamID, session.SubjectID)
	wsLog.Info().Msg("Subject connected")

	streamDone := make(chan struct{})
	go h.forward(conn, sub, streamDone)

	readErr := make(chan error, 1)
	go func() { readErr <- h.readLoop(ctx, conn, sessionID, *subject, wsLog) }()

	select {
	case <-streamDone:
		// Final notice delivered, or the hub dropped us.
		conn.Flush(finalFlushWait)
		wsLog.Debug().Msg("Stream ended by hub")
	case err := <-readErr:
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			wsLog.Warn().Err(err).Msg("Unexpected close")
		} else {
			wsLog.Debug().Msg("Connection closed")
		}
	case <-conn.Done():
		wsLog.Debug().Msg("Writer stopped")
	}
}

// forward copies hub events to the socket until the subscription closes.
func (h *WSHandler) forward(conn *ws.Connection, sub *proctor.Subscription, done chan<- struct{}) {
	defer close(done)
	for ev := range sub.Events() {
		if err := conn.Send(ev); err != nil {
			return
		}
	}
}

func (h *WSHandler) readLoop(ctx context.Context, conn *ws.Connection, sessionID uuid.UUID, subject model.TokenSubject, wsLog zerolog.Logger) error {
	for {
		var msg ws.RequestEnvelope
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		switch msg.Action {
		case ws.ActionPing:
			conn.Send(ws.PongResponse{Event: ws.EventPong})
		case ws.ActionHeartbeat:
			h.handleSignal(ctx, conn, sessionID, subject, func(s *model.ExamSession) error {
				return h.monitor.Heartbeat(ctx, s)
			})
		case ws.ActionSwitch:
			h.handleSignal(ctx, conn, sessionID, subject, func(s *model.ExamSession) error {
				_, err := h.monitor.Switch(ctx, s, msg.Payload)
				return err
			})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			conn.SendError("unknown action: " + string(msg.Action))
		}
	}
}

// handleSignal re-reads the session for every signal since it may have ended
// since the last one.
func (h *WSHandler) handleSignal(ctx context.Context, conn *ws.Connection, sessionID uuid.UUID, subject model.TokenSubject, fn func(*model.ExamSession) error) {
	session, err := h.sessionService.Authorize(ctx, sessionID, subject)
	if err == nil {
		err = fn(session)
	}
	switch {
	case err == nil:
	case errors.Is(err, service.ErrSessionClosed):
		conn.SendError(response.GetMessage(response.ErrSessionClosed))
	default:
		h.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Signal failed")
		conn.SendError(response.GetMessage(response.ErrInternal))
	}
}
