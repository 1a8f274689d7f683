package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// TokenHandler issues exam tokens.
type TokenHandler struct {
	tokenService *service.TokenService
	log          zerolog.Logger
}

// NewTokenHandler creates a new TokenHandler.
func NewTokenHandler(tokenService *service.TokenService, log zerolog.Logger) *TokenHandler {
	return &TokenHandler{
		tokenService: tokenService,
		log:          log.With().Str("component", "token_handler").Logger(),
	}
}

// IssueToken godoc
// POST /api/v1/exams/:exam_id/token
// Mints an exam token for the authenticated subject.
func (h *TokenHandler) IssueToken(c *gin.Context) {
	principal := middleware.GetPrincipal(c)
	if principal == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	token, err := h.tokenService.Issue(c.Request.Context(), examID, *principal)
	if err != nil {
		failFromError(c, h.log, err)
		return
	}

	response.Success(c, http.StatusCreated, token)
}
