package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	// ContextKeyPrincipal is the Gin context key for the identity principal.
	ContextKeyPrincipal = "principal"
	// ContextKeyExamSubject is the Gin context key for a verified exam token.
	ContextKeyExamSubject = "exam_subject"
	// ContextKeyExamToken is the Gin context key for the raw exam token.
	ContextKeyExamToken = "exam_token"

	// HeaderExamToken carries the exam token on HTTP requests.
	HeaderExamToken = "X-Exam-Token"
)

// RequireIdentity validates the identity service's bearer JWT.
func RequireIdentity(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := bearerToken(c)
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		principal, err := authService.ValidateToken(tokenStr)
		if err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrUnauthorized)
			return
		}

		c.Set(ContextKeyPrincipal, principal)
		c.Next()
	}
}

// RequireExamToken verifies the exam token from the X-Exam-Token header, or
// from the ?token= query parameter for WebSocket upgrades that cannot set headers.
func RequireExamToken(tokenService *service.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := c.GetHeader(HeaderExamToken)
		if tokenStr == "" {
			tokenStr = c.Query("token")
		}
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		subject, err := tokenService.Verify(tokenStr)
		if err != nil {
			code := response.ErrTokenInvalid
			if errors.Is(err, service.ErrTokenExpired) {
				code = response.ErrTokenExpired
			}
			response.AbortFail(c, http.StatusUnauthorized, code)
			return
		}

		c.Set(ContextKeyExamSubject, subject)
		c.Set(ContextKeyExamToken, tokenStr)
		c.Next()
	}
}

// GetPrincipal retrieves the identity principal from the Gin context.
func GetPrincipal(c *gin.Context) *model.Principal {
	val, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return nil
	}
	p, _ := val.(*model.Principal)
	return p
}

// GetExamSubject retrieves the verified exam token subject from the Gin context.
func GetExamSubject(c *gin.Context) *model.TokenSubject {
	val, exists := c.Get(ContextKeyExamSubject)
	if !exists {
		return nil
	}
	s, _ := val.(*model.TokenSubject)
	return s
}

// GetExamToken returns the raw exam token the request was verified with.
func GetExamToken(c *gin.Context) string {
	return c.GetString(ContextKeyExamToken)
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
