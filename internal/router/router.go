package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Token   *handler.TokenHandler
	Session *handler.SessionHandler
	WS      *handler.WSHandler
	System  *handler.SystemHandler
}

// Services are the verifiers the auth middlewares need.
type Services struct {
	Auth  *service.AuthService
	Token *service.TokenService
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// tokenLimiter may be nil to disable rate limiting of token issuance.
func SetupRouter(
	services Services,
	handlers *Handlers,
	cfg *config.Config,
	mm *metrics.Manager,
	tokenLimiter *middleware.RateLimiter,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	validator.Setup()

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.GinMode != gin.TestMode {
		router.Use(gin.Logger())
	}

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID", middleware.HeaderExamToken}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	router.GET("/health", handlers.System.Health)
	if mm != nil {
		router.GET("/metrics", gin.WrapH(mm.Handler()))
	}

	api := router.Group("/api/v1")
	api.Use(middleware.NoStore())

	// ─── 1. Token issuance (identity JWT) ──────────────────────────────
	tokenRoutes := api.Group("/exams/:exam_id")
	tokenRoutes.Use(middleware.RequireIdentity(services.Auth))
	if tokenLimiter != nil {
		tokenRoutes.Use(tokenLimiter.Middleware())
	}
	{
		tokenRoutes.POST("/token", handlers.Token.IssueToken)
	}

	// ─── 2. Session routes (exam token) ────────────────────────────────
	requireExamToken := middleware.RequireExamToken(services.Token)

	api.POST("/exams/:exam_id/sessions", requireExamToken, handlers.Session.StartSession)

	sessions := api.Group("/sessions/:session_id")
	sessions.Use(requireExamToken)
	{
		sessions.GET("", handlers.Session.GetSession)
		sessions.POST("/answers", handlers.Session.SaveAnswer)
		sessions.GET("/progress", handlers.Session.GetProgress)
		sessions.POST("/submit", handlers.Session.SubmitSession)
		sessions.POST("/heartbeat", handlers.Session.Heartbeat)
		sessions.POST("/switch", handlers.Session.Switch)
	}

	// ─── 3. WebSocket (exam token in ?token=) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(requireExamToken)
	{
		ws.GET("/sessions/:session_id", handlers.WS.SessionStream)
	}

	return router
}
