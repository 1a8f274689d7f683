package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/policy"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

// sessionBackend is what the session manager and the proctoring monitor both
// need from the session store.
type sessionBackend interface {
	service.SessionStore
	proctor.SignalStore
	worker.OverdueLister
}

// stores bundles the storage backends selected by STORE_DRIVER.
type stores struct {
	sessions  sessionBackend
	schedules service.ScheduleReader
	answers   service.AnswerStore
	audit     proctor.AuditSink
	checks    map[string]handler.Pinger

	pool *pgxpool.Pool
	rdb  *redis.Client
}

func (s *stores) close() {
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("store", cfg.StoreDriver).
		Str("ledger", cfg.LedgerDriver).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Proctor")

	proctorCfg, err := config.LoadProctor(cfg.ProctorPolicyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load proctoring policy")
	}
	thresholds := policy.FromConfig(proctorCfg)
	log.Info().
		Dur("heartbeat_timeout", thresholds.HeartbeatTimeout).
		Int("max_missed_heartbeats", thresholds.MaxMissedHeartbeats).
		Int("switch_ceiling", thresholds.SwitchCeiling).
		Msg("Proctoring policy loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Storage ───────────────────────────────────────────────────────
	var st *stores
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		st, err = memoryStores(cfg)
	case config.StoreDriverPostgres:
		st, err = postgresStores(ctx, cfg, log)
	default:
		log.Fatal().Str("driver", cfg.StoreDriver).Msg("Unknown STORE_DRIVER")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer st.close()

	mm := metrics.NewManager()

	// ─── Proctoring Hub ───────────────────────────────────────────────
	hubOpts := []proctor.HubOption{proctor.WithHubMetrics(mm)}
	var relay *proctor.RedisRelay
	if st.rdb != nil {
		relay = proctor.NewRedisRelay(st.rdb, log)
		hubOpts = append(hubOpts, proctor.WithRelay(relay))
	}
	hub := proctor.NewHub(log, hubOpts...)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg.IdentityJWTSecret)
	tokenService := service.NewTokenService(st.schedules, cfg.ExamTokenSecret, cfg.ExamTokenTTL)
	ledger := service.NewAnswerLedger(st.answers, time.Now)
	sessionService := service.NewExamSessionService(
		st.sessions, st.schedules, tokenService, ledger, hub, log,
		service.WithMetrics(mm),
	)
	hub.SetSessionReader(sessionService)

	monitor := proctor.NewMonitor(hub, st.sessions, sessionService, thresholds, st.audit, log,
		proctor.WithMonitorMetrics(mm),
	)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Token:   handler.NewTokenHandler(tokenService, log),
		Session: handler.NewSessionHandler(sessionService, monitor, log),
		WS:      handler.NewWSHandler(sessionService, hub, monitor, log, cfg.AllowedOrigins),
		System:  handler.NewSystemHandler(st.checks, log),
	}

	// Token issuance signs with a shared secret; keep brute force in check.
	tokenLimiter := middleware.NewRateLimiter(20, time.Minute, middleware.ByClientIP)

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	run := func(start func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start(workerCtx)
		}()
	}

	run(tokenLimiter.RunCleanup)
	run(worker.NewDeadlineWorker(st.sessions, sessionService, cfg.SweepInterval, log).Start)
	run(worker.NewHeartbeatWatchdog(monitor, thresholds.HeartbeatTimeout/2, log).Start)
	if relay != nil {
		run(func(ctx context.Context) { relay.Run(ctx, hub) })
	}
	if st.pool != nil && st.rdb != nil {
		run(worker.NewProctorEventWorker(st.pool, st.rdb, mm, log).Start)
		if cfg.LedgerDriver == config.LedgerDriverRedis {
			run(worker.NewAutosaveWorker(repository.NewAnswerRepository(st.pool), st.rdb, mm, log).Start)
		}
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(router.Services{Auth: authService, Token: tokenService}, handlers, cfg, mm, tokenLimiter)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Hijacked websocket connections are not tracked by Shutdown.
	hub.Shutdown()

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	wg.Wait()

	log.Info().Msg("Shutdown complete")
}

func memoryStores(cfg *config.Config) (*stores, error) {
	schedules := repository.NewMemoryScheduleStore()
	if cfg.ScheduleSeedFile != "" {
		seed, err := config.LoadScheduleSeed(cfg.ScheduleSeedFile)
		if err != nil {
			return nil, err
		}
		if err := schedules.LoadSeed(seed); err != nil {
			return nil, err
		}
	}

	return &stores{
		sessions:  repository.NewMemorySessionStore(),
		schedules: schedules,
		answers:   repository.NewMemoryAnswerStore(),
		audit:     repository.NewMemoryAuditLog(0),
		checks:    map[string]handler.Pinger{},
	}, nil
}

func postgresStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*stores, error) {
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		pool.Close()
		return nil, err
	}

	var answers service.AnswerStore
	switch cfg.LedgerDriver {
	case config.LedgerDriverPostgres:
		answers = repository.NewAnswerRepository(pool)
	default:
		answers = repository.NewRedisAnswerLedger(rdb, repository.NewAnswerRepository(pool))
	}

	return &stores{
		sessions:  repository.NewExamSessionRepository(pool),
		schedules: repository.NewScheduleRepository(pool),
		answers:   answers,
		audit:     repository.NewAuditQueue(rdb),
		checks: map[string]handler.Pinger{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		pool: pool,
		rdb:  rdb,
	}, nil
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
