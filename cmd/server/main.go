package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"schooltrack/internal/chat"
	"schooltrack/internal/config"
	"schooltrack/internal/metrics"
	"schooltrack/internal/notify"
	"schooltrack/internal/queue"
	"schooltrack/internal/reconcile"
	"schooltrack/internal/store"
	"schooltrack/internal/student"
)

func main() {
	cfg := config.Load()

	logger := setupLogger(cfg.Env)
	log.Logger = logger

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg config.App, logger zerolog.Logger) error {
	metrics.Register()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Warn().Err(err).Msg("db not reachable")
	}
	if db == nil {
		return err
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "schooltrack:notifications")
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warn().Err(err).Str("tz", cfg.Timezone).Msg("timezone load failed, using local")
		loc = time.Local
	}

	repo := student.NewRepository(db.Client)
	scans := student.NewService(repo, loc)

	stats := chat.NewDeliveryStats()
	mgr := chat.NewManager(func() chat.Client {
		return chat.NewGatewayClient(cfg.GatewayURL, cfg.SessionDir, logger)
	}, cfg.SessionDir, stats, logger)
	mgr.SetTimings(cfg.HeartbeatEvery, cfg.StateTimeout, cfg.ResetRetryDelay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Start(ctx)
	defer mgr.Stop()

	dispatcher := chat.NewDispatcher(mgr, stats, cfg.CountryCode, loc, logger)
	notifier := notify.NewService(repo, dispatcher, logger)

	reconciler := reconcile.NewReconciler(repo, dispatcher, loc, logger)

	autoCheckout := reconcile.NewAutoCheckout(reconciler)
	if _, err := autoCheckout.Configure(nil, cfg.AutoCheckoutTime, nil); err != nil {
		logger.Warn().Err(err).Str("time", cfg.AutoCheckoutTime).Msg("invalid auto-checkout time, keeping default")
	}

	scheduler := reconcile.NewScheduler(reconciler, loc, reconcile.RealClock{}, logger)
	if err := scheduler.SetSweepTime(cfg.SweepTime); err != nil {
		logger.Warn().Err(err).Str("time", cfg.SweepTime).Msg("invalid sweep time, keeping default")
	}
	if cfg.SchedulerEnabled {
		scheduler.Start()
		defer scheduler.Stop()
	}

	// Drain queued scan notifications in-process: the chat session is a
	// process singleton, so dispatch cannot live in a separate worker.
	jobs, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	go func() {
		for job := range jobs {
			notifier.SendForStudent(ctx, job.StudentID, job.Status, job.Timestamp)
		}
	}()

	r := newRouter(cfg, logger, db, redisClient, q, repo, scans, mgr, dispatcher, notifier, reconciler, autoCheckout)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.HTTPPort).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server forced shutdown")
	}

	logger.Info().Msg("server exited")
	return nil
}

func setupLogger(env string) zerolog.Logger {
	if env == "production" || env == "prod" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger().Level(zerolog.DebugLevel)
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
