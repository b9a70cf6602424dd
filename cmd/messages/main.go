package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"e2ee-messages/internal/authz"
	"e2ee-messages/internal/config"
	"e2ee-messages/internal/db"
	"e2ee-messages/internal/envelope"
	"e2ee-messages/internal/expiry"
	"e2ee-messages/internal/keyring"
	"e2ee-messages/internal/lock"
	"e2ee-messages/internal/observability/logging"
	"e2ee-messages/internal/observability/metrics"
	"e2ee-messages/internal/service"
	"e2ee-messages/internal/store"
	transport "e2ee-messages/internal/transport/http"
)

func main() {
	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "messages",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	slog.SetDefault(logger)
	metrics.MustRegister("messages")

	logger.Info("starting service")

	if cfg.JWTSecret == "" {
		logger.Error("MESSAGES_JWT_SECRET is required")
		os.Exit(1)
	}

	gdb, err := db.OpenGorm(db.Config{
		DSN:          cfg.DatabaseURL,
		LogSQL:       cfg.LogSQL,
		MaxOpenConns: cfg.DBMaxConns,
	})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		logger.Error("sql db", "error", err)
		os.Exit(1)
	}
	defer sqlDB.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := store.New(gdb)
	if err := st.AutoMigrate(ctx); err != nil {
		logger.Error("auto migrate", "error", err)
		os.Exit(1)
	}

	svc := service.New(service.Deps{
		Messages: st.Messages(),
		Parties:  st.Parties(),
		Crypto:   envelope.New(),
		Keys:     keyring.Session{},
	}, service.Options{
		OpTimeout:       cfg.OpTimeout,
		PageSizeDefault: cfg.PageSizeDefault,
		PageSizeMax:     cfg.PageSizeMax,
	})

	sweeper := expiry.NewSweeper(st.Messages(), cfg.PurgeInterval, cfg.PurgeBatch, logger)
	if cfg.RedisAddr != "" {
		rdb, err := lock.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Error("redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		sweeper.WithLocker(lock.NewRedisLocker(rdb))
		logger.Info("expiry sweep lease enabled", "redis_addr", cfg.RedisAddr)
	}
	go func() {
		if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("expiry sweeper stopped", "error", err)
		}
	}()

	handler := transport.NewRouter(svc, transport.Options{
		Auth:        authz.NewHMACValidator(cfg.JWTSecret, cfg.JWTIssuer).Middleware,
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.RateLimit,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("messages service listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
		logger.Info("messages service stopped")
	}
}
