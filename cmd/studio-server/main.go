package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"studio/server/internal/api"
	"studio/server/internal/auth"
	"studio/server/internal/batch"
	"studio/server/internal/config"
	"studio/server/internal/events"
	"studio/server/internal/kv"
	"studio/server/internal/provider"
	"studio/server/internal/sequence"
	"studio/server/internal/telemetry"
)

const (
	mockLatency        = 1500 * time.Millisecond
	tokenPruneInterval = time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := telemetry.NewLogger(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *telemetry.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := kv.Open(ctx, kv.Options{
		Driver:      cfg.KVDriver,
		DSN:         cfg.KVDSN,
		RedisAddr:   cfg.RedisAddr,
		RedisPrefix: cfg.RedisPrefix,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	authSvc := auth.NewService(st, cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL)
	if err := authSvc.SeedOperator(cfg.OperatorEmail, cfg.OperatorPassword); err != nil {
		return err
	}

	go pruneRefreshTokens(ctx, authSvc, logger)

	hub := events.NewHub(events.TopicSequence)
	seq := sequence.NewSequencer(st, sequence.NewHubNotifier(hub), logger)

	var gen provider.Generator
	if cfg.GeneratorURL != "" {
		gen = provider.NewHTTPGenerator(cfg.GeneratorURL, cfg.GeneratorAPIKey, cfg.RequestTimeout)
	} else {
		gen = provider.NewMockGenerator(mockLatency)
	}
	batches := batch.NewDispatcher(gen, seq, hub, logger, batch.Options{
		RequestTimeout: cfg.RequestTimeout,
		MaxRuns:        cfg.MaxRuns,
	})
	defer batches.Close()

	srv := api.NewServer(authSvc, seq, batches, hub, logger, cfg.CORSOrigins)
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("server_start",
		"addr", cfg.Addr,
		"env", cfg.Env,
		"kv_driver", cfg.KVDriver,
		"operator", cfg.OperatorEmail,
		"generator", generatorName(cfg),
		"max_runs", cfg.MaxRuns,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("server_shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func generatorName(cfg config.Config) string {
	if cfg.GeneratorURL != "" {
		return "http"
	}
	return "mock"
}

// pruneRefreshTokens drops dead refresh tokens at startup and then hourly
// until ctx is done.
func pruneRefreshTokens(ctx context.Context, authSvc *auth.Service, logger *telemetry.Logger) {
	ticker := time.NewTicker(tokenPruneInterval)
	defer ticker.Stop()
	for {
		if n, err := authSvc.PruneRefreshTokens(ctx); err != nil {
			logger.Warn("refresh token prune failed", "error", err)
		} else if n > 0 {
			logger.Info("refresh tokens pruned", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
