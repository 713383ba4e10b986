// Script Server
//
// Serves accounts, per-user script files and the interpreter over HTTP,
// with Prometheus metrics and structured logging (zap). Storage is
// PostgreSQL or an embedded SQLite file, picked from DATABASE_URL.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danpaxton/simple-script-ide/internal/api"
	"github.com/danpaxton/simple-script-ide/internal/auth"
	"github.com/danpaxton/simple-script-ide/internal/config"
	"github.com/danpaxton/simple-script-ide/internal/logging"
	"github.com/danpaxton/simple-script-ide/internal/metrics"
	"github.com/danpaxton/simple-script-ide/internal/store/backend"
	"github.com/danpaxton/simple-script-ide/pkg/retry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("script server starting...",
		zap.String("version", version),
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("base_path", cfg.BasePath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := retry.DefaultConfig()
	rc.MaxAttempts = 10
	st, err := backend.Open(ctx, cfg.DatabaseURL, rc)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer st.Close()

	api.Version = version
	authHandler := auth.New(st, cfg.JWTSecret, cfg.TokenTTL, cfg.RefreshWindow)
	srv := api.NewServer(st, authHandler, api.Config{
		BasePath:      cfg.BasePath,
		MaxSourceSize: cfg.MaxSourceSize,
		StepLimit:     cfg.InterpStepLimit,
		InterpTimeout: cfg.InterpTimeout,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		return serve(metricsServer)
	})
	g.Go(func() error {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		return serve(httpServer)
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(
			httpServer.Shutdown(shutdownCtx),
			metricsServer.Shutdown(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}

func serve(s *http.Server) error {
	if err := s.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
