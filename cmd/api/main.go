package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/lendingops/internal/api"
	"github.com/punchamoorthee/lendingops/internal/config"
	"github.com/punchamoorthee/lendingops/internal/lending"
	"github.com/punchamoorthee/lendingops/internal/logger"
	"github.com/punchamoorthee/lendingops/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	zl, err := logger.New(logger.Options{Env: cfg.Env, Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatal(err)
	}
	defer zl.Sync() //nolint:errcheck

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer backend.Close()

	if err := backend.Migrate(ctx); err != nil {
		return err
	}

	coordinator, err := lending.NewCoordinator(backend,
		lending.WithLogger(zl.Named("lending")),
		lending.WithLoanPeriod(cfg.LoanPeriod()),
		lending.WithRetry(
			lending.WithMaxAttempts(cfg.RetryMaxAttempts),
			lending.WithBaseDelay(cfg.RetryBaseDelay),
		),
	)
	if err != nil {
		return err
	}

	auth, err := api.NewAuthenticator(cfg.JWTSecret)
	if err != nil {
		return err
	}

	handler := api.NewHandler(coordinator, zl.Named("http"))
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler, auth),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("server starting", zap.String("port", cfg.Port), zap.String("driver", cfg.DBDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
