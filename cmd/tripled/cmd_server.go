package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/tripled/internal/coordinator"
	"github.com/user/tripled/internal/lease"
	"github.com/user/tripled/internal/observability"
	"github.com/user/tripled/internal/scheduler"
	"github.com/user/tripled/internal/server"
	"github.com/user/tripled/internal/store"
)

var shutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the tripled server",
	RunE:  runServer,
}

func init() {
	addStoreFlags(serverCmd)
	serverCmd.Flags().String("bind", ":8080", "HTTP server bind address")
	serverCmd.Flags().Bool("rate-limit-enabled", false, "Enable per-client request rate limiting")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Time to drain requests and the in-flight write group on shutdown")
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	slog.Info("starting tripled server",
		"bind", cfg.Bind,
		"data_dir", cfg.DataDir,
		"backend", cfg.Backend,
		"shared_connection", cfg.SharedConnection,
		"batch_threshold", cfg.BatchThreshold,
		"cycle_timeout", cfg.CycleTimeout,
		"probe_interval", cfg.ProbeInterval,
		"otel_enabled", cfg.OTel.Enabled,
		"rate_limit_enabled", cfg.RateLimit.Enabled,
	)

	otelShutdown, err := observability.InitTracer(cfg.OTel)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	eng, err := store.Open(cfg.StoreConfig())
	if err != nil {
		return err
	}
	defer func() {
		slog.Info("stopping store")
		if err := eng.Close(); err != nil {
			slog.Error("store close", "error", err)
		}
	}()

	coord := coordinator.New(lease.New(eng), cfg.CoordinatorConfig())
	srv := server.New(coord, cfg.Bind, cfg.RateLimit)
	sched := scheduler.New(coord, coord, cfg.SchedulerConfig())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sched.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "reason", context.Cause(gctx))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := coord.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("coordinator close: %w", err))
		}
		return errors.Join(errs...)
	})

	slog.Info("tripled server ready", "bind", cfg.Bind)
	err = g.Wait()
	slog.Info("tripled server stopped")
	return err
}
