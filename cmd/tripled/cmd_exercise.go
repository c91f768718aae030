package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/tripled/internal/coordinator"
	"github.com/user/tripled/internal/cycle"
	"github.com/user/tripled/internal/lease"
	"github.com/user/tripled/internal/observability"
	"github.com/user/tripled/internal/store"
)

var (
	exerciseBatchSize   int
	exerciseDropPartial bool
)

var exerciseCmd = &cobra.Command{
	Use:   "exercise <dir>",
	Short: "Load .ttl files in batches with interleaved queries and report the cycle",
	Long: "exercise walks dir for .ttl files, submits their statements as batches of\n" +
		"--batch-size, runs a query after every batch and every --probe-interval, and\n" +
		"ends when every batch has reported or --cycle-timeout expires.",
	Args: cobra.ExactArgs(1),
	RunE: runExercise,
}

func init() {
	addStoreFlags(exerciseCmd)
	exerciseCmd.Flags().IntVar(&exerciseBatchSize, "batch-size", 3000, "Statements per submitted batch")
	exerciseCmd.Flags().BoolVar(&exerciseDropPartial, "drop-partial", false, "Skip each file's trailing batch smaller than --batch-size")
	rootCmd.AddCommand(exerciseCmd)
}

func runExercise(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	updates, err := cycle.LoadUpdates(args[0], exerciseBatchSize, exerciseDropPartial)
	if err != nil {
		return err
	}
	slog.Info("updates loaded", "dir", args[0], "batches", len(updates))

	otelShutdown, err := observability.InitTracer(cfg.OTel)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer otelShutdown(context.Background())

	eng, err := store.Open(cfg.StoreConfig())
	if err != nil {
		return err
	}
	defer eng.Close()

	coord := coordinator.New(lease.New(eng), cfg.CoordinatorConfig())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		coord.Close(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := cycle.Run(ctx, coord, updates, cycle.Options{
		Timeout:       cfg.CycleTimeout,
		ProbeInterval: cfg.ProbeInterval,
		Query:         cfg.ProbeQuery,
		QueryTimeout:  cfg.QueryTimeout,
	})
	if report != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(report)
	}
	if err != nil {
		return err
	}
	if !report.OK() {
		return errors.New("exercise cycle did not complete cleanly")
	}
	return nil
}
