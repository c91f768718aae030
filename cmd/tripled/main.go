package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/tripled/internal/config"
)

var (
	logLevel   string
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tripled",
	Short: "tripled: a triple store daemon with serialized batch writes",
	Long: "tripled applies batched RDF updates one transaction at a time and runs\n" +
		"read queries alongside them without ever sharing the store handle unsafely.",
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (or set TRIPLED_CONFIG)")
}

func setupLogging(name string) {
	var level slog.Level
	switch strings.ToLower(name) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads the config file and applies flags the user set
// explicitly, which win over the file and the environment.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("TRIPLED_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
		setupLogging(cfg.LogLevel)
	}
	return cfg, nil
}

// storeFlags are shared by every command that opens the store.
func addStoreFlags(cmd *cobra.Command) {
	def := config.Default()
	cmd.Flags().String("data-dir", def.DataDir, "Directory for store files")
	cmd.Flags().String("backend", def.Backend, "Store engine: sqlite, pebble or badger")
	cmd.Flags().Bool("shared-connection", false, "sqlite only: use one connection for reads and writes")
	cmd.Flags().Bool("nosync", false, "Skip fsync on commit for the key-value engines")
	cmd.Flags().Int("batch-threshold", def.BatchThreshold, "Statements per write transaction")
	cmd.Flags().Duration("cycle-timeout", def.CycleTimeout, "Safety bound of a run cycle")
	cmd.Flags().Duration("probe-interval", def.ProbeInterval, "Read probe cadence while batches are outstanding")
	cmd.Flags().Duration("query-timeout", def.QueryTimeout, "Default lease wait for queries")
	cmd.Flags().Bool("otel-enabled", false, "Enable OpenTelemetry tracing")
	cmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	fs := cmd.Flags()
	var err error
	set := func(name string, apply func() error) {
		if err == nil && fs.Lookup(name) != nil && fs.Changed(name) {
			err = apply()
		}
	}
	set("data-dir", func() (e error) { cfg.DataDir, e = fs.GetString("data-dir"); return })
	set("backend", func() (e error) { cfg.Backend, e = fs.GetString("backend"); return })
	set("shared-connection", func() (e error) { cfg.SharedConnection, e = fs.GetBool("shared-connection"); return })
	set("nosync", func() (e error) { cfg.NoSync, e = fs.GetBool("nosync"); return })
	set("bind", func() (e error) { cfg.Bind, e = fs.GetString("bind"); return })
	set("batch-threshold", func() (e error) { cfg.BatchThreshold, e = fs.GetInt("batch-threshold"); return })
	set("cycle-timeout", func() (e error) { cfg.CycleTimeout, e = fs.GetDuration("cycle-timeout"); return })
	set("probe-interval", func() (e error) { cfg.ProbeInterval, e = fs.GetDuration("probe-interval"); return })
	set("query-timeout", func() (e error) { cfg.QueryTimeout, e = fs.GetDuration("query-timeout"); return })
	set("otel-enabled", func() (e error) { cfg.OTel.Enabled, e = fs.GetBool("otel-enabled"); return })
	set("otel-endpoint", func() (e error) {
		cfg.OTel.Endpoint, e = fs.GetString("otel-endpoint")
		if cfg.OTel.Endpoint != "" {
			cfg.OTel.Enabled = true
		}
		return
	})
	set("rate-limit-enabled", func() (e error) { cfg.RateLimit.Enabled, e = fs.GetBool("rate-limit-enabled"); return })
	return err
}
