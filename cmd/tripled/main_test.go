package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func newTestCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addStoreFlags(cmd)
	cmd.Flags().String("bind", ":8080", "")
	cmd.Flags().Bool("rate-limit-enabled", false, "")
	cmd.Flags().String("log-level", "info", "")
	if err := cmd.Flags().Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return cmd
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tripled.yaml")
	if err := os.WriteFile(path, []byte("backend: pebble\nbatch_threshold: 100\nbind: \":9000\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	configPath = path
	t.Cleanup(func() { configPath = "" })

	cmd := newTestCommand(t, "--batch-threshold=50", "--cycle-timeout=5s", "--otel-endpoint=collector:4318")
	cfg, err := loadConfig(cmd)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Backend != "pebble" {
		t.Errorf("backend = %q, want pebble from file", cfg.Backend)
	}
	if cfg.Bind != ":9000" {
		t.Errorf("bind = %q, want :9000 from file", cfg.Bind)
	}
	if cfg.BatchThreshold != 50 {
		t.Errorf("batch threshold = %d, want 50 from flag", cfg.BatchThreshold)
	}
	if cfg.CycleTimeout != 5*time.Second {
		t.Errorf("cycle timeout = %s, want 5s", cfg.CycleTimeout)
	}
	if !cfg.OTel.Enabled || cfg.OTel.Endpoint != "collector:4318" {
		t.Errorf("otel = %+v, want enabled with endpoint", cfg.OTel)
	}
}

func TestLoadConfigRejectsBadFlag(t *testing.T) {
	cmd := newTestCommand(t, "--backend=leveldb")
	if _, err := loadConfig(cmd); err == nil {
		t.Fatal("loadConfig accepted an unknown backend")
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"server": false, "exercise": false, "submit": false, "batch": false, "query": false, "stats": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}
