package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func newFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	flags.String("meta-dir", "./meta", "")
	flags.String("env-file", ".env", "")
	flags.Bool("show-progress", true, "")
	flags.String("db", "./osspipe.db", "")
	flags.Duration("snapshot-interval", 10*time.Second, "")
	flags.String("metrics-addr", "", "")
	return flags
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", newFlags())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Snapshot.Interval != 10*time.Second {
		t.Errorf("Snapshot.Interval = %v, want 10s", cfg.Snapshot.Interval)
	}
	if cfg.Store.Path != "./osspipe.db" || cfg.LogLevel != "info" || !cfg.ShowProgress {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadFileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("log_level: debug\nmeta_dir: /var/lib/osspipe\nsnapshot:\n  interval: 2s\nmetrics:\n  addr: \":9090\"\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	flags := newFlags()
	if err := flags.Parse([]string{"--log-level=warn", "--db=/tmp/x.db"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, flags)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want flag value warn", cfg.LogLevel)
	}
	if cfg.MetaDir != "/var/lib/osspipe" {
		t.Errorf("MetaDir = %q", cfg.MetaDir)
	}
	if cfg.Snapshot.Interval != 2*time.Second {
		t.Errorf("Snapshot.Interval = %v, want 2s", cfg.Snapshot.Interval)
	}
	if cfg.Store.Path != "/tmp/x.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("Metrics.Addr = %q", cfg.Metrics.Addr)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "log level", args: []string{"--log-level=verbose"}},
		{name: "interval", args: []string{"--snapshot-interval=1ms"}},
		{name: "meta dir", args: []string{"--meta-dir="}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags := newFlags()
			if err := flags.Parse(tt.args); err != nil {
				t.Fatal(err)
			}
			if _, err := Load("", flags); err == nil {
				t.Error("Load() error = nil, want validation error")
			}
		})
	}
}
