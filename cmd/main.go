package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"osspipe/internal/config"
	"osspipe/internal/engine"
	"osspipe/internal/logger"
	"osspipe/internal/metrics"
	"osspipe/internal/progress"
	"osspipe/internal/store"
	"osspipe/internal/task"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "osspipe",
	Short: "Run resumable object storage transfer and compare tasks",
	Long: `A task engine for copying and comparing S3 compatible buckets. Tasks are
persisted, checkpointed while they run and resume from their last checkpoint.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (YAML)")
	flags.String("log-level", "info", "Log level (debug/info/warn/error)")
	flags.String("meta-dir", "./meta", "Parent directory of task metadata")
	flags.String("env-file", ".env", "Environment file expanded into task definitions")
	flags.Bool("show-progress", true, "Show progress display while tasks run")
	flags.String("db", "./osspipe.db", "Task database file")
	flags.Duration("snapshot-interval", engine.DefaultSnapshotInterval, "Checkpoint snapshot interval")
	flags.String("metrics-addr", "", "Serve prometheus metrics on this address")

	rootCmd.AddCommand(
		createCmd, updateCmd, listCmd, showCmd, statusCmd,
		checkpointCmd, analyzeCmd, removeCmd, startCmd, stopCmd, reconcileCmd,
	)
}

// runtime is everything a command needs, built from the loaded config
type runtime struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *store.SQLiteStore
	metrics *metrics.Collector
	manager *engine.Manager
}

func setup(cmd *cobra.Command) (*runtime, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}

	collector := metrics.New(prometheus.NewRegistry())
	manager, err := engine.NewManager(s, engine.Options{
		MetaDir:          cfg.MetaDir,
		LockPath:         cfg.Store.Path + ".lock",
		Logger:           log,
		Metrics:          collector,
		SnapshotInterval: cfg.Snapshot.Interval,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	return &runtime{cfg: cfg, log: log, store: s, metrics: collector, manager: manager}, nil
}

func (r *runtime) Close() {
	if err := r.manager.Close(); err != nil {
		r.log.Error("Error releasing engine lock", zap.Error(err))
	}
	if err := r.store.Close(); err != nil {
		r.log.Error("Error closing task store", zap.Error(err))
	}
	r.log.Sync()
}

// withRuntime adapts a command body that needs the runtime
func withRuntime(fn func(ctx context.Context, r *runtime, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		r, err := setup(cmd)
		if err != nil {
			return err
		}
		defer r.Close()
		return fn(cmd.Context(), r, args)
	}
}

// readDefinition reads a YAML definition, expanding ${VAR} from the
// environment and the env file
func readDefinition(cfg *config.Config, path string) (task.Definition, error) {
	if cfg.EnvFile != "" {
		if _, err := os.Stat(cfg.EnvFile); err == nil {
			if err := godotenv.Load(cfg.EnvFile); err != nil {
				return task.Definition{}, fmt.Errorf("failed to load env file: %w", err)
			}
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return task.Definition{}, fmt.Errorf("failed to read definition: %w", err)
	}
	return task.ParseDefinitionYAML([]byte(os.ExpandEnv(string(data))))
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// runForeground starts the tasks and blocks until all of them stop. A signal
// stops every task with ProcessTerminating; a second one aborts the workers.
func runForeground(ctx context.Context, r *runtime, ids []string) error {
	if n, err := r.manager.Reconcile(ctx); err != nil {
		return err
	} else if n > 0 {
		r.log.Warn("Reconciled tasks left running by a previous process", zap.Int("tasks", n))
	}

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go r.manager.Snapshotter().Run(bgCtx)
	go r.manager.WatchStopRequests(bgCtx, time.Second)
	if r.cfg.Metrics.Addr != "" {
		go func() {
			if err := r.metrics.StartServer(bgCtx, r.cfg.Metrics.Addr, r.log); err != nil {
				r.log.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	var startErrs []error
	for _, id := range ids {
		if err := r.manager.Start(ctx, id); err != nil {
			startErrs = append(startErrs, fmt.Errorf("failed to start %s: %w", id, err))
		}
	}
	if len(r.manager.LiveTasks()) == 0 {
		return errors.Join(startErrs...)
	}

	if r.cfg.ShowProgress && progress.IsTerminalSupported() {
		display := progress.NewDisplay(os.Stdout, 2*time.Second, func() []progress.Entry {
			return liveEntries(r.manager)
		})
		display.Start()
		defer display.Stop()
	}

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	waitCtx, abort := context.WithCancel(context.Background())
	defer abort()
	go func() {
		select {
		case <-sigChan:
		case <-waitCtx.Done():
			return
		}
		r.log.Info("Received shutdown signal, stopping tasks...")
		r.manager.StopAll(task.ReasonProcessTerminating)

		select {
		case <-sigChan:
			r.log.Warn("Received second signal, aborting workers")
			abort()
		case <-waitCtx.Done():
		}
	}()

	if err := r.manager.Wait(waitCtx); err != nil {
		// aborted workers still record their final status
		graceCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		r.manager.Wait(graceCtx)
		cancel()
		startErrs = append(startErrs, err)
	}
	for _, id := range ids {
		if view, err := r.manager.QueryStatus(ctx, id); err == nil && view.Status != nil {
			r.log.Info("Task finished", zap.String("task_id", id), zap.Stringer("status", view.Status))
		}
	}
	return errors.Join(startErrs...)
}

func liveEntries(m *engine.Manager) []progress.Entry {
	live := m.LiveTasks()
	entries := make([]progress.Entry, 0, len(live))
	for _, l := range live {
		entries = append(entries, progress.Entry{
			TaskID: l.TaskID,
			State:  l.State.String(),
			Status: l.Progress.GetStatus(),
		})
	}
	return entries
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
