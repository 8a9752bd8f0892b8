// Package engine runs task executions: it owns the live registries, the
// checkpoint snapshotter and the task lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"osspipe/internal/metrics"
	"osspipe/internal/progress"
	"osspipe/internal/storage"
	"osspipe/internal/store"
	"osspipe/internal/task"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Options configures a Manager
type Options struct {
	// MetaDir is the parent of every task's metadata directory
	MetaDir string
	Logger  *zap.Logger
	Metrics *metrics.Collector
	// SnapshotInterval defaults to DefaultSnapshotInterval
	SnapshotInterval time.Duration
	// NewClient builds object storage clients; defaults to minio
	NewClient func(storage.Config) (storage.Client, error)
	// NewRunner overrides the kind dispatch; used by tests
	NewRunner func(task.Definition) (task.Runner, error)
	// LockPath is the engine lock file; defaults to engine.lock in MetaDir
	LockPath string
}

// stopRequestName is the file another process drops into a task's meta dir
// to ask the engine running it for a stop
const stopRequestName = "stop.request"

// Manager is the task lifecycle manager. It owns every registry of the
// process; nothing is global.
type Manager struct {
	repo        *task.Repository
	positions   *PositionTracker
	stops       *StopRegistry
	registry    *ExecutionRegistry
	snapshotter *Snapshotter
	lock        *engineLock
	metrics     *metrics.Collector
	logger      *zap.Logger

	metaDir   string
	newClient func(storage.Config) (storage.Client, error)
	newRunner func(task.Definition) (task.Runner, error)

	// lifecycle serializes claims and record rewrites per process
	lifecycle sync.Mutex
}

// StatusView merges the persisted status of a task with its live execution
type StatusView struct {
	TaskID string `json:"task_id" yaml:"task_id"`
	// Status is nil for a task that never started
	Status   *task.Status     `json:"status,omitempty" yaml:"status,omitempty"`
	Living   bool             `json:"living" yaml:"living"`
	Progress *progress.Status `json:"progress,omitempty" yaml:"progress,omitempty"`
}

// NewManager builds a manager over s. The engine lock is taken lazily by the
// first operation that runs or repairs tasks.
func NewManager(s store.Store, opts Options) (*Manager, error) {
	if opts.MetaDir == "" {
		return nil, fmt.Errorf("%w: meta dir is required", task.ErrValidation)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if opts.LockPath == "" {
		opts.LockPath = filepath.Join(opts.MetaDir, "engine.lock")
	}
	if opts.NewClient == nil {
		opts.NewClient = func(cfg storage.Config) (storage.Client, error) {
			return storage.NewMinIOClient(cfg)
		}
	}

	m := &Manager{
		repo:      task.NewRepository(s),
		positions: NewPositionTracker(),
		stops:     NewStopRegistry(),
		registry:  NewExecutionRegistry(opts.Metrics),
		lock:      newEngineLock(opts.LockPath),
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		metaDir:   opts.MetaDir,
		newClient: opts.NewClient,
	}
	m.newRunner = m.runnerFor
	if opts.NewRunner != nil {
		m.newRunner = opts.NewRunner
	}

	m.snapshotter = NewSnapshotter(m.repo, m.positions, m.registry.LiveIDs, m.metrics, m.logger)
	if opts.SnapshotInterval > 0 {
		m.snapshotter.Interval = opts.SnapshotInterval
	}

	return m, nil
}

// Snapshotter exposes the checkpoint loop so callers can run it
func (m *Manager) Snapshotter() *Snapshotter {
	return m.snapshotter
}

// Close releases the engine lock. Call it once every task has stopped.
func (m *Manager) Close() error {
	return m.lock.release()
}

// livingElsewhere reports whether taskID runs in the process holding the
// engine lock: the lock is taken and the persisted status is not stopped
func (m *Manager) livingElsewhere(ctx context.Context, taskID string) (bool, error) {
	err := m.lock.acquire()
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, task.ErrEngineRunning) {
		return false, err
	}

	status, err := m.repo.GetStatus(ctx, taskID)
	if errors.Is(err, task.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status.Living(), nil
}

// Create validates and persists a new definition, returning its task id. An
// empty id is replaced with a generated one.
func (m *Manager) Create(ctx context.Context, def task.Definition) (string, error) {
	if err := def.Validate(); err != nil {
		return "", err
	}
	if def.TaskID == "" {
		def.TaskID = uuid.NewString()
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	exists, err := m.repo.HasDefinition(ctx, def.TaskID)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("%w: task %s already exists", task.ErrValidation, def.TaskID)
	}

	def.MetaDir = filepath.Join(m.metaDir, def.TaskID)
	if err := os.MkdirAll(def.MetaDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: failed to create meta dir: %w", task.ErrFilesystem, err)
	}
	if err := m.repo.SaveDefinition(ctx, def); err != nil {
		return "", err
	}

	m.logger.Info("Task created", zap.String("task_id", def.TaskID), zap.String("kind", string(def.Kind)))
	return def.TaskID, nil
}

// Update rewrites the whole definition of a task that is not live
func (m *Manager) Update(ctx context.Context, taskID string, def task.Definition) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	current, err := m.repo.GetDefinition(ctx, taskID)
	if err != nil {
		return err
	}
	if err := m.checkNotLiving(ctx, taskID); err != nil {
		return err
	}

	def.TaskID = taskID
	if err := def.Validate(); err != nil {
		return err
	}
	def.MetaDir = current.MetaDir

	if err := m.repo.SaveDefinition(ctx, def); err != nil {
		return err
	}
	m.logger.Info("Task updated", zap.String("task_id", taskID))
	return nil
}

// Start launches an execution of taskID and returns once its root worker is
// spawned
func (m *Manager) Start(ctx context.Context, taskID string) error {
	def, err := m.repo.GetDefinition(ctx, taskID)
	if err != nil {
		return err
	}
	runner, err := m.newRunner(def)
	if err != nil {
		return err
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if err := m.lock.acquire(); err != nil {
		return err
	}
	live, err := m.registry.Claim(taskID)
	if err != nil {
		return err
	}

	env, err := m.prepare(ctx, def, live)
	if err != nil {
		m.registry.Release(taskID)
		return err
	}

	m.metrics.IncLivingTasks()
	rootDone := make(chan struct{})
	err = m.registry.SpawnInto(taskID, task.CategoryControl, func(ctx context.Context) error {
		defer close(rootDone)
		return runner.Execute(ctx, env)
	})
	if err != nil {
		close(rootDone)
		go m.teardown(env, rootDone, fmt.Errorf("failed to spawn root worker: %w", err))
		return nil
	}

	env.logger.Info("Task started",
		zap.String("kind", string(def.Kind)),
		zap.Bool("resumed", env.hasCP),
	)
	go m.teardown(env, rootDone, nil)
	return nil
}

// prepare loads the checkpoint, registers the token and worker set and
// persists Starting
func (m *Manager) prepare(ctx context.Context, def task.Definition, live LiveStatus) (*taskEnv, error) {
	taskID := def.TaskID

	cp, err := m.repo.GetCheckpoint(ctx, taskID)
	hasCP := err == nil
	if err != nil && !errors.Is(err, task.ErrNotFound) {
		return nil, err
	}

	if err := os.MkdirAll(def.MetaDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create meta dir: %w", task.ErrFilesystem, err)
	}
	if err := os.Remove(filepath.Join(def.MetaDir, stopRequestName)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: failed to clear stop request: %w", task.ErrFilesystem, err)
	}

	token := m.stops.Register(taskID)
	if err := m.registry.Create(taskID, workerLimits(def)); err != nil {
		m.stops.Unregister(taskID)
		return nil, err
	}

	env := &taskEnv{
		m:       m,
		taskID:  taskID,
		metaDir: def.MetaDir,
		cp:      cp,
		hasCP:   hasCP,
		token:   token,
		tracker: live.Progress,
		logger:  m.logger.With(zap.String("task_id", taskID)),
		status:  task.Status{TaskID: taskID, State: task.StateStarting},
	}
	if err := m.repo.SaveStatus(ctx, &env.status); err != nil {
		m.registry.Remove(taskID)
		m.stops.Unregister(taskID)
		return nil, err
	}
	return env, nil
}

// teardown waits for the root worker, drains every category and records the
// final status. spawnErr is set when the root worker never ran.
func (m *Manager) teardown(env *taskEnv, rootDone <-chan struct{}, spawnErr error) {
	taskID := env.taskID
	<-rootDone

	var errs []error
	if spawnErr != nil {
		errs = append(errs, spawnErr)
	}
	for _, cat := range task.Categories {
		errs = append(errs, m.registry.Drain(taskID, cat)...)
	}

	env.stopping.Store(true)
	env.advance(task.StateStopping, task.ReasonNone, "")

	if _, err := m.snapshotter.Snapshot(context.Background(), taskID); err != nil {
		env.logger.Error("Failed to save final checkpoint", zap.Error(err))
	}
	m.positions.Forget(taskID)
	m.registry.Remove(taskID)
	m.stops.Unregister(taskID)

	reason, detail := finalReason(errs, env.token)
	env.advance(task.StateStopped, reason, detail)

	m.metrics.DecLivingTasks()
	m.metrics.IncTaskFinished(reason.String())

	status := env.tracker.GetStatus()
	env.logger.Info("Task stopped",
		zap.Stringer("reason", reason),
		zap.String("detail", detail),
		zap.Int64("processed_objects", status.ProcessedObjects),
		zap.Int64("failed_objects", status.FailedObjects),
	)
	m.registry.Release(taskID)
}

func finalReason(errs []error, token *Token) (task.StopReason, string) {
	switch {
	case len(errs) == 1:
		return task.ReasonFailed, errs[0].Error()
	case len(errs) > 1:
		return task.ReasonFailed, fmt.Sprintf("%v (and %d more errors)", errs[0], len(errs)-1)
	case token.IsSignaled():
		return token.Reason(), ""
	default:
		return task.ReasonCompleted, ""
	}
}

// Stop requests a cooperative stop and returns without waiting
func (m *Manager) Stop(_ context.Context, taskID string) error {
	if !m.registry.IsLiving(taskID) || !m.stops.Signal(taskID, task.ReasonUserRequested) {
		return fmt.Errorf("%w: %s", task.ErrNotLiving, taskID)
	}
	m.logger.Info("Stop requested", zap.String("task_id", taskID))
	return nil
}

// StopAll signals every live task, used on process shutdown
func (m *Manager) StopAll(reason task.StopReason) int {
	n := m.stops.SignalAll(reason)
	if n > 0 {
		m.logger.Info("Stopping all tasks", zap.Int("tasks", n), zap.Stringer("reason", reason))
	}
	return n
}

// RequestStop stops taskID whether it runs in this process or in the one
// holding the engine lock. A remote stop is written as a request file in the
// task's meta dir for that process's WatchStopRequests.
func (m *Manager) RequestStop(ctx context.Context, taskID string) error {
	if m.registry.IsLiving(taskID) {
		return m.Stop(ctx, taskID)
	}

	def, err := m.repo.GetDefinition(ctx, taskID)
	if err != nil {
		return err
	}
	elsewhere, err := m.livingElsewhere(ctx, taskID)
	if err != nil {
		return err
	}
	if !elsewhere {
		return fmt.Errorf("%w: %s", task.ErrNotLiving, taskID)
	}

	if err := os.WriteFile(filepath.Join(def.MetaDir, stopRequestName), nil, 0o644); err != nil {
		return fmt.Errorf("%w: failed to write stop request: %w", task.ErrFilesystem, err)
	}
	m.logger.Info("Stop request written", zap.String("task_id", taskID))
	return nil
}

// CheckStopRequests stops every live task with a pending stop request and
// returns how many were stopped
func (m *Manager) CheckStopRequests(ctx context.Context) int {
	n := 0
	for _, id := range m.registry.LiveIDs() {
		def, err := m.repo.GetDefinition(ctx, id)
		if err != nil {
			continue
		}

		path := filepath.Join(def.MetaDir, stopRequestName)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			m.logger.Warn("Failed to remove stop request", zap.String("task_id", id), zap.Error(err))
		}
		if m.Stop(ctx, id) == nil {
			n++
		}
	}
	return n
}

// WatchStopRequests runs CheckStopRequests every interval until ctx is done
func (m *Manager) WatchStopRequests(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckStopRequests(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until no task is live. When ctx ends first the worker contexts
// of the remaining tasks are cancelled and ctx's error is returned.
func (m *Manager) Wait(ctx context.Context) error {
	for {
		ids := m.registry.LiveIDs()
		if len(ids) == 0 {
			return nil
		}

		select {
		case <-m.registry.Done(ids[0]):
		case <-ctx.Done():
			for _, id := range m.registry.LiveIDs() {
				m.registry.AbortAll(id)
			}
			return ctx.Err()
		}
	}
}

// IsLiving reports whether taskID has an execution in this process
func (m *Manager) IsLiving(taskID string) bool {
	return m.registry.IsLiving(taskID)
}

// LiveTasks returns the live view of every execution in task id order
func (m *Manager) LiveTasks() []LiveStatus {
	ids := m.registry.LiveIDs()
	tasks := make([]LiveStatus, 0, len(ids))
	for _, id := range ids {
		if live, ok := m.registry.Live(id); ok {
			tasks = append(tasks, live)
		}
	}
	return tasks
}

// Done returns a channel closed once taskID has fully torn down
func (m *Manager) Done(taskID string) <-chan struct{} {
	return m.registry.Done(taskID)
}

// QueryStatus returns the persisted status merged with the live view
func (m *Manager) QueryStatus(ctx context.Context, taskID string) (StatusView, error) {
	if _, err := m.repo.GetDefinition(ctx, taskID); err != nil {
		return StatusView{}, err
	}

	view := StatusView{TaskID: taskID}
	status, err := m.repo.GetStatus(ctx, taskID)
	switch {
	case err == nil:
		view.Status = &status
	case !errors.Is(err, task.ErrNotFound):
		return StatusView{}, err
	}

	if live, ok := m.registry.Live(taskID); ok {
		view.Living = true
		if view.Status == nil {
			view.Status = &task.Status{TaskID: taskID}
		}
		view.Status.State = live.State
		p := live.Progress.GetStatus()
		view.Progress = &p
	}
	return view, nil
}

// Remove deletes every record and the meta directory of each task. Live or
// unknown ids fail individually without stopping the others.
func (m *Manager) Remove(ctx context.Context, taskIDs ...string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	var errs []error
	for _, id := range taskIDs {
		if err := m.remove(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Info("Task removed", zap.String("task_id", id))
	}
	return errors.Join(errs...)
}

func (m *Manager) remove(ctx context.Context, taskID string) error {
	def, err := m.repo.GetDefinition(ctx, taskID)
	if err != nil {
		return err
	}
	if err := m.checkNotLiving(ctx, taskID); err != nil {
		return err
	}

	if err := m.repo.DeleteCheckpoint(ctx, taskID); err != nil {
		return err
	}
	if err := m.repo.DeleteStatus(ctx, taskID); err != nil {
		return err
	}
	if err := m.repo.DeleteDefinition(ctx, taskID); err != nil {
		return err
	}

	if def.MetaDir != "" {
		if err := os.RemoveAll(def.MetaDir); err != nil {
			return fmt.Errorf("%w: failed to remove meta dir of %s: %w", task.ErrFilesystem, taskID, err)
		}
	}
	return nil
}

// checkNotLiving fails with ErrStillLiving when taskID runs here or in the
// process holding the engine lock
func (m *Manager) checkNotLiving(ctx context.Context, taskID string) error {
	if m.registry.IsLiving(taskID) {
		return fmt.Errorf("%w: %s", task.ErrStillLiving, taskID)
	}
	elsewhere, err := m.livingElsewhere(ctx, taskID)
	if err != nil {
		return err
	}
	if elsewhere {
		return fmt.Errorf("%w: %s runs in another process", task.ErrStillLiving, taskID)
	}
	return nil
}

// List streams every definition in task id order
func (m *Manager) List(ctx context.Context, fn func(taskID string, def task.Definition) error) error {
	return m.repo.ScanDefinitions(ctx, fn)
}

// Show returns the stored definition of a task
func (m *Manager) Show(ctx context.Context, taskID string) (task.Definition, error) {
	return m.repo.GetDefinition(ctx, taskID)
}

// Checkpoint returns the last persisted checkpoint of a task
func (m *Manager) Checkpoint(ctx context.Context, taskID string) (task.CheckPoint, error) {
	return m.repo.GetCheckpoint(ctx, taskID)
}

// Analyze reports the source size distribution of a task
func (m *Manager) Analyze(ctx context.Context, taskID string) (map[string]int64, error) {
	def, err := m.repo.GetDefinition(ctx, taskID)
	if err != nil {
		return nil, err
	}
	runner, err := m.newRunner(def)
	if err != nil {
		return nil, err
	}
	return runner.Analyze(ctx)
}

// Reconcile marks every persisted status that is not stopped, and has no
// execution in this process, as Stopped(ProcessTerminating). It returns how
// many were marked.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if err := m.lock.acquire(); err != nil {
		return 0, err
	}
	living, err := m.repo.LivingStatuses(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, s := range living {
		if m.registry.IsLiving(s.TaskID) {
			continue
		}
		stopped := task.Stopped(s.TaskID, s.StartTime, task.ReasonProcessTerminating, "")
		if err := m.repo.SaveStatus(ctx, &stopped); err != nil {
			return n, err
		}
		m.logger.Warn("Task was left running by a previous process",
			zap.String("task_id", s.TaskID),
			zap.Stringer("persisted_state", s.State),
		)
		n++
	}
	return n, nil
}
