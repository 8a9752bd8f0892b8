package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"osspipe/internal/progress"
	"osspipe/internal/task"

	"go.uber.org/zap"
)

// taskEnv implements task.Env for one execution
type taskEnv struct {
	m       *Manager
	taskID  string
	metaDir string
	cp      task.CheckPoint
	hasCP   bool
	token   *Token
	tracker *progress.Tracker
	logger  *zap.Logger

	stopping atomic.Bool

	// mu orders status writes so persisted states only move forward
	mu     sync.Mutex
	status task.Status
}

var _ task.Env = (*taskEnv)(nil)

func (e *taskEnv) TaskID() string              { return e.taskID }
func (e *taskEnv) MetaDir() string             { return e.metaDir }
func (e *taskEnv) Logger() *zap.Logger         { return e.logger }
func (e *taskEnv) Progress() *progress.Tracker { return e.tracker }
func (e *taskEnv) OnStop() <-chan struct{}     { return e.token.OnSignal() }

func (e *taskEnv) Checkpoint() (task.CheckPoint, bool) {
	return e.cp, e.hasCP
}

func (e *taskEnv) MarkRunning() {
	e.advance(task.StateRunning, task.ReasonNone, "")
}

func (e *taskEnv) Stopped() bool {
	if !e.token.IsSignaled() {
		return false
	}
	if e.stopping.CompareAndSwap(false, true) {
		e.logger.Info("Stop observed", zap.Stringer("reason", e.token.Reason()))
		e.advance(task.StateStopping, task.ReasonNone, "")
	}
	return true
}

func (e *taskEnv) ReportPosition(workerID string, pos task.FilePosition) {
	e.m.positions.Report(e.taskID, workerID, pos)
}

func (e *taskEnv) ClearPosition(workerID string) {
	e.m.positions.Clear(e.taskID, workerID)
}

func (e *taskEnv) SetStage(ctx context.Context, stage task.Stage, file string, pos task.FilePosition) error {
	if err := e.m.snapshotter.SetStage(ctx, e.taskID, stage, file, pos); err != nil {
		return err
	}
	e.logger.Info("Task stage changed", zap.Stringer("stage", stage), zap.String("file", file))
	return nil
}

func (e *taskEnv) Spawn(cat task.WorkerCategory, fn func(ctx context.Context) error) error {
	return e.m.registry.SpawnInto(e.taskID, cat, fn)
}

// advance persists a forward state transition. Stale or repeated transitions
// are ignored.
func (e *taskEnv) advance(state task.State, reason task.StopReason, detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if state <= e.status.State {
		return
	}
	e.status.State = state
	e.status.Reason = reason
	e.status.Detail = detail

	e.m.registry.SetState(e.taskID, state, reason)
	if err := e.m.repo.SaveStatus(context.Background(), &e.status); err != nil {
		e.logger.Error("Failed to save task status", zap.Stringer("state", state), zap.Error(err))
	}
}
