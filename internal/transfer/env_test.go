package transfer

import (
	"context"
	"sync"
	"testing"

	"osspipe/internal/metrics"
	"osspipe/internal/progress"
	"osspipe/internal/task"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// fakeEnv runs spawned workers on plain goroutines and keeps positions in a map
type fakeEnv struct {
	taskID  string
	metaDir string
	cp      *task.CheckPoint
	tracker *progress.Tracker

	stopCh   chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	running   bool
	positions map[string]task.FilePosition
	stages    []task.Stage
	errs      []error

	wg sync.WaitGroup
}

func newFakeEnv(t *testing.T) *fakeEnv {
	t.Helper()
	return &fakeEnv{
		taskID:    "t1",
		metaDir:   t.TempDir(),
		tracker:   progress.NewTracker(),
		stopCh:    make(chan struct{}),
		positions: make(map[string]task.FilePosition),
	}
}

func newTestMetrics() *metrics.Collector {
	return metrics.New(prometheus.NewRegistry())
}

func (e *fakeEnv) TaskID() string              { return e.taskID }
func (e *fakeEnv) MetaDir() string             { return e.metaDir }
func (e *fakeEnv) Logger() *zap.Logger         { return zap.NewNop() }
func (e *fakeEnv) Progress() *progress.Tracker { return e.tracker }
func (e *fakeEnv) OnStop() <-chan struct{}     { return e.stopCh }

func (e *fakeEnv) Checkpoint() (task.CheckPoint, bool) {
	if e.cp == nil {
		return task.CheckPoint{}, false
	}
	return *e.cp, true
}

func (e *fakeEnv) MarkRunning() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
}

func (e *fakeEnv) Stopped() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

func (e *fakeEnv) stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

func (e *fakeEnv) ReportPosition(workerID string, pos task.FilePosition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[workerID] = pos
}

func (e *fakeEnv) ClearPosition(workerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.positions, workerID)
}

func (e *fakeEnv) SetStage(_ context.Context, stage task.Stage, _ string, _ task.FilePosition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, stage)
	return nil
}

func (e *fakeEnv) Spawn(_ task.WorkerCategory, fn func(ctx context.Context) error) error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(context.Background()); err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
	}()
	return nil
}

// minPosition returns the smallest reported offset
func (e *fakeEnv) minPosition() (task.FilePosition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		min   task.FilePosition
		found bool
	)
	for _, p := range e.positions {
		if !found || p.Offset < min.Offset {
			min, found = p, true
		}
	}
	return min, found
}

func (e *fakeEnv) workerErrors() []error {
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errs
}
