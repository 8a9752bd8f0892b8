package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"osspipe/internal/metrics"
	"osspipe/internal/task"

	"go.uber.org/zap"
)

// DefaultSnapshotInterval is how often live tasks are checkpointed
const DefaultSnapshotInterval = 10 * time.Second

// Snapshotter folds worker positions into persisted checkpoints
type Snapshotter struct {
	Interval  time.Duration
	LiveTasks func() []string

	repo      *task.Repository
	positions *PositionTracker
	metrics   *metrics.Collector
	logger    *zap.Logger

	// mu serializes checkpoint read-modify-write between snapshots and stage changes
	mu sync.Mutex
}

// NewSnapshotter creates a snapshotter over the tasks liveTasks returns
func NewSnapshotter(repo *task.Repository, positions *PositionTracker, liveTasks func() []string, m *metrics.Collector, logger *zap.Logger) *Snapshotter {
	return &Snapshotter{
		Interval:  DefaultSnapshotInterval,
		LiveTasks: liveTasks,
		repo:      repo,
		positions: positions,
		metrics:   m,
		logger:    logger,
	}
}

// Run snapshots every live task each Interval until ctx is done
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.logger.Info("Checkpoint snapshotter started", zap.Duration("interval", s.Interval))
	for {
		select {
		case <-ticker.C:
			s.SnapshotOnce(ctx)
		case <-ctx.Done():
			s.logger.Info("Checkpoint snapshotter stopped")
			return
		}
	}
}

// SnapshotOnce runs one cycle over the live tasks and returns how many
// checkpoints were saved. A failing task is logged and skipped.
func (s *Snapshotter) SnapshotOnce(ctx context.Context) int {
	start := time.Now()
	defer func() { s.metrics.ObserveSnapshot(time.Since(start)) }()

	saved := 0
	for _, id := range s.LiveTasks() {
		if ctx.Err() != nil {
			break
		}

		ok, err := s.Snapshot(ctx, id)
		if err != nil {
			s.logger.Error("Failed to save checkpoint", zap.String("task_id", id), zap.Error(err))
			continue
		}
		if ok {
			saved++
		}
	}
	return saved
}

// Snapshot persists the checkpoint of one task at the minimum reported
// position. Without reports the previous position is kept and only the
// timestamp moves. A task with neither reports nor a checkpoint is skipped
// and ok is false.
func (s *Snapshotter) Snapshot(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, found, err := s.load(ctx, taskID)
	if err != nil {
		s.metrics.IncCheckpointSave(false)
		return false, err
	}

	min, ok := MinPosition(s.positions.Positions(taskID))
	if !ok && !found {
		return false, nil
	}
	if ok {
		cp.ExecutingFilePosition = min
	}

	if err := s.repo.SaveCheckpoint(ctx, &cp); err != nil {
		s.metrics.IncCheckpointSave(false)
		return false, err
	}
	s.metrics.IncCheckpointSave(true)
	return true, nil
}

// SetStage persists a checkpoint moving taskID to stage at file/pos. Worker
// positions of the previous stage are dropped.
func (s *Snapshotter) SetStage(ctx context.Context, taskID string, stage task.Stage, file string, pos task.FilePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, _, err := s.load(ctx, taskID)
	if err != nil {
		return err
	}

	s.positions.Forget(taskID)
	if stage == task.StageList {
		// listing starts the task over
		cp.TaskBeginTimestamp = time.Now().Unix()
	}
	cp.Stage = stage
	cp.ExecutingFile = file
	cp.ExecutingFilePosition = pos

	if err := s.repo.SaveCheckpoint(ctx, &cp); err != nil {
		s.metrics.IncCheckpointSave(false)
		return err
	}
	s.metrics.IncCheckpointSave(true)
	return nil
}

func (s *Snapshotter) load(ctx context.Context, taskID string) (task.CheckPoint, bool, error) {
	cp, err := s.repo.GetCheckpoint(ctx, taskID)
	if errors.Is(err, task.ErrNotFound) {
		return task.CheckPoint{TaskID: taskID, TaskBeginTimestamp: time.Now().Unix()}, false, nil
	}
	if err != nil {
		return task.CheckPoint{}, false, err
	}
	return cp, true, nil
}
