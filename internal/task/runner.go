package task

import (
	"context"

	"osspipe/internal/progress"

	"go.uber.org/zap"
)

// WorkerCategory selects the worker group a unit of work is spawned into
type WorkerCategory uint8

const (
	// CategoryControl hosts the root worker of a task
	CategoryControl WorkerCategory = iota
	// CategoryExecution hosts batch workers
	CategoryExecution
	// CategoryLarge hosts large-object workers
	CategoryLarge
)

// Categories lists every category in teardown drain order
var Categories = []WorkerCategory{CategoryControl, CategoryExecution, CategoryLarge}

func (c WorkerCategory) String() string {
	switch c {
	case CategoryControl:
		return "control"
	case CategoryExecution:
		return "execution"
	case CategoryLarge:
		return "large"
	default:
		return "unknown"
	}
}

// Env is what the engine hands a running task. All methods are safe for
// concurrent use by the task's workers.
type Env interface {
	TaskID() string
	MetaDir() string
	// Checkpoint returns the checkpoint the task resumes from, if one exists
	Checkpoint() (CheckPoint, bool)
	Logger() *zap.Logger
	Progress() *progress.Tracker

	// MarkRunning moves the task from Starting to Running
	MarkRunning()
	// Stopped reports whether a stop was requested. The first observation
	// moves the task to Stopping.
	Stopped() bool
	// OnStop is closed when a stop is requested
	OnStop() <-chan struct{}

	// ReportPosition records the first unfinished list position of a worker
	ReportPosition(workerID string, pos FilePosition)
	// ClearPosition drops a worker's entry once its range is finished
	ClearPosition(workerID string)
	// SetStage persists a checkpoint switching the task to stage at file/pos
	SetStage(ctx context.Context, stage Stage, file string, pos FilePosition) error

	// Spawn runs fn in the task's worker group for cat. It blocks while the
	// group is at capacity. A worker never spawns into its own category.
	Spawn(cat WorkerCategory, fn func(ctx context.Context) error) error
}

// Runner is the capability every task kind implements
type Runner interface {
	// Execute runs the task until it finishes or observes a stop
	Execute(ctx context.Context, env Env) error
	// Analyze reports the source object size distribution
	Analyze(ctx context.Context) (map[string]int64, error)
}
