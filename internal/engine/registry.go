package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"osspipe/internal/metrics"
	"osspipe/internal/progress"
	"osspipe/internal/task"
)

var (
	errNoWorkerSet = errors.New("no worker set")
	errGroupClosed = errors.New("worker group is draining")
)

// LiveStatus is the in-memory view of a live execution
type LiveStatus struct {
	TaskID    string
	State     task.State
	Reason    task.StopReason
	StartedAt time.Time
	Progress  *progress.Tracker
}

type liveEntry struct {
	LiveStatus
	done chan struct{}
}

// guardedGroup serializes spawns against a drain: spawning holds the read
// lock, draining the write lock
type guardedGroup struct {
	mu      sync.RWMutex
	group   *WorkerGroup
	drained bool
}

type workerSet map[task.WorkerCategory]*guardedGroup

// ExecutionRegistry owns the worker sets of live tasks and the live map that
// decides liveness
type ExecutionRegistry struct {
	mu   sync.RWMutex
	sets map[string]workerSet
	live map[string]*liveEntry

	metrics *metrics.Collector
}

// NewExecutionRegistry creates an empty registry reporting inflight workers to m
func NewExecutionRegistry(m *metrics.Collector) *ExecutionRegistry {
	return &ExecutionRegistry{
		sets:    make(map[string]workerSet),
		live:    make(map[string]*liveEntry),
		metrics: m,
	}
}

// Claim atomically marks taskID live in state Starting. It fails with
// ErrAlreadyLive when an execution already holds the id.
func (r *ExecutionRegistry) Claim(taskID string) (LiveStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.live[taskID]; ok {
		return LiveStatus{}, fmt.Errorf("%w: %s", task.ErrAlreadyLive, taskID)
	}

	e := &liveEntry{
		LiveStatus: LiveStatus{
			TaskID:    taskID,
			State:     task.StateStarting,
			StartedAt: time.Now(),
			Progress:  progress.NewTracker(),
		},
		done: make(chan struct{}),
	}
	r.live[taskID] = e
	return e.LiveStatus, nil
}

// SetState moves a live entry forward; states never go back
func (r *ExecutionRegistry) SetState(taskID string, state task.State, reason task.StopReason) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.live[taskID]; ok && state > e.State {
		e.State = state
		e.Reason = reason
	}
}

// Live returns the live view of taskID, if it has one
func (r *ExecutionRegistry) Live(taskID string) (LiveStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.live[taskID]
	if !ok {
		return LiveStatus{}, false
	}
	return e.LiveStatus, true
}

// IsLiving reports whether taskID holds a live entry
func (r *ExecutionRegistry) IsLiving(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[taskID]
	return ok
}

// Done returns a channel closed when the live entry is released. For an id
// that is not live the channel is already closed.
func (r *ExecutionRegistry) Done(taskID string) <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.live[taskID]; ok {
		return e.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Release drops the live entry and wakes Done waiters
func (r *ExecutionRegistry) Release(taskID string) {
	r.mu.Lock()
	e, ok := r.live[taskID]
	delete(r.live, taskID)
	r.mu.Unlock()

	if ok {
		close(e.done)
	}
}

// LiveIDs returns the ids of every live task in order
func (r *ExecutionRegistry) LiveIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Create installs an empty worker set for taskID with one bounded group per
// category
func (r *ExecutionRegistry) Create(taskID string, limits map[task.WorkerCategory]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sets[taskID]; ok {
		return fmt.Errorf("worker set for %s already exists", taskID)
	}

	set := make(workerSet, len(task.Categories))
	for _, cat := range task.Categories {
		label := cat.String()
		set[cat] = &guardedGroup{
			group: NewWorkerGroup(context.Background(), limits[cat], func(delta int) {
				r.metrics.AddInflightWorkers(label, delta)
			}),
		}
	}
	r.sets[taskID] = set
	return nil
}

func (r *ExecutionRegistry) group(taskID string, cat task.WorkerCategory) (*guardedGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.sets[taskID]
	if !ok {
		return nil, fmt.Errorf("%w for %s", errNoWorkerSet, taskID)
	}
	g, ok := set[cat]
	if !ok {
		return nil, fmt.Errorf("unknown worker category %d", cat)
	}
	return g, nil
}

// SpawnInto runs fn in the category group of taskID
func (r *ExecutionRegistry) SpawnInto(taskID string, cat task.WorkerCategory, fn func(ctx context.Context) error) error {
	g, err := r.group(taskID, cat)
	if err != nil {
		return err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.drained {
		return fmt.Errorf("%s/%s: %w", taskID, cat, errGroupClosed)
	}
	return g.group.Spawn(fn)
}

// Drain waits for every worker of a category and returns their errors and
// panics. Later spawns into the category fail.
func (r *ExecutionRegistry) Drain(taskID string, cat task.WorkerCategory) []error {
	g, err := r.group(taskID, cat)
	if err != nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.drained = true
	return g.group.JoinAll()
}

// AbortAll cancels the worker context of every category of taskID
func (r *ExecutionRegistry) AbortAll(taskID string) {
	r.mu.RLock()
	set := r.sets[taskID]
	r.mu.RUnlock()

	for _, g := range set {
		g.group.AbortAll()
	}
}

// Remove tears down the worker set. Callers drain every category first.
func (r *ExecutionRegistry) Remove(taskID string) {
	r.mu.Lock()
	set := r.sets[taskID]
	delete(r.sets, taskID)
	r.mu.Unlock()

	for _, g := range set {
		g.group.Close()
	}
}

// HasWorkerSet reports whether taskID still owns a worker set
func (r *ExecutionRegistry) HasWorkerSet(taskID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sets[taskID]
	return ok
}
