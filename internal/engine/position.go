package engine

import (
	"sync"

	"osspipe/internal/task"
)

// PositionTracker holds the latest reported position of every worker, keyed
// by task id and worker id. Reports overwrite.
type PositionTracker struct {
	mu        sync.RWMutex
	positions map[string]map[string]task.FilePosition
}

// NewPositionTracker creates an empty tracker
func NewPositionTracker() *PositionTracker {
	return &PositionTracker{positions: make(map[string]map[string]task.FilePosition)}
}

// Report records pos as the position of workerID, replacing any earlier report
func (p *PositionTracker) Report(taskID, workerID string, pos task.FilePosition) {
	p.mu.Lock()
	defer p.mu.Unlock()

	workers, ok := p.positions[taskID]
	if !ok {
		workers = make(map[string]task.FilePosition)
		p.positions[taskID] = workers
	}
	workers[workerID] = pos
}

// Clear drops the entry of one worker
func (p *PositionTracker) Clear(taskID, workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	workers, ok := p.positions[taskID]
	if !ok {
		return
	}
	delete(workers, workerID)
	if len(workers) == 0 {
		delete(p.positions, taskID)
	}
}

// Positions returns the reported positions of one task
func (p *PositionTracker) Positions(taskID string) []task.FilePosition {
	p.mu.RLock()
	defer p.mu.RUnlock()

	workers := p.positions[taskID]
	out := make([]task.FilePosition, 0, len(workers))
	for _, pos := range workers {
		out = append(out, pos)
	}
	return out
}

// Forget drops every entry of a task
func (p *PositionTracker) Forget(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, taskID)
}

// Len returns the number of tasks with at least one entry
func (p *PositionTracker) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.positions)
}

// MinPosition folds worker positions into the task's safe resume point: the
// smallest offset, since the slowest worker bounds what is finished.
func MinPosition(positions []task.FilePosition) (task.FilePosition, bool) {
	if len(positions) == 0 {
		return task.FilePosition{}, false
	}

	min := positions[0]
	for _, p := range positions[1:] {
		if p.Offset < min.Offset || (p.Offset == min.Offset && p.LineNum < min.LineNum) {
			min = p
		}
	}
	return min, true
}
