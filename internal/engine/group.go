package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrWorkerPanic wraps a panic recovered from a worker
var ErrWorkerPanic = errors.New("worker panic")

// WorkerGroup runs a bounded set of workers. A failing worker never cancels
// its siblings; errors and recovered panics are collected for JoinAll.
type WorkerGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	// inflight is told +1/-1 as workers start and finish
	inflight func(delta int)

	mu   sync.Mutex
	errs []error
}

// NewWorkerGroup creates a group running at most limit workers at once
func NewWorkerGroup(parent context.Context, limit int, inflight func(delta int)) *WorkerGroup {
	if limit < 1 {
		limit = 1
	}
	if inflight == nil {
		inflight = func(int) {}
	}

	ctx, cancel := context.WithCancel(parent)
	return &WorkerGroup{
		ctx:      ctx,
		cancel:   cancel,
		sem:      make(chan struct{}, limit),
		inflight: inflight,
	}
}

// Spawn starts fn once a slot is free. It blocks while the group is full and
// fails if the group is aborted first.
func (g *WorkerGroup) Spawn(fn func(ctx context.Context) error) error {
	if err := g.ctx.Err(); err != nil {
		return err
	}
	select {
	case g.sem <- struct{}{}:
	case <-g.ctx.Done():
		return g.ctx.Err()
	}

	g.wg.Add(1)
	g.inflight(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.record(fmt.Errorf("%w: %v", ErrWorkerPanic, r))
			}
			g.inflight(-1)
			<-g.sem
			g.wg.Done()
		}()

		g.record(fn(g.ctx))
	}()
	return nil
}

func (g *WorkerGroup) record(err error) {
	if err == nil {
		return
	}
	g.mu.Lock()
	g.errs = append(g.errs, err)
	g.mu.Unlock()
}

// JoinAll waits for every spawned worker and returns the collected errors
func (g *WorkerGroup) JoinAll() []error {
	g.wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	errs := g.errs
	g.errs = nil
	return errs
}

// AbortAll cancels the context handed to every worker
func (g *WorkerGroup) AbortAll() {
	g.cancel()
}

// Close releases the group context after JoinAll
func (g *WorkerGroup) Close() {
	g.cancel()
}
