package engine

import (
	"sync"
	"sync/atomic"

	"osspipe/internal/task"
)

// Token is a cooperative cancellation cell. Signaling is idempotent and the
// first reason wins.
type Token struct {
	signaled atomic.Bool
	once     sync.Once
	ch       chan struct{}
	reason   atomic.Uint32
}

// NewToken creates an unsignaled token
func NewToken() *Token {
	return &Token{ch: make(chan struct{})}
}

// Signal marks the token. It reports whether this call was the first.
func (t *Token) Signal(reason task.StopReason) bool {
	first := false
	t.once.Do(func() {
		t.reason.Store(uint32(reason))
		t.signaled.Store(true)
		close(t.ch)
		first = true
	})
	return first
}

// IsSignaled reports whether Signal was called
func (t *Token) IsSignaled() bool {
	return t.signaled.Load()
}

// OnSignal is closed once the token is signaled
func (t *Token) OnSignal() <-chan struct{} {
	return t.ch
}

// Reason is the reason of the first signal, ReasonNone before any
func (t *Token) Reason() task.StopReason {
	return task.StopReason(t.reason.Load())
}

// StopRegistry maps task ids to the token of their current execution
type StopRegistry struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

// NewStopRegistry creates an empty registry
func NewStopRegistry() *StopRegistry {
	return &StopRegistry{tokens: make(map[string]*Token)}
}

// Register installs a fresh unsignaled token for taskID
func (r *StopRegistry) Register(taskID string) *Token {
	t := NewToken()
	r.mu.Lock()
	r.tokens[taskID] = t
	r.mu.Unlock()
	return t
}

// Token returns the token registered for taskID
func (r *StopRegistry) Token(taskID string) (*Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[taskID]
	return t, ok
}

// Signal signals the token of taskID. It returns false if none is registered.
func (r *StopRegistry) Signal(taskID string, reason task.StopReason) bool {
	t, ok := r.Token(taskID)
	if !ok {
		return false
	}
	t.Signal(reason)
	return true
}

// IsSignaled reports whether the token of taskID exists and is signaled
func (r *StopRegistry) IsSignaled(taskID string) bool {
	t, ok := r.Token(taskID)
	return ok && t.IsSignaled()
}

// Unregister drops the token of taskID
func (r *StopRegistry) Unregister(taskID string) {
	r.mu.Lock()
	delete(r.tokens, taskID)
	r.mu.Unlock()
}

// SignalAll signals every registered token and returns how many there were
func (r *StopRegistry) SignalAll(reason task.StopReason) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tokens {
		t.Signal(reason)
	}
	return len(r.tokens)
}
