package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"osspipe/internal/task"

	"github.com/gofrs/flock"
)

// engineLock is an advisory file lock owned by the one process allowed to run
// and reconcile the tasks of a database
type engineLock struct {
	mu   sync.Mutex
	file *flock.Flock
	held bool
}

func newEngineLock(path string) *engineLock {
	return &engineLock{file: flock.New(path)}
}

// acquire takes the lock without blocking. Once held it stays held until
// release.
func (l *engineLock) acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return nil
	}

	path := l.file.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: failed to create lock dir: %w", task.ErrFilesystem, err)
	}
	ok, err := l.file.TryLock()
	if err != nil {
		return fmt.Errorf("%w: failed to lock %s: %w", task.ErrFilesystem, path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s is held by another process", task.ErrEngineRunning, path)
	}
	l.held = true
	return nil
}

func (l *engineLock) release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false
	return l.file.Unlock()
}
