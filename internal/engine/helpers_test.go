package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"osspipe/internal/store"
	"osspipe/internal/task"
)

// stubRunner runs exec as the root worker
type stubRunner struct {
	exec func(ctx context.Context, env task.Env) error
}

func (r stubRunner) Execute(ctx context.Context, env task.Env) error {
	return r.exec(ctx, env)
}

func (r stubRunner) Analyze(context.Context) (map[string]int64, error) {
	return map[string]int64{"stub": 1}, nil
}

// untilStopped marks the task running and parks until a stop arrives
func untilStopped(_ context.Context, env task.Env) error {
	env.MarkRunning()
	<-env.OnStop()
	env.Stopped()
	return nil
}

// recordingStore remembers every status state written through it
type recordingStore struct {
	store.Store

	mu     sync.Mutex
	states map[string][]task.State
	failCP map[string]bool
}

func (s *recordingStore) Put(ctx context.Context, ns store.Namespace, key string, value []byte) error {
	if ns == store.NamespaceCheckpoints && s.failCP[key] {
		return errors.New("disk full")
	}
	if ns == store.NamespaceStatus {
		if st, err := task.DecodeStatus(value); err == nil {
			s.mu.Lock()
			s.states[key] = append(s.states[key], st.State)
			s.mu.Unlock()
		}
	}
	return s.Store.Put(ctx, ns, key, value)
}

func (s *recordingStore) statesOf(taskID string) []task.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]task.State(nil), s.states[taskID]...)
}

type testEngine struct {
	*Manager
	store   *recordingStore
	dbPath  string
	metaDir string
}

func openTestStore(t *testing.T, dbPath string) *recordingStore {
	t.Helper()
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &recordingStore{Store: s, states: make(map[string][]task.State), failCP: make(map[string]bool)}
}

// newTestEngine builds a manager whose every task runs exec
func newTestEngine(t *testing.T, exec func(ctx context.Context, env task.Env) error) *testEngine {
	t.Helper()
	dir := t.TempDir()
	return newTestEngineAt(t, filepath.Join(dir, "tasks.db"), filepath.Join(dir, "meta"), Options{
		NewRunner: func(task.Definition) (task.Runner, error) { return stubRunner{exec: exec}, nil },
	})
}

func newTestEngineAt(t *testing.T, dbPath, metaDir string, opts Options) *testEngine {
	t.Helper()
	s := openTestStore(t, dbPath)
	opts.MetaDir = metaDir
	m, err := NewManager(s, opts)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() {
		m.StopAll(task.ReasonProcessTerminating)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Wait(ctx)
		m.Close()
	})
	return &testEngine{Manager: m, store: s, dbPath: dbPath, metaDir: metaDir}
}

func testDefinition(id string) task.Definition {
	storage := task.ObjectStorage{Endpoint: "s3.local:9000", Bucket: "b"}
	return task.Definition{
		TaskID:  id,
		Kind:    task.KindCompare,
		Compare: &task.CompareSpec{Source: storage, Target: storage},
	}
}

func (e *testEngine) mustCreate(t *testing.T, id string) {
	t.Helper()
	if _, err := e.Create(context.Background(), testDefinition(id)); err != nil {
		t.Fatalf("Create(%s) error = %v", id, err)
	}
}

// waitDone waits for a task to tear down
func (e *testEngine) waitDone(t *testing.T, id string) {
	t.Helper()
	select {
	case <-e.Done(id):
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s did not stop", id)
	}
}

// waitState polls the live view until the task reaches state
func (e *testEngine) waitState(t *testing.T, id string, state task.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if live, ok := e.registry.Live(id); ok && live.State >= state {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s never reached %s", id, state)
		}
		time.Sleep(time.Millisecond)
	}
}

func (e *testEngine) status(t *testing.T, id string) task.Status {
	t.Helper()
	s, err := e.repo.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("GetStatus(%s) error = %v", id, err)
	}
	return s
}
