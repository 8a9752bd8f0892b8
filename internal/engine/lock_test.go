package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"osspipe/internal/task"
)

func TestSecondEngineCannotTakeOver(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath, metaDir := filepath.Join(dir, "tasks.db"), filepath.Join(dir, "meta")
	opts := Options{
		NewRunner: func(task.Definition) (task.Runner, error) { return stubRunner{exec: untilStopped}, nil },
	}
	a := newTestEngineAt(t, dbPath, metaDir, opts)
	b := newTestEngineAt(t, dbPath, metaDir, opts)

	a.mustCreate(t, "t1")
	if err := a.Start(ctx, "t1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	a.waitState(t, "t1", task.StateRunning)

	if _, err := b.Reconcile(ctx); !errors.Is(err, task.ErrEngineRunning) {
		t.Errorf("Reconcile() error = %v, want ErrEngineRunning", err)
	}
	if err := b.Start(ctx, "t1"); !errors.Is(err, task.ErrEngineRunning) {
		t.Errorf("Start() error = %v, want ErrEngineRunning", err)
	}
	if b.IsLiving("t1") {
		t.Error("second engine holds a live entry")
	}
	if s := a.status(t, "t1"); !s.Living() {
		t.Fatalf("status = %s, want living", s)
	}

	if err := b.Update(ctx, "t1", testDefinition("t1")); !errors.Is(err, task.ErrStillLiving) {
		t.Errorf("Update() error = %v, want ErrStillLiving", err)
	}
	if err := b.Remove(ctx, "t1"); !errors.Is(err, task.ErrStillLiving) {
		t.Errorf("Remove() error = %v, want ErrStillLiving", err)
	}

	if err := b.RequestStop(ctx, "t1"); err != nil {
		t.Fatalf("RequestStop() error = %v", err)
	}
	if n := a.CheckStopRequests(ctx); n != 1 {
		t.Fatalf("CheckStopRequests() = %d, want 1", n)
	}
	a.waitDone(t, "t1")
	if s := a.status(t, "t1"); s.State != task.StateStopped || s.Reason != task.ReasonUserRequested {
		t.Fatalf("status = %s, want stopped(%s)", s, task.ReasonUserRequested)
	}
	if err := b.RequestStop(ctx, "t1"); !errors.Is(err, task.ErrNotLiving) {
		t.Errorf("RequestStop(stopped) error = %v, want ErrNotLiving", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n, err := b.Reconcile(ctx); err != nil || n != 0 {
		t.Fatalf("Reconcile() after release = %d, %v, want 0, nil", n, err)
	}
}

func TestStopRequestWithoutLiveTask(t *testing.T) {
	e := newTestEngine(t, untilStopped)
	e.mustCreate(t, "t1")

	if err := e.RequestStop(context.Background(), "t1"); !errors.Is(err, task.ErrNotLiving) {
		t.Errorf("RequestStop() error = %v, want ErrNotLiving", err)
	}
	if err := e.RequestStop(context.Background(), "unknown"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("RequestStop(unknown) error = %v, want ErrNotFound", err)
	}
}
