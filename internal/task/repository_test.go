package task

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"osspipe/internal/store"
)

func setupRepository(t *testing.T) *Repository {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	r := NewRepository(s)
	r.now = func() time.Time { return time.Unix(1700000000, 0) }
	return r
}

func compareDefinition(id string) Definition {
	storage := ObjectStorage{Endpoint: "s3.local:9000", Bucket: "b"}
	d := Definition{TaskID: id, Kind: KindCompare, Compare: &CompareSpec{Source: storage, Target: storage}}
	return d
}

func TestRepositoryDefinitions(t *testing.T) {
	ctx := context.Background()
	r := setupRepository(t)

	for _, id := range []string{"b", "a", "c"} {
		if err := r.SaveDefinition(ctx, compareDefinition(id)); err != nil {
			t.Fatalf("SaveDefinition(%s) error = %v", id, err)
		}
	}

	ok, err := r.HasDefinition(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("HasDefinition(a) = %v, %v", ok, err)
	}
	if ok, _ := r.HasDefinition(ctx, "zz"); ok {
		t.Error("HasDefinition(zz) = true")
	}

	var ids []string
	err = r.ScanDefinitions(ctx, func(id string, d Definition) error {
		if d.TaskID != id {
			t.Errorf("definition id %q under key %q", d.TaskID, id)
		}
		ids = append(ids, id)
		if len(ids) == 2 {
			return store.ErrStopScan
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ScanDefinitions() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("ScanDefinitions() ids = %v, want [a b]", ids)
	}

	stop := errors.New("stop")
	if err := r.ScanDefinitions(ctx, func(string, Definition) error { return stop }); !errors.Is(err, stop) {
		t.Errorf("ScanDefinitions() error = %v, want callback error", err)
	}

	if err := r.DeleteDefinition(ctx, "a"); err != nil {
		t.Fatalf("DeleteDefinition() error = %v", err)
	}
	if _, err := r.GetDefinition(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDefinition() after delete error = %v, want ErrNotFound", err)
	}
}

func TestRepositoryStatusStampsStartTime(t *testing.T) {
	ctx := context.Background()
	r := setupRepository(t)

	s := Status{TaskID: "t1", State: StateStarting}
	if err := r.SaveStatus(ctx, &s); err != nil {
		t.Fatalf("SaveStatus() error = %v", err)
	}
	if s.StartTime != 1700000000 {
		t.Errorf("StartTime = %d, want 1700000000", s.StartTime)
	}

	r.now = func() time.Time { return time.Unix(1800000000, 0) }
	s.State = StateRunning
	if err := r.SaveStatus(ctx, &s); err != nil {
		t.Fatalf("SaveStatus() error = %v", err)
	}

	got, err := r.GetStatus(ctx, "t1")
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if got.StartTime != 1700000000 || got.State != StateRunning {
		t.Errorf("GetStatus() = %+v", got)
	}
}

func TestRepositoryLivingStatuses(t *testing.T) {
	ctx := context.Background()
	r := setupRepository(t)

	statuses := []Status{
		{TaskID: "running", State: StateRunning},
		{TaskID: "stopping", State: StateStopping},
		Stopped("done", 0, ReasonCompleted, ""),
	}
	for i := range statuses {
		if err := r.SaveStatus(ctx, &statuses[i]); err != nil {
			t.Fatalf("SaveStatus() error = %v", err)
		}
	}

	living, err := r.LivingStatuses(ctx)
	if err != nil {
		t.Fatalf("LivingStatuses() error = %v", err)
	}
	if len(living) != 2 || living[0].TaskID != "running" || living[1].TaskID != "stopping" {
		t.Errorf("LivingStatuses() = %+v", living)
	}
}

func TestRepositoryCheckpoint(t *testing.T) {
	ctx := context.Background()
	r := setupRepository(t)

	if _, err := r.GetCheckpoint(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetCheckpoint() error = %v, want ErrNotFound", err)
	}

	cp := CheckPoint{
		TaskID:                "t1",
		ExecutingFile:         "objects.list",
		ExecutingFilePosition: FilePosition{Offset: 500, LineNum: 10},
		Stage:                 StageTransfer,
	}
	if err := r.SaveCheckpoint(ctx, &cp); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}

	got, err := r.GetCheckpoint(ctx, "t1")
	if err != nil {
		t.Fatalf("GetCheckpoint() error = %v", err)
	}
	if got.ExecutingFilePosition != (FilePosition{Offset: 500, LineNum: 10}) {
		t.Errorf("position = %+v, want {500 10}", got.ExecutingFilePosition)
	}
	if got.ModifyTimestamp != 1700000000 {
		t.Errorf("ModifyTimestamp = %d, want 1700000000", got.ModifyTimestamp)
	}

	if err := r.DeleteCheckpoint(ctx, "t1"); err != nil {
		t.Fatalf("DeleteCheckpoint() error = %v", err)
	}
	if _, err := r.GetCheckpoint(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCheckpoint() after delete error = %v, want ErrNotFound", err)
	}
}
