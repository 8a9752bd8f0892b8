package engine

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"osspipe/internal/storage"
	"osspipe/internal/task"
	"osspipe/internal/testutil"
)

// newTransferEngine wires a manager to in-memory source and target stores
func newTransferEngine(t *testing.T) (*testEngine, *testutil.MemoryClient, *testutil.MemoryClient) {
	t.Helper()
	src, dst := testutil.NewMemoryClient(), testutil.NewMemoryClient()
	clients := map[string]storage.Client{"src:9000": src, "dst:9000": dst}

	dir := t.TempDir()
	e := newTestEngineAt(t, filepath.Join(dir, "tasks.db"), filepath.Join(dir, "meta"), Options{
		NewClient: func(cfg storage.Config) (storage.Client, error) {
			c, ok := clients[cfg.Endpoint]
			if !ok {
				return nil, fmt.Errorf("no client for %s", cfg.Endpoint)
			}
			return c, nil
		},
	})
	return e, src, dst
}

func transferDefinition(id string) task.Definition {
	return task.Definition{
		TaskID: id,
		Kind:   task.KindTransfer,
		Transfer: &task.TransferSpec{
			Source: task.ObjectStorage{Endpoint: "src:9000", Bucket: "photos", Prefix: "2024/"},
			Target: task.ObjectStorage{Endpoint: "dst:9000", Bucket: "backup"},
			Attributes: task.TransferAttributes{
				BatchSize:   4,
				Concurrency: 2,
			},
		},
	}
}

func TestTransferTaskCopiesSource(t *testing.T) {
	ctx := context.Background()
	e, src, dst := newTransferEngine(t)
	src.PutN("photos", "2024/img-", 20, 16)

	if _, err := e.Create(ctx, transferDefinition("copy")); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(ctx, "copy"); err != nil {
		t.Fatal(err)
	}
	e.waitDone(t, "copy")

	if s := e.status(t, "copy"); s.Reason != task.ReasonCompleted {
		t.Fatalf("status = %s, want stopped(completed)", s)
	}
	if got := dst.Keys("backup"); len(got) != 20 || got[0] != "img-00000" {
		t.Fatalf("target keys = %v", got)
	}
	for i := 0; i < 20; i++ {
		want, _ := src.Data("photos", fmt.Sprintf("2024/img-%05d", i))
		got, _ := dst.Data("backup", fmt.Sprintf("img-%05d", i))
		if !bytes.Equal(got, want) {
			t.Errorf("object %d differs", i)
		}
	}

	cp, err := e.Checkpoint(ctx, "copy")
	if err != nil || cp.Stage != task.StageTransfer {
		t.Errorf("checkpoint = %+v, %v", cp, err)
	}
}

func TestTransferTaskResumesAfterStop(t *testing.T) {
	ctx := context.Background()
	e, src, dst := newTransferEngine(t)
	src.PutN("photos", "2024/img-", 30, 16)
	src.Gate = make(chan struct{})

	if _, err := e.Create(ctx, transferDefinition("copy")); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(ctx, "copy"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for src.Gets() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("transfer never started copying")
		}
		time.Sleep(time.Millisecond)
	}

	if err := e.Stop(ctx, "copy"); err != nil {
		t.Fatal(err)
	}
	close(src.Gate)
	e.waitDone(t, "copy")

	if s := e.status(t, "copy"); s.Reason != task.ReasonUserRequested {
		t.Fatalf("status = %s, want stopped(user_requested)", s)
	}
	if n := len(dst.Keys("backup")); n == 30 {
		t.Fatal("stop did not interrupt the transfer")
	}
	cp, err := e.Checkpoint(ctx, "copy")
	if err != nil || cp.Stage != task.StageTransfer {
		t.Fatalf("checkpoint = %+v, %v", cp, err)
	}

	if err := e.Start(ctx, "copy"); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	e.waitDone(t, "copy")

	if s := e.status(t, "copy"); s.Reason != task.ReasonCompleted {
		t.Fatalf("status after resume = %s, want stopped(completed)", s)
	}
	if n := len(dst.Keys("backup")); n != 30 {
		t.Errorf("target has %d objects after resume, want 30", n)
	}
}
