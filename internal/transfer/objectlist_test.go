package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"osspipe/internal/progress"
	"osspipe/internal/task"
	"osspipe/internal/testutil"
)

func TestParseEntryKeepsAwkwardKeys(t *testing.T) {
	for _, key := range []string{"plain", "with\ttab", "with\nnewline", "unicode/文件.txt", ""} {
		e := listEntry{Key: key, Size: 42, ETag: "abc"}
		line := e.encode()
		got, err := parseEntry(line[:len(line)-1])
		if err != nil {
			t.Fatalf("parseEntry(%q) error = %v", line, err)
		}
		if got != e {
			t.Errorf("parseEntry() = %+v, want %+v", got, e)
		}
	}

	if _, err := parseEntry("garbage"); err == nil {
		t.Error("parseEntry(garbage) error = nil")
	}
}

func TestObjectListPositions(t *testing.T) {
	ctx := context.Background()
	client := testutil.NewMemoryClient()
	client.PutN("b", "k", 5, 3)

	path := filepath.Join(t.TempDir(), objectListName)
	tracker := progress.NewTracker()
	tracker.SetTotal(99, 99)
	listed := 0
	objects, size, stopped, err := writeObjectList(ctx, client, "b", "", path, tracker, func() bool {
		// totals grow with every object already written
		if got := tracker.GetStatus().TotalObjects; got != int64(listed) {
			t.Errorf("total objects before object %d = %d", listed, got)
		}
		listed++
		return false
	})
	if err != nil || stopped {
		t.Fatalf("writeObjectList() = %v, %v", stopped, err)
	}
	if objects != 5 || size != 15 {
		t.Errorf("writeObjectList() totals = %d, %d", objects, size)
	}
	if st := tracker.GetStatus(); st.TotalObjects != 5 || st.TotalBytes != 15 {
		t.Errorf("tracker totals = %d, %d, want 5, 15", st.TotalObjects, st.TotalBytes)
	}

	r, err := openObjectList(path, task.FilePosition{})
	if err != nil {
		t.Fatal(err)
	}
	var items []listItem
	for {
		item, err := r.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		items = append(items, item)
	}
	end := r.position()
	r.Close()

	info, _ := os.Stat(path)
	if end.Offset != uint64(info.Size()) || end.LineNum != 5 {
		t.Errorf("end position = %+v, file size %d", end, info.Size())
	}

	// reopening at a line position yields the same line
	r, err = openObjectList(path, items[3].Pos)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	item, err := r.next()
	if err != nil {
		t.Fatal(err)
	}
	if item.Key != items[3].Key || item.Pos != items[3].Pos {
		t.Errorf("resumed item = %+v, want %+v", item, items[3])
	}

	objects, _, err = remaining(path, items[3].Pos)
	if err != nil || objects != 2 {
		t.Errorf("remaining() = %d, %v, want 2", objects, err)
	}
}

func TestWriteObjectListStopped(t *testing.T) {
	client := testutil.NewMemoryClient()
	client.PutN("b", "k", 5, 3)

	path := filepath.Join(t.TempDir(), objectListName)
	_, _, stopped, err := writeObjectList(context.Background(), client, "b", "", path, nil, func() bool { return true })
	if err != nil || !stopped {
		t.Fatalf("writeObjectList() = %v, %v, want stopped", stopped, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("stopped listing left a list behind: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("stopped listing left a temp file behind: %v", err)
	}
}
