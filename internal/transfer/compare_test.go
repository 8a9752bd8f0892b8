package transfer

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"osspipe/internal/task"
	"osspipe/internal/testutil"
)

func TestCompareRecordsDifferences(t *testing.T) {
	ctx := context.Background()
	src, dst := testutil.NewMemoryClient(), testutil.NewMemoryClient()
	src.Put("src", "a", []byte("same"))
	src.Put("src", "b", []byte("missing in target"))
	src.Put("src", "c", []byte("short"))
	src.Put("src", "d", []byte("etag1"))
	dst.Put("dst", "a", []byte("same"))
	dst.Put("dst", "c", []byte("longer value"))
	dst.Put("dst", "d", []byte("etag2"))

	spec := task.CompareSpec{
		Source:     task.ObjectStorage{Endpoint: "src", Bucket: "src"},
		Target:     task.ObjectStorage{Endpoint: "dst", Bucket: "dst"},
		Attributes: task.CompareAttributes{BatchSize: 2, Concurrency: 2, CheckETag: true},
	}

	env := newFakeEnv(t)
	if err := NewCompare(spec, src, dst, newTestMetrics()).Execute(ctx, env); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	env.workerErrors()

	f, err := os.Open(filepath.Join(env.metaDir, diffListName))
	if err != nil {
		t.Fatalf("open diff list: %v", err)
	}
	defer f.Close()

	got := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), "\t", 2)
		key, err := strconv.Unquote(fields[0])
		if err != nil {
			t.Fatalf("bad diff line %q", scanner.Text())
		}
		got[key] = fields[1]
	}

	want := map[string]string{"b": "missing", "c": "size", "d": "etag"}
	if len(got) != len(want) {
		t.Fatalf("diffs = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("diff[%s] = %q, want %q", k, got[k], v)
		}
	}

	status := env.tracker.GetStatus()
	if status.SuccessObjects != 1 || status.FailedObjects != 3 {
		t.Errorf("progress = %+v", status)
	}
}

func TestAnalyzeSizeBuckets(t *testing.T) {
	src := testutil.NewMemoryClient()
	src.PutN("src", "small-", 3, 10)
	src.Put("src", "medium", make([]byte, 2*mib))
	src.Put("other", "x", []byte("x"))

	spec := task.CompareSpec{Source: task.ObjectStorage{Endpoint: "src", Bucket: "src"}}
	counts, err := NewCompare(spec, src, nil, newTestMetrics()).Analyze(context.Background())
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	want := map[string]int64{"<1MiB": 3, "1MiB-10MiB": 1, "10MiB-100MiB": 0, "100MiB-1GiB": 0, ">=1GiB": 0}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("counts[%s] = %d, want %d", k, counts[k], v)
		}
	}
}

func TestSizeBucket(t *testing.T) {
	tests := []struct {
		size int64
		want string
	}{
		{0, "<1MiB"},
		{mib - 1, "<1MiB"},
		{mib, "1MiB-10MiB"},
		{100 * mib, "100MiB-1GiB"},
		{gib, ">=1GiB"},
	}
	for _, tt := range tests {
		if got := sizeBucket(tt.size); got != tt.want {
			t.Errorf("sizeBucket(%d) = %q, want %q", tt.size, got, tt.want)
		}
	}
}
