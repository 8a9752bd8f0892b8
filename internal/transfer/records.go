package transfer

import (
	"fmt"
	"os"
	"strconv"
	"sync"
)

// recordFile appends key/reason lines shared by every worker of a task
type recordFile struct {
	mu sync.Mutex
	f  *os.File
	n  int64
}

func openRecordFile(path string) (*recordFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &recordFile{f: f}, nil
}

func (r *recordFile) Append(key, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := fmt.Fprintf(r.f, "%s\t%s\n", strconv.Quote(key), reason); err != nil {
		return fmt.Errorf("failed to append record for %s: %w", key, err)
	}
	r.n++
	return nil
}

// Count returns how many records were appended by this process
func (r *recordFile) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *recordFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}
