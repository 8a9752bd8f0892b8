package transfer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"osspipe/internal/progress"
	"osspipe/internal/storage"
	"osspipe/internal/task"
)

const (
	objectListName = "objects.list"
	errorListName  = "errors.list"
	diffListName   = "diff.list"
)

// listEntry is one line of an object list: size \t etag \t quoted key
type listEntry struct {
	Key  string
	Size int64
	ETag string
}

func (e listEntry) encode() string {
	return fmt.Sprintf("%d\t%s\t%s\n", e.Size, e.ETag, strconv.Quote(e.Key))
}

func parseEntry(line string) (listEntry, error) {
	fields := strings.SplitN(line, "\t", 3)
	if len(fields) != 3 {
		return listEntry{}, fmt.Errorf("malformed list line %q", line)
	}

	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return listEntry{}, fmt.Errorf("malformed size in list line %q: %w", line, err)
	}
	key, err := strconv.Unquote(fields[2])
	if err != nil {
		return listEntry{}, fmt.Errorf("malformed key in list line %q: %w", line, err)
	}

	return listEntry{Key: key, Size: size, ETag: fields[1]}, nil
}

// writeObjectList lists bucket/prefix into path. The list is written to a
// temporary file and renamed into place once complete, so a readable list is
// always a full one. Totals on tracker, when set, grow as objects are listed.
// stop is polled between objects; a stopped listing returns stopped=true and
// leaves no list behind.
func writeObjectList(ctx context.Context, client storage.Client, bucket, prefix, path string, tracker *progress.Tracker, stop func() bool) (objects, bytes int64, stopped bool, err error) {
	if tracker != nil {
		tracker.SetTotal(0, 0)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to create object list: %w", err)
	}
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := bufio.NewWriter(f)
	objCh, errCh := client.ListObjects(listCtx, bucket, prefix)
	for obj := range objCh {
		if stop() {
			return objects, bytes, true, nil
		}
		if _, err := w.WriteString(listEntry{Key: obj.Key, Size: obj.Size, ETag: obj.ETag}.encode()); err != nil {
			return objects, bytes, false, fmt.Errorf("failed to write object list: %w", err)
		}
		objects++
		bytes += obj.Size
		if tracker != nil {
			tracker.AddTotal(1, obj.Size)
		}
	}
	if err := <-errCh; err != nil {
		return objects, bytes, false, fmt.Errorf("error listing objects: %w", err)
	}

	if err := w.Flush(); err != nil {
		return objects, bytes, false, fmt.Errorf("failed to flush object list: %w", err)
	}
	if err := f.Sync(); err != nil {
		return objects, bytes, false, fmt.Errorf("failed to sync object list: %w", err)
	}
	if err := f.Close(); err != nil {
		return objects, bytes, false, fmt.Errorf("failed to close object list: %w", err)
	}
	f = nil

	if err := os.Rename(tmp, path); err != nil {
		return objects, bytes, false, fmt.Errorf("failed to publish object list: %w", err)
	}
	return objects, bytes, false, nil
}

// listItem is an entry with the position of the line it was read from
type listItem struct {
	listEntry
	Pos task.FilePosition
}

// listReader reads an object list from a position, tracking the position of
// the next unread line
type listReader struct {
	f   *os.File
	r   *bufio.Reader
	pos task.FilePosition
}

func openObjectList(path string, start task.FilePosition) (*listReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open object list: %w", err)
	}
	if _, err := f.Seek(int64(start.Offset), io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to seek object list to %d: %w", start.Offset, err)
	}
	return &listReader{f: f, r: bufio.NewReader(f), pos: start}, nil
}

// next returns the next entry, or io.EOF at the end of the list
func (l *listReader) next() (listItem, error) {
	line, err := l.r.ReadString('\n')
	if err == io.EOF && line == "" {
		return listItem{}, io.EOF
	}
	if err != nil && err != io.EOF {
		return listItem{}, fmt.Errorf("failed to read object list: %w", err)
	}

	item := listItem{Pos: l.pos}
	l.pos.Offset += uint64(len(line))
	l.pos.LineNum++

	entry, err := parseEntry(strings.TrimSuffix(line, "\n"))
	if err != nil {
		return listItem{}, fmt.Errorf("line %d: %w", item.Pos.LineNum, err)
	}
	item.listEntry = entry
	return item, nil
}

// position is where the next unread line starts
func (l *listReader) position() task.FilePosition {
	return l.pos
}

func (l *listReader) Close() error {
	return l.f.Close()
}

// remaining sums the entries of the list from start to the end
func remaining(path string, start task.FilePosition) (objects, bytes int64, err error) {
	r, err := openObjectList(path, start)
	if err != nil {
		return 0, 0, err
	}
	defer r.Close()

	for {
		item, err := r.next()
		if err == io.EOF {
			return objects, bytes, nil
		}
		if err != nil {
			return objects, bytes, err
		}
		objects++
		bytes += item.Size
	}
}
