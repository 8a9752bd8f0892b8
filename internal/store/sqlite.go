package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store with one SQLite table per namespace
type SQLiteStore struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
}

// NewSQLiteStore opens (creating if missing) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(10 * time.Minute)

	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) createTables() error {
	var b strings.Builder
	for _, ns := range Namespaces {
		fmt.Fprintf(&b, `
	CREATE TABLE IF NOT EXISTS %s (
		key TEXT NOT NULL PRIMARY KEY,
		value BLOB NOT NULL
	) WITHOUT ROWID;`, ns)
	}

	_, err := s.db.Exec(b.String())
	return err
}

// Put writes value under key, replacing any previous value
func (s *SQLiteStore) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	if err := s.check(ns); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}

	// Serialize writers so concurrent snapshot and status writes do not fight over SQLITE_BUSY
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := fmt.Sprintf(`
	INSERT INTO %s (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, ns)

	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, query, key, value)
		return err
	})
}

// Get reads the value under key
func (s *SQLiteStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	if err := s.check(ns); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, ns)

	var value []byte
	err := s.retryOnBusy(func() error {
		return s.db.QueryRowContext(ctx, query, key).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", ns, key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return value, nil
}

// Delete removes key; deleting a missing key is not an error
func (s *SQLiteStore) Delete(ctx context.Context, ns Namespace, key string) error {
	if err := s.check(ns); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, ns)
	return s.retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, query, key)
		return err
	})
}

// Scan streams rows of ns ordered by key
func (s *SQLiteStore) Scan(ctx context.Context, ns Namespace, fn ScanFunc) error {
	if err := s.check(ns); err != nil {
		return err
	}

	query := fmt.Sprintf(`SELECT key, value FROM %s ORDER BY key ASC`, ns)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", ns, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}

		if err := fn(key, value); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}

	return rows.Err()
}

func (s *SQLiteStore) check(ns Namespace) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return checkNamespace(ns)
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	const maxRetries = 10
	baseDelay := 20 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = operation()
		if err == nil || !isSQLiteBusyError(err) {
			return err
		}

		delay := baseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(attempt*10) * time.Millisecond
		time.Sleep(delay + jitter)
	}

	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
