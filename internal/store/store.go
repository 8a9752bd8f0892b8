package store

import (
	"context"
	"errors"
	"fmt"
)

// Namespace is an isolated key space within the store
type Namespace string

const (
	NamespaceTask        Namespace = "cf_task"
	NamespaceStatus      Namespace = "cf_task_status"
	NamespaceCheckpoints Namespace = "cf_task_checkpoints"
)

// Namespaces lists every namespace the store creates on open
var Namespaces = []Namespace{NamespaceTask, NamespaceStatus, NamespaceCheckpoints}

var (
	// ErrNotFound is returned by Get when the key is absent
	ErrNotFound = errors.New("key not found")
	// ErrStopScan can be returned from a scan callback to end the scan early
	ErrStopScan = errors.New("stop scan")
	// ErrClosed is returned by every operation after Close
	ErrClosed = errors.New("store is closed")
)

// ScanFunc receives one key/value pair of a scan, in ascending key order
type ScanFunc func(key string, value []byte) error

// Store defines the interface for durable key-value persistence
type Store interface {
	Put(ctx context.Context, ns Namespace, key string, value []byte) error
	Get(ctx context.Context, ns Namespace, key string) ([]byte, error)
	Delete(ctx context.Context, ns Namespace, key string) error
	// Scan streams every pair in ns. Calling it again restarts from the first key.
	Scan(ctx context.Context, ns Namespace, fn ScanFunc) error

	Close() error
}

func checkNamespace(ns Namespace) error {
	for _, known := range Namespaces {
		if ns == known {
			return nil
		}
	}
	return fmt.Errorf("unknown namespace %q", ns)
}
