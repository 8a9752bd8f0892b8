package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"osspipe/internal/store"
)

// Repository maps task records onto the store namespaces. Task id is the key in
// every namespace.
type Repository struct {
	store store.Store
	now   func() time.Time
}

// NewRepository creates a repository over s
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s, now: time.Now}
}

// SaveDefinition rewrites the whole definition record
func (r *Repository) SaveDefinition(ctx context.Context, d Definition) error {
	data, err := EncodeDefinition(d)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, store.NamespaceTask, d.TaskID, data); err != nil {
		return storeErr("save task", d.TaskID, err)
	}
	return nil
}

// GetDefinition loads a definition, returning ErrNotFound for unknown ids
func (r *Repository) GetDefinition(ctx context.Context, taskID string) (Definition, error) {
	data, err := r.store.Get(ctx, store.NamespaceTask, taskID)
	if err != nil {
		return Definition{}, storeErr("get task", taskID, err)
	}
	return DecodeDefinition(data)
}

// HasDefinition reports whether taskID is known
func (r *Repository) HasDefinition(ctx context.Context, taskID string) (bool, error) {
	_, err := r.store.Get(ctx, store.NamespaceTask, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("get task", taskID, err)
	}
	return true, nil
}

func (r *Repository) DeleteDefinition(ctx context.Context, taskID string) error {
	if err := r.store.Delete(ctx, store.NamespaceTask, taskID); err != nil {
		return storeErr("delete task", taskID, err)
	}
	return nil
}

// ScanDefinitions streams every definition in task id order. Returning
// store.ErrStopScan from fn ends the scan without error.
func (r *Repository) ScanDefinitions(ctx context.Context, fn func(taskID string, d Definition) error) error {
	var cbErr error
	err := r.store.Scan(ctx, store.NamespaceTask, func(key string, value []byte) error {
		d, err := DecodeDefinition(value)
		if err != nil {
			cbErr = fmt.Errorf("task %s: %w", key, err)
			return cbErr
		}
		if err := fn(key, d); err != nil {
			if !errors.Is(err, store.ErrStopScan) {
				cbErr = err
			}
			return err
		}
		return nil
	})
	if cbErr != nil {
		return cbErr
	}
	if err != nil {
		return storeErr("scan tasks", "", err)
	}
	return nil
}

// SaveStatus writes the status record, stamping StartTime when the task is starting
func (r *Repository) SaveStatus(ctx context.Context, s *Status) error {
	if s.IsStarting() {
		s.StartTime = uint64(r.now().Unix())
	}
	if err := r.store.Put(ctx, store.NamespaceStatus, s.TaskID, EncodeStatus(*s)); err != nil {
		return storeErr("save status", s.TaskID, err)
	}
	return nil
}

func (r *Repository) GetStatus(ctx context.Context, taskID string) (Status, error) {
	data, err := r.store.Get(ctx, store.NamespaceStatus, taskID)
	if err != nil {
		return Status{}, storeErr("get status", taskID, err)
	}
	return DecodeStatus(data)
}

func (r *Repository) DeleteStatus(ctx context.Context, taskID string) error {
	if err := r.store.Delete(ctx, store.NamespaceStatus, taskID); err != nil {
		return storeErr("delete status", taskID, err)
	}
	return nil
}

// LivingStatuses returns every persisted status that is not stopped
func (r *Repository) LivingStatuses(ctx context.Context) ([]Status, error) {
	var living []Status
	err := r.store.Scan(ctx, store.NamespaceStatus, func(key string, value []byte) error {
		s, err := DecodeStatus(value)
		if err != nil {
			return fmt.Errorf("status %s: %w", key, err)
		}
		if s.Living() {
			living = append(living, s)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStore) {
			return nil, err
		}
		return nil, storeErr("scan statuses", "", err)
	}
	return living, nil
}

// SaveCheckpoint writes the checkpoint record, stamping ModifyTimestamp
func (r *Repository) SaveCheckpoint(ctx context.Context, c *CheckPoint) error {
	c.ModifyTimestamp = r.now().Unix()
	if err := r.store.Put(ctx, store.NamespaceCheckpoints, c.TaskID, EncodeCheckPoint(*c)); err != nil {
		return storeErr("save checkpoint", c.TaskID, err)
	}
	return nil
}

func (r *Repository) GetCheckpoint(ctx context.Context, taskID string) (CheckPoint, error) {
	data, err := r.store.Get(ctx, store.NamespaceCheckpoints, taskID)
	if err != nil {
		return CheckPoint{}, storeErr("get checkpoint", taskID, err)
	}
	return DecodeCheckPoint(data)
}

func (r *Repository) DeleteCheckpoint(ctx context.Context, taskID string) error {
	if err := r.store.Delete(ctx, store.NamespaceCheckpoints, taskID); err != nil {
		return storeErr("delete checkpoint", taskID, err)
	}
	return nil
}

func storeErr(op, taskID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if taskID == "" {
		return fmt.Errorf("%w: failed to %s: %w", ErrStore, op, err)
	}
	return fmt.Errorf("%w: failed to %s %s: %w", ErrStore, op, taskID, err)
}
