package engine

import (
	"fmt"

	"osspipe/internal/storage"
	"osspipe/internal/task"
	"osspipe/internal/transfer"
)

const controlWorkers = 4

// runnerFor builds the runner of a definition's kind
func (m *Manager) runnerFor(def task.Definition) (task.Runner, error) {
	switch def.Kind {
	case task.KindTransfer:
		src, dst, err := m.clients(def.Transfer.Source, def.Transfer.Target)
		if err != nil {
			return nil, err
		}
		return transfer.NewTransfer(*def.Transfer, src, dst, m.metrics), nil
	case task.KindCompare:
		src, dst, err := m.clients(def.Compare.Source, def.Compare.Target)
		if err != nil {
			return nil, err
		}
		return transfer.NewCompare(*def.Compare, src, dst, m.metrics), nil
	default:
		return nil, fmt.Errorf("%w: unknown task kind %q", task.ErrValidation, def.Kind)
	}
}

func (m *Manager) clients(src, dst task.ObjectStorage) (storage.Client, storage.Client, error) {
	srcClient, err := m.newClient(storageConfig(src))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create source client: %w", err)
	}
	dstClient, err := m.newClient(storageConfig(dst))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create target client: %w", err)
	}
	return srcClient, dstClient, nil
}

func storageConfig(o task.ObjectStorage) storage.Config {
	return storage.Config{
		Endpoint:  o.Endpoint,
		AccessKey: o.AccessKey,
		SecretKey: o.SecretKey,
		Secure:    o.Secure,
	}
}

// workerLimits sizes the worker groups of an execution from its attributes.
// Large objects get a quarter of the execution slots.
func workerLimits(def task.Definition) map[task.WorkerCategory]int {
	concurrency := 1
	switch def.Kind {
	case task.KindTransfer:
		concurrency = def.Transfer.Attributes.Concurrency
	case task.KindCompare:
		concurrency = def.Compare.Attributes.Concurrency
	}

	large := concurrency / 4
	if large < 1 {
		large = 1
	}
	return map[task.WorkerCategory]int{
		task.CategoryControl:   controlWorkers,
		task.CategoryExecution: concurrency,
		task.CategoryLarge:     large,
	}
}
