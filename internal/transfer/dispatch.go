package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"osspipe/internal/task"

	"golang.org/x/time/rate"
)

// dispatcherWorker is the position key of the list reader itself
const dispatcherWorker = "dispatcher"

// objectHandler processes one listed object. done=false means it stopped
// early because a stop was requested and the object is still unfinished.
type objectHandler func(ctx context.Context, item listItem) (done bool, err error)

// dispatcher reads an object list and fans it out to batch workers and
// large-object workers. Every worker keeps the position of its first
// unfinished line reported, so the task minimum never passes unfinished work.
type dispatcher struct {
	env       task.Env
	batchSize int
	isLarge   func(listItem) bool
	small     objectHandler
	large     objectHandler

	wg      sync.WaitGroup
	seq     atomic.Int64
	errOnce sync.Once
	err     atomic.Value
}

func (d *dispatcher) run(ctx context.Context, path string, start task.FilePosition) error {
	r, err := openObjectList(path, start)
	if err != nil {
		return err
	}
	defer r.Close()
	defer d.wg.Wait()

	d.env.ReportPosition(dispatcherWorker, start)

	batch := make([]listItem, 0, d.batchSize)
	for {
		if err := d.failed(); err != nil {
			return err
		}
		if d.env.Stopped() {
			return nil
		}

		item, err := r.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if d.isLarge(item) {
			if err := d.spawnLarge(item); err != nil {
				return err
			}
			continue
		}

		batch = append(batch, item)
		if len(batch) < d.batchSize {
			continue
		}
		if err := d.spawnBatch(batch); err != nil {
			return err
		}
		batch = make([]listItem, 0, d.batchSize)
		d.env.ReportPosition(dispatcherWorker, r.position())
	}

	if len(batch) > 0 {
		if err := d.spawnBatch(batch); err != nil {
			return err
		}
	}
	d.env.ReportPosition(dispatcherWorker, r.position())

	d.wg.Wait()
	return d.failed()
}

func (d *dispatcher) spawnBatch(batch []listItem) error {
	id := fmt.Sprintf("batch-%d", d.seq.Add(1))
	// reported before the dispatcher moves past the batch
	d.env.ReportPosition(id, batch[0].Pos)

	d.wg.Add(1)
	err := d.env.Spawn(task.CategoryExecution, func(ctx context.Context) error {
		defer d.wg.Done()
		return d.fail(d.runBatch(ctx, id, batch))
	})
	if err != nil {
		d.wg.Done()
		return fmt.Errorf("failed to spawn %s: %w", id, err)
	}
	return nil
}

func (d *dispatcher) runBatch(ctx context.Context, id string, batch []listItem) error {
	for i, item := range batch {
		if d.env.Stopped() {
			return nil
		}

		done, err := d.small(ctx, item)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}

		if i+1 < len(batch) {
			d.env.ReportPosition(id, batch[i+1].Pos)
		}
	}

	d.env.ClearPosition(id)
	return nil
}

func (d *dispatcher) spawnLarge(item listItem) error {
	id := fmt.Sprintf("large-%d", d.seq.Add(1))
	d.env.ReportPosition(id, item.Pos)

	d.wg.Add(1)
	err := d.env.Spawn(task.CategoryLarge, func(ctx context.Context) error {
		defer d.wg.Done()
		if d.env.Stopped() {
			return nil
		}

		done, err := d.large(ctx, item)
		if err != nil {
			return d.fail(err)
		}
		if done {
			d.env.ClearPosition(id)
		}
		return nil
	})
	if err != nil {
		d.wg.Done()
		return fmt.Errorf("failed to spawn %s: %w", id, err)
	}
	return nil
}

// fail records the first worker error so the dispatcher stops feeding work
func (d *dispatcher) fail(err error) error {
	if err != nil {
		d.errOnce.Do(func() { d.err.Store(err) })
	}
	return err
}

func (d *dispatcher) failed() error {
	if err, ok := d.err.Load().(error); ok {
		return err
	}
	return nil
}

// throttle waits for the limiter. It returns false when a stop arrives first.
func throttle(ctx context.Context, env task.Env, limiter *rate.Limiter) bool {
	if limiter == nil {
		return true
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-env.OnStop():
			cancel()
		case <-ctx.Done():
		}
	}()

	return limiter.Wait(ctx) == nil
}

// sleepUnlessStopped waits d. It returns false when a stop arrives first.
func sleepUnlessStopped(env task.Env, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-env.OnStop():
		return false
	}
}

func newLimiter(objectsPerSecond float64) *rate.Limiter {
	if objectsPerSecond <= 0 {
		return nil
	}
	burst := int(objectsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(objectsPerSecond), burst)
}
