package transfer

import (
	"context"
	"errors"
	"path/filepath"

	"osspipe/internal/metrics"
	"osspipe/internal/storage"
	"osspipe/internal/task"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Compare checks every source object against the target and records each
// missing or differing key in diff.list
type Compare struct {
	spec    task.CompareSpec
	src     storage.Client
	dst     storage.Client
	metrics *metrics.Collector
	limiter *rate.Limiter
}

func NewCompare(spec task.CompareSpec, src, dst storage.Client, m *metrics.Collector) *Compare {
	return &Compare{
		spec:    spec,
		src:     src,
		dst:     dst,
		metrics: m,
		limiter: newLimiter(spec.Attributes.ObjectsPerSecond),
	}
}

func (c *Compare) Execute(ctx context.Context, env task.Env) error {
	logger := env.Logger()
	env.MarkRunning()

	listPath := filepath.Join(env.MetaDir(), objectListName)
	start, ok, err := prepareList(ctx, env, c.src, c.spec.Source, listPath)
	if err != nil || !ok {
		return err
	}

	diffs, err := openRecordFile(filepath.Join(env.MetaDir(), diffListName))
	if err != nil {
		return err
	}
	defer diffs.Close()

	check := func(ctx context.Context, item listItem) (bool, error) {
		return c.compareObject(ctx, env, diffs, item)
	}
	d := &dispatcher{
		env:       env,
		batchSize: c.spec.Attributes.BatchSize,
		isLarge:   func(listItem) bool { return false },
		small:     check,
		large:     check,
	}
	if err := d.run(ctx, listPath, start); err != nil {
		return err
	}

	logger.Info("Compare pass finished",
		zap.Int64("differences", diffs.Count()),
		zap.Bool("stopped", env.Stopped()),
	)
	return nil
}

func (c *Compare) Analyze(ctx context.Context) (map[string]int64, error) {
	return analyzeSource(ctx, c.src, c.spec.Source)
}

func (c *Compare) compareObject(ctx context.Context, env task.Env, diffs *recordFile, item listItem) (bool, error) {
	if !throttle(ctx, env, c.limiter) {
		return false, nil
	}

	info, err := c.dst.HeadObject(ctx, c.spec.Target.Bucket, targetKey(c.spec.Source, c.spec.Target, item.Key))

	var reason string
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		reason = "missing"
	case err != nil:
		reason = "error: " + oneLine(err)
	case info.Size != item.Size:
		reason = "size"
	case c.spec.Attributes.CheckETag && info.ETag != item.ETag:
		reason = "etag"
	}

	if reason == "" {
		env.Progress().AddSuccess(item.Size)
		c.metrics.IncObjects(string(task.KindCompare), "match")
		return true, nil
	}

	env.Logger().Debug("Object differs", zap.String("key", item.Key), zap.String("reason", reason))
	env.Progress().AddFailed()
	c.metrics.IncObjects(string(task.KindCompare), "differ")
	if err := diffs.Append(item.Key, reason); err != nil {
		return false, err
	}
	return true, nil
}
