// Package transfer implements the object storage task kinds: Transfer copies
// a source prefix to a target, Compare records where the two differ.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"osspipe/internal/metrics"
	"osspipe/internal/storage"
	"osspipe/internal/task"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// errStopped aborts an object copy between parts once a stop is requested
var errStopped = errors.New("stop requested")

// Transfer copies every object under the source prefix to the target
type Transfer struct {
	spec    task.TransferSpec
	src     storage.Client
	dst     storage.Client
	metrics *metrics.Collector
	limiter *rate.Limiter
}

func NewTransfer(spec task.TransferSpec, src, dst storage.Client, m *metrics.Collector) *Transfer {
	return &Transfer{
		spec:    spec,
		src:     src,
		dst:     dst,
		metrics: m,
		limiter: newLimiter(spec.Attributes.ObjectsPerSecond),
	}
}

func (t *Transfer) Execute(ctx context.Context, env task.Env) error {
	logger := env.Logger()
	env.MarkRunning()

	listPath := filepath.Join(env.MetaDir(), objectListName)
	start, ok, err := prepareList(ctx, env, t.src, t.spec.Source, listPath)
	if err != nil || !ok {
		return err
	}

	errs, err := openRecordFile(filepath.Join(env.MetaDir(), errorListName))
	if err != nil {
		return err
	}
	defer errs.Close()

	c := &copier{Transfer: t, env: env, errs: errs, logger: logger}
	d := &dispatcher{
		env:       env,
		batchSize: t.spec.Attributes.BatchSize,
		isLarge:   func(item listItem) bool { return item.Size >= t.spec.Attributes.LargeObjectThreshold },
		small:     c.copyObject,
		large:     c.copyObject,
	}
	if err := d.run(ctx, listPath, start); err != nil {
		return err
	}

	status := env.Progress().GetStatus()
	logger.Info("Transfer pass finished",
		zap.Int64("success_objects", status.SuccessObjects),
		zap.Int64("skipped_objects", status.SkippedObjects),
		zap.Int64("failed_objects", errs.Count()),
		zap.Bool("stopped", env.Stopped()),
	)
	return nil
}

func (t *Transfer) Analyze(ctx context.Context) (map[string]int64, error) {
	return analyzeSource(ctx, t.src, t.spec.Source)
}

// prepareList returns the list position to dispatch from. The source is
// listed first unless the checkpoint already points into the transfer stage.
// ok is false when a stop arrived during listing.
func prepareList(ctx context.Context, env task.Env, client storage.Client, src task.ObjectStorage, path string) (start task.FilePosition, ok bool, err error) {
	logger := env.Logger()

	if cp, has := env.Checkpoint(); has && cp.Stage == task.StageTransfer {
		if _, err := os.Stat(path); err == nil {
			logger.Info("Resuming from checkpoint",
				zap.Uint64("offset", cp.ExecutingFilePosition.Offset),
				zap.Uint64("line_num", cp.ExecutingFilePosition.LineNum),
			)
			return cp.ExecutingFilePosition, true, setTotals(env, path, cp.ExecutingFilePosition)
		}
		logger.Warn("Object list missing, listing source again", zap.String("path", path))
	}

	if err := env.SetStage(ctx, task.StageList, path, task.FilePosition{}); err != nil {
		return task.FilePosition{}, false, err
	}

	objects, size, stopped, err := writeObjectList(ctx, client, src.Bucket, src.Prefix, path, env.Progress(), env.Stopped)
	if err != nil || stopped {
		return task.FilePosition{}, false, err
	}
	logger.Info("Finished listing objects",
		zap.String("bucket", src.Bucket),
		zap.Int64("total_objects", objects),
		zap.Int64("total_size_bytes", size),
	)

	if err := env.SetStage(ctx, task.StageTransfer, path, task.FilePosition{}); err != nil {
		return task.FilePosition{}, false, err
	}
	return task.FilePosition{}, true, nil
}

func setTotals(env task.Env, path string, start task.FilePosition) error {
	objects, size, err := remaining(path, start)
	if err != nil {
		return err
	}
	env.Progress().SetTotal(objects, size)
	return nil
}

// targetKey maps a source key under the source prefix onto the target prefix
func targetKey(src, dst task.ObjectStorage, key string) string {
	return dst.Prefix + strings.TrimPrefix(key, src.Prefix)
}

// copier copies single objects for one execution of a Transfer
type copier struct {
	*Transfer
	env    task.Env
	errs   *recordFile
	logger *zap.Logger
}

func (c *copier) copyObject(ctx context.Context, item listItem) (bool, error) {
	startTime := time.Now()
	attrs := c.spec.Attributes
	dstKey := targetKey(c.spec.Source, c.spec.Target, item.Key)

	if !throttle(ctx, c.env, c.limiter) {
		return false, nil
	}

	if attrs.SkipExisting && c.existsAndMatches(ctx, dstKey, item) {
		c.logger.Debug("Skipping existing object", zap.String("key", item.Key))
		c.env.Progress().AddSkipped(item.Size)
		c.metrics.IncObjects(string(task.KindTransfer), "skipped")
		return true, nil
	}

	var lastErr error
	for attempt := 1; attempt <= attrs.Retries; attempt++ {
		err := c.copyOnce(ctx, dstKey, item)
		if err == nil {
			c.env.Progress().AddSuccess(item.Size)
			c.metrics.IncObjects(string(task.KindTransfer), "success")
			c.metrics.AddBytes(item.Size)
			c.metrics.ObserveDuration(time.Since(startTime))
			c.logger.Debug("Object copied",
				zap.String("key", item.Key),
				zap.Int64("size", item.Size),
				zap.Duration("duration", time.Since(startTime)),
			)
			return true, nil
		}
		if errors.Is(err, errStopped) {
			return false, nil
		}

		lastErr = err
		c.logger.Warn("Object attempt failed",
			zap.String("key", item.Key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if !isRetriableError(err) {
			break
		}
		if attempt < attrs.Retries && !sleepUnlessStopped(c.env, backoff(attrs.RetryBackoffMs, attempt)) {
			return false, nil
		}
	}

	c.env.Progress().AddFailed()
	c.metrics.IncObjects(string(task.KindTransfer), "failed")
	c.logger.Error("Object failed after all retries",
		zap.String("key", item.Key),
		zap.Error(lastErr),
	)
	if err := c.errs.Append(item.Key, oneLine(lastErr)); err != nil {
		return false, err
	}
	return true, nil
}

func (c *copier) copyOnce(ctx context.Context, dstKey string, item listItem) error {
	if item.Size < c.spec.Attributes.LargeObjectThreshold {
		return c.uploadSingle(ctx, dstKey, item)
	}
	return c.uploadMultipart(ctx, dstKey, item)
}

func (c *copier) uploadSingle(ctx context.Context, dstKey string, item listItem) error {
	srcObj, err := c.src.GetObject(ctx, c.spec.Source.Bucket, item.Key, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to get source object: %w", err)
	}
	defer srcObj.Close()

	if err := c.dst.PutObject(ctx, c.spec.Target.Bucket, dstKey, srcObj, item.Size, storage.PutOptions{}); err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

// uploadMultipart copies a large object part by part with ranged reads. The
// upload is aborted when a part fails or a stop is requested between parts.
func (c *copier) uploadMultipart(ctx context.Context, dstKey string, item listItem) error {
	bucket := c.spec.Target.Bucket
	partSize := c.spec.Attributes.PartSize

	uploadID, err := c.dst.NewMultipartUpload(ctx, bucket, dstKey, storage.PutOptions{})
	if err != nil {
		return fmt.Errorf("failed to initiate multipart upload: %w", err)
	}

	abort := func(cause error) error {
		if err := c.dst.AbortMultipartUpload(ctx, bucket, dstKey, uploadID); err != nil {
			c.logger.Warn("Failed to abort multipart upload",
				zap.String("key", dstKey),
				zap.String("upload_id", uploadID),
				zap.Error(err),
			)
		}
		return cause
	}

	partCount := int(math.Ceil(float64(item.Size) / float64(partSize)))
	parts := make([]storage.CompletedPart, 0, partCount)

	for partNum := 1; partNum <= partCount; partNum++ {
		if c.env.Stopped() {
			return abort(errStopped)
		}

		offset := int64(partNum-1) * partSize
		size := partSize
		if offset+size > item.Size {
			size = item.Size - offset
		}

		data, err := c.readPart(ctx, item.Key, offset, size)
		if err != nil {
			return abort(fmt.Errorf("failed to read part %d: %w", partNum, err))
		}

		etag, err := c.dst.UploadPart(ctx, bucket, dstKey, uploadID, partNum, bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return abort(fmt.Errorf("failed to upload part %d: %w", partNum, err))
		}
		parts = append(parts, storage.CompletedPart{PartNumber: partNum, ETag: etag})
	}

	if err := c.dst.CompleteMultipartUpload(ctx, bucket, dstKey, uploadID, parts); err != nil {
		return abort(fmt.Errorf("failed to complete multipart upload: %w", err))
	}
	return nil
}

func (c *copier) readPart(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	r, err := c.src.GetObject(ctx, c.spec.Source.Bucket, key, offset, size)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data := make([]byte, size)
	n, err := io.ReadFull(r, data)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return data[:n], nil
}

func (c *copier) existsAndMatches(ctx context.Context, dstKey string, item listItem) bool {
	info, err := c.dst.HeadObject(ctx, c.spec.Target.Bucket, dstKey)
	if err != nil {
		return false
	}
	return info.Size == item.Size && info.ETag == item.ETag
}

func isRetriableError(err error) bool {
	if err == nil || errors.Is(err, storage.ErrObjectNotFound) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, s := range []string{
		"timeout", "connection", "temporary", "network", "dns", "eof",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "slow down",
	} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

func backoff(baseMs, attempt int) time.Duration {
	base := time.Duration(baseMs) * time.Millisecond
	return base * time.Duration(math.Pow(2, float64(attempt-1)))
}

func oneLine(err error) string {
	return strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(err.Error())
}
