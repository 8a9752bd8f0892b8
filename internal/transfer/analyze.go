package transfer

import (
	"context"
	"fmt"

	"osspipe/internal/storage"
	"osspipe/internal/task"
)

const (
	kib = int64(1024)
	mib = 1024 * kib
	gib = 1024 * mib
)

// SizeBuckets names the buckets of an analysis in ascending order
var SizeBuckets = []string{"<1MiB", "1MiB-10MiB", "10MiB-100MiB", "100MiB-1GiB", ">=1GiB"}

func sizeBucket(size int64) string {
	switch {
	case size < mib:
		return SizeBuckets[0]
	case size < 10*mib:
		return SizeBuckets[1]
	case size < 100*mib:
		return SizeBuckets[2]
	case size < gib:
		return SizeBuckets[3]
	default:
		return SizeBuckets[4]
	}
}

// analyzeSource counts the source objects per size bucket
func analyzeSource(ctx context.Context, client storage.Client, src task.ObjectStorage) (map[string]int64, error) {
	counts := make(map[string]int64, len(SizeBuckets))
	for _, b := range SizeBuckets {
		counts[b] = 0
	}

	objCh, errCh := client.ListObjects(ctx, src.Bucket, src.Prefix)
	for obj := range objCh {
		counts[sizeBucket(obj.Size)]++
	}
	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("error listing objects: %w", err)
	}

	return counts, nil
}
