// Package testutil provides in-memory collaborators for package tests.
package testutil

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"osspipe/internal/storage"
)

// MemoryClient is an in-memory storage.Client keyed by bucket and object key
type MemoryClient struct {
	mu      sync.RWMutex
	objects map[string]map[string]memObject
	uploads map[string]*memUpload
	nextID  atomic.Int64

	// Gate, when set, blocks every GetObject until it is closed or ctx ends
	Gate chan struct{}
	// FailGet makes GetObject fail for the listed keys
	FailGet map[string]error

	gets atomic.Int64
}

var _ storage.Client = (*MemoryClient)(nil)

type memObject struct {
	data        []byte
	etag        string
	contentType string
}

type memUpload struct {
	bucket string
	key    string
	parts  map[int][]byte
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		objects: make(map[string]map[string]memObject),
		uploads: make(map[string]*memUpload),
	}
}

// Put stores an object directly
func (c *MemoryClient) Put(bucket, key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(bucket, key, data, "")
}

// PutN stores n objects named key-00000... of the given size
func (c *MemoryClient) PutN(bucket, prefix string, n, size int) {
	for i := 0; i < n; i++ {
		c.Put(bucket, fmt.Sprintf("%s%05d", prefix, i), bytes.Repeat([]byte{byte(i)}, size))
	}
}

// Data returns the stored bytes of an object
func (c *MemoryClient) Data(bucket, key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	obj, ok := c.objects[bucket][key]
	return obj.data, ok
}

// Keys returns every key in bucket in order
func (c *MemoryClient) Keys(bucket string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.objects[bucket]))
	for k := range c.objects[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Gets returns how many GetObject calls were made
func (c *MemoryClient) Gets() int64 { return c.gets.Load() }

func (c *MemoryClient) putLocked(bucket, key string, data []byte, contentType string) {
	if c.objects[bucket] == nil {
		c.objects[bucket] = make(map[string]memObject)
	}
	sum := md5.Sum(data)
	c.objects[bucket][key] = memObject{
		data:        append([]byte(nil), data...),
		etag:        hex.EncodeToString(sum[:]),
		contentType: contentType,
	}
}

func (c *MemoryClient) ListObjects(ctx context.Context, bucket, prefix string) (<-chan storage.ObjectInfo, <-chan error) {
	objCh := make(chan storage.ObjectInfo)
	errCh := make(chan error, 1)

	c.mu.RLock()
	var infos []storage.ObjectInfo
	for key, obj := range c.objects[bucket] {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, storage.ObjectInfo{Key: key, Size: int64(len(obj.data)), ETag: obj.etag, ContentType: obj.contentType})
		}
	}
	c.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })

	go func() {
		defer close(objCh)
		defer close(errCh)
		for _, info := range infos {
			select {
			case objCh <- info:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return objCh, errCh
}

func (c *MemoryClient) HeadObject(_ context.Context, bucket, key string) (storage.ObjectInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	obj, ok := c.objects[bucket][key]
	if !ok {
		return storage.ObjectInfo{}, fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrObjectNotFound)
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(obj.data)), ETag: obj.etag, ContentType: obj.contentType}, nil
}

func (c *MemoryClient) GetObject(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	c.gets.Add(1)

	if c.Gate != nil {
		select {
		case <-c.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := c.FailGet[key]; err != nil {
		return nil, err
	}

	c.mu.RLock()
	obj, ok := c.objects[bucket][key]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, storage.ErrObjectNotFound)
	}

	data := obj.data
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	data = data[offset:]
	if length > 0 && length < int64(len(data)) {
		data = data[:length]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (c *MemoryClient) PutObject(_ context.Context, bucket, key string, reader io.Reader, _ int64, opts storage.PutOptions) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(bucket, key, data, opts.ContentType)
	return nil
}

func (c *MemoryClient) NewMultipartUpload(_ context.Context, bucket, key string, _ storage.PutOptions) (string, error) {
	id := fmt.Sprintf("upload-%d", c.nextID.Add(1))
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploads[id] = &memUpload{bucket: bucket, key: key, parts: make(map[int][]byte)}
	return id, nil
}

func (c *MemoryClient) UploadPart(_ context.Context, _, _, uploadID string, partNumber int, reader io.Reader, _ int64) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	up, ok := c.uploads[uploadID]
	if !ok {
		return "", fmt.Errorf("no such upload %s", uploadID)
	}
	up.parts[partNumber] = data
	return fmt.Sprintf("part-%d", partNumber), nil
}

func (c *MemoryClient) CompleteMultipartUpload(_ context.Context, _, _, uploadID string, parts []storage.CompletedPart) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	up, ok := c.uploads[uploadID]
	if !ok {
		return fmt.Errorf("no such upload %s", uploadID)
	}

	var buf bytes.Buffer
	for _, p := range parts {
		data, ok := up.parts[p.PartNumber]
		if !ok {
			return fmt.Errorf("upload %s has no part %d", uploadID, p.PartNumber)
		}
		buf.Write(data)
	}
	delete(c.uploads, uploadID)
	c.putLocked(up.bucket, up.key, buf.Bytes(), "")
	return nil
}

func (c *MemoryClient) AbortMultipartUpload(_ context.Context, _, _, uploadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.uploads, uploadID)
	return nil
}

// PendingUploads returns the number of multipart uploads neither completed nor aborted
func (c *MemoryClient) PendingUploads() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.uploads)
}
