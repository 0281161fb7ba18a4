package memory

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator"
)

type object struct {
	data         []byte
	contentType  string
	lastModified time.Time
}

// Backend is an in-memory implementation of the orchestrator.BlobStore interface
type Backend struct {
	mu      sync.RWMutex
	objects map[string]object
	now     func() time.Time
}

// New creates a new in-memory storage backend
func New() *Backend {
	return &Backend{
		objects: make(map[string]object),
		now:     time.Now,
	}
}

// Get returns the object's content and metadata
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, *orchestrator.ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[key]
	if !exists {
		return nil, nil, orchestrator.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), info(key, obj), nil
}

// Put stores content, replacing any existing object
func (b *Backend) Put(ctx context.Context, key string, reader io.Reader, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = object{data: data, contentType: contentType, lastModified: b.now()}
	return nil
}

// Stat returns object metadata
func (b *Backend) Stat(ctx context.Context, key string) (*orchestrator.ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[key]
	if !exists {
		return nil, orchestrator.ErrObjectNotFound
	}
	return info(key, obj), nil
}

// PresignGet is not supported, objects are streamed by the caller
func (b *Backend) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "", orchestrator.ErrPresignNotSupported
}

// Delete removes an object
func (b *Backend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.objects[key]; !exists {
		return orchestrator.ErrObjectNotFound
	}
	delete(b.objects, key)
	return nil
}

// SetModified overrides an object's last modified time
func (b *Backend) SetModified(key string, t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if obj, ok := b.objects[key]; ok {
		obj.lastModified = t
		b.objects[key] = obj
	}
}

func info(key string, obj object) *orchestrator.ObjectInfo {
	return &orchestrator.ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		ContentType:  obj.contentType,
		LastModified: obj.lastModified,
	}
}
