package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator"
)

// Backend is a filesystem implementation of the orchestrator.BlobStore interface
type Backend struct {
	baseDir string
}

// Config options for the filesystem backend
type Config struct {
	BaseDir string // Base directory for storing files
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}
	if err := os.MkdirAll(config.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Backend{baseDir: filepath.Clean(config.BaseDir)}, nil
}

// path maps a key into baseDir, rejecting keys that escape it
func (b *Backend) path(key string) (string, error) {
	p := filepath.Join(b.baseDir, filepath.FromSlash(key))
	if p != b.baseDir && !strings.HasPrefix(p, b.baseDir+string(os.PathSeparator)) {
		return "", &orchestrator.StorageError{Backend: "fs", Key: key, Op: "resolve", Err: errors.New("key escapes base directory")}
	}
	return p, nil
}

// Get opens the file for key
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, *orchestrator.ObjectInfo, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, nil, orchestrator.ErrObjectNotFound
	} else if err != nil {
		return nil, nil, &orchestrator.StorageError{Backend: "fs", Key: key, Op: "open", Err: err}
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, &orchestrator.StorageError{Backend: "fs", Key: key, Op: "stat", Err: err}
	}
	return file, b.info(key, p, stat), nil
}

// Put writes content to a temporary file and renames it into place
func (b *Backend) Put(ctx context.Context, key string, reader io.Reader, contentType string) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return &orchestrator.StorageError{Backend: "fs", Key: key, Op: "rename", Err: err}
	}
	return nil
}

// Stat returns file metadata
func (b *Backend) Stat(ctx context.Context, key string) (*orchestrator.ObjectInfo, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(p)
	if os.IsNotExist(err) {
		return nil, orchestrator.ErrObjectNotFound
	} else if err != nil {
		return nil, &orchestrator.StorageError{Backend: "fs", Key: key, Op: "stat", Err: err}
	}
	if stat.IsDir() {
		return nil, orchestrator.ErrObjectNotFound
	}
	return b.info(key, p, stat), nil
}

// PresignGet is not supported, files are streamed by the caller
func (b *Backend) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "", orchestrator.ErrPresignNotSupported
}

// Path returns the local path of key, used by the disk orchestrator
func (b *Backend) Path(key string) (string, error) {
	return b.path(key)
}

func (b *Backend) info(key, path string, stat os.FileInfo) *orchestrator.ObjectInfo {
	return &orchestrator.ObjectInfo{
		Key:          key,
		Size:         stat.Size(),
		ContentType:  detectContentType(path),
		LastModified: stat.ModTime(),
	}
}

// detectContentType uses the extension, then sniffs the first 512 bytes
func detectContentType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	contentType := "application/octet-stream"
	if file, err := os.Open(path); err == nil {
		defer file.Close()
		buffer := make([]byte, 512)
		if n, err := file.Read(buffer); err == nil {
			contentType = http.DetectContentType(buffer[:n])
		}
	}
	return contentType
}
