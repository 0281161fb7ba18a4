package imageserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator"
)

// OrchestrationRecorder observes orchestration results
type OrchestrationRecorder interface {
	RecordOrchestration(result string)
}

// Status is the orchestration state of an asset
type Status struct {
	Orchestrated bool
	Path         string
	At           time.Time
}

// DiskOrchestrator copies an asset's stored original onto the image server's fast disk.
// Concurrent calls for one asset share a single copy.
type DiskOrchestrator struct {
	store    orchestrator.BlobStore
	dir      string
	timeout  time.Duration
	recorder OrchestrationRecorder
	clock    func() time.Time
	logger   *slog.Logger

	group  singleflight.Group
	mu     sync.RWMutex
	status map[orchestrator.AssetID]Status
}

var _ orchestrator.Orchestrator = (*DiskOrchestrator)(nil)

// DiskOption configures a DiskOrchestrator
type DiskOption func(*DiskOrchestrator)

// WithTimeout bounds a single copy. The copy is not cancelled by the caller that started it.
func WithTimeout(d time.Duration) DiskOption {
	return func(o *DiskOrchestrator) {
		o.timeout = d
	}
}

// WithRecorder sets the orchestration result observer
func WithRecorder(r OrchestrationRecorder) DiskOption {
	return func(o *DiskOrchestrator) {
		o.recorder = r
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DiskOption {
	return func(o *DiskOrchestrator) {
		o.logger = logger
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) DiskOption {
	return func(o *DiskOrchestrator) {
		o.clock = now
	}
}

// NewDiskOrchestrator creates an orchestrator reading originals from store into dir
func NewDiskOrchestrator(store orchestrator.BlobStore, dir string, opts ...DiskOption) (*DiskOrchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if dir == "" {
		return nil, fmt.Errorf("fast disk directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create fast disk directory: %w", err)
	}

	o := &DiskOrchestrator{
		store:   store,
		dir:     dir,
		timeout: 5 * time.Minute,
		clock:   time.Now,
		logger:  slog.Default(),
		status:  make(map[orchestrator.AssetID]Status),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Path is where the image server finds the asset, {dir}/{customer}/{space}/{asset}
func (o *DiskOrchestrator) Path(id orchestrator.AssetID) (string, error) {
	rel := filepath.Join(strconv.Itoa(id.Customer), strconv.Itoa(id.Space), id.Asset)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s", orchestrator.ErrInvalidAssetID, id)
	}
	return filepath.Join(o.dir, rel), nil
}

// Status returns the tracked state of an asset
func (o *DiskOrchestrator) Status(id orchestrator.AssetID) Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status[id]
}

// IsOrchestrated reports whether the asset is on the fast disk, including copies made
// before this process started.
func (o *DiskOrchestrator) IsOrchestrated(id orchestrator.AssetID) bool {
	if o.Status(id).Orchestrated {
		return true
	}
	path, err := o.Path(id)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	o.markOrchestrated(id, path, info.ModTime())
	return true
}

func (o *DiskOrchestrator) Orchestrate(ctx context.Context, asset *orchestrator.Asset) (orchestrator.OrchestrationResult, error) {
	if o.IsOrchestrated(asset.ID) {
		return orchestrator.Orchestrated, nil
	}

	ch := o.group.DoChan("orch:"+asset.ID.String(), func() (interface{}, error) {
		copyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
		defer cancel()
		result, err := o.copyOriginal(copyCtx, asset.ID)
		if o.recorder != nil {
			o.recorder.RecordOrchestration(result.String())
		}
		return result, err
	})

	select {
	case <-ctx.Done():
		return orchestrator.OrchestrationError, ctx.Err()
	case res := <-ch:
		return res.Val.(orchestrator.OrchestrationResult), res.Err
	}
}

func (o *DiskOrchestrator) copyOriginal(ctx context.Context, id orchestrator.AssetID) (orchestrator.OrchestrationResult, error) {
	path, err := o.Path(id)
	if err != nil {
		return orchestrator.OrchestrationError, err
	}

	key := orchestrator.StoredOriginalKey(id)
	reader, _, err := o.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, orchestrator.ErrObjectNotFound) {
			o.logger.Info("No stored original to orchestrate", "asset_id", id.String(), "key", key)
			return orchestrator.OrchestrationNotFound, err
		}
		return orchestrator.OrchestrationError, &orchestrator.AssetError{AssetID: id, Op: "orchestrate", Err: err}
	}
	defer reader.Close()

	if err := writeAtomic(path, reader); err != nil {
		o.logger.Error("Failed to orchestrate asset", "asset_id", id.String(), "path", path, "err", err)
		return orchestrator.OrchestrationError, &orchestrator.AssetError{AssetID: id, Op: "orchestrate", Err: err}
	}

	o.markOrchestrated(id, path, o.clock())
	o.logger.Debug("Orchestrated asset", "asset_id", id.String(), "path", path)
	return orchestrator.Orchestrated, nil
}

func (o *DiskOrchestrator) markOrchestrated(id orchestrator.AssetID, path string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status[id] = Status{Orchestrated: true, Path: path, At: at}
}

// writeAtomic writes to a temp file in the target directory, then renames it into place
func writeAtomic(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".orch-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
