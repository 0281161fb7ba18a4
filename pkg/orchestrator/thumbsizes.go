package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

// ThumbnailSizes is the per-asset sizes document, {"o":[[w,h],...],"a":[[w,h],...]}
type ThumbnailSizes struct {
	Open [][]int `json:"o"`
	Auth [][]int `json:"a"`
}

// OpenSizes returns the open sizes ordered largest first, skipping malformed pairs.
func (t *ThumbnailSizes) OpenSizes() []iiif.Size {
	return toSizes(t.Open)
}

// AuthSizes returns the restricted sizes ordered largest first
func (t *ThumbnailSizes) AuthSizes() []iiif.Size {
	return toSizes(t.Auth)
}

func toSizes(pairs [][]int) []iiif.Size {
	sizes := make([]iiif.Size, 0, len(pairs))
	for _, p := range pairs {
		s, err := iiif.SizeFromPair(p)
		if err != nil {
			continue
		}
		sizes = append(sizes, s)
	}
	return iiif.SortLargestFirst(sizes)
}

// ThumbSizeLookup reads sizes documents from the thumbs bucket
type ThumbSizeLookup struct {
	store BlobStore
}

// NewThumbSizeLookup creates a lookup over the thumbs bucket
func NewThumbSizeLookup(store BlobStore) *ThumbSizeLookup {
	return &ThumbSizeLookup{store: store}
}

// GetSizes returns the sizes document for an asset. A missing document is an empty set.
func (l *ThumbSizeLookup) GetSizes(ctx context.Context, id AssetID) (*ThumbnailSizes, error) {
	key := ThumbsSizesKey(id)
	reader, _, err := l.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return &ThumbnailSizes{}, nil
		}
		return nil, &AssetError{AssetID: id, Op: "get thumbnail sizes", Err: err}
	}
	defer reader.Close()

	var sizes ThumbnailSizes
	if err := json.NewDecoder(reader).Decode(&sizes); err != nil {
		return nil, &AssetError{AssetID: id, Op: "decode thumbnail sizes", Err: fmt.Errorf("%s: %w", key, err)}
	}
	return &sizes, nil
}

// GetOpenSizes returns the open thumbnail sizes, largest first
func (l *ThumbSizeLookup) GetOpenSizes(ctx context.Context, id AssetID) ([]iiif.Size, error) {
	sizes, err := l.GetSizes(ctx, id)
	if err != nil {
		return nil, err
	}
	return sizes.OpenSizes(), nil
}
