package orchestrator

import (
	"fmt"
	"strings"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

// Object key layout shared by the thumbs and storage buckets
const (
	SizesJSONKey = "s.json"
	OpenSlug     = "open"
	AuthSlug     = "auth"
)

// StorageKey is the root key of all objects belonging to an asset
func StorageKey(id AssetID) string {
	return id.String()
}

// StoredOriginalKey locates the managed copy of an asset's original bytes
func StoredOriginalKey(id AssetID) string {
	return StorageKey(id) + "/original"
}

// ThumbnailKey locates a pre-generated thumbnail by its longest edge
func ThumbnailKey(id AssetID, longestEdge int, open bool) string {
	slug := OpenSlug
	if !open {
		slug = AuthSlug
	}
	return fmt.Sprintf("%s/%s/%d.jpg", StorageKey(id), slug, longestEdge)
}

// ThumbsSizesKey locates the sizes document in the thumbs bucket
func ThumbsSizesKey(id AssetID) string {
	return StorageKey(id) + "/" + SizesJSONKey
}

// InfoJSONKey locates the stored info.json for an image server and version
func InfoJSONKey(id AssetID, imageServer string, version iiif.Version) string {
	slug := "v3"
	if version == iiif.V2 {
		slug = "v2"
	}
	return fmt.Sprintf("%s/info/%s/%s/info.json", StorageKey(id), imageServer, slug)
}

// TimebasedKey locates a transcoded audio/video derivative
func TimebasedKey(id AssetID, assetPath string) string {
	assetPath = strings.TrimPrefix(assetPath, "/")
	if assetPath == "" {
		return StorageKey(id)
	}
	return StorageKey(id) + "/" + assetPath
}
