package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

const infoJSONContentType = "application/json"

// InfoJSON is a stored image service document. Identifiers carry the placeholder root
// until Rewrite is called with the public host.
type InfoJSON struct {
	Version       iiif.Version
	PlaceholderID string
	Document      []byte
	FromCache     bool

	// Orchestrated is true when generation orchestrated the asset as a side effect
	Orchestrated bool
}

// Rewrite returns the document with the public image id and auth root.
func (i *InfoJSON) Rewrite(imageID, root string) []byte {
	return iiif.RewriteIdentifiers(i.Document, i.PlaceholderID, imageID, root)
}

// InfoJSONCache reads per-version info.json documents from storage, regenerating
// missing or stale documents from the image server.
type InfoJSONCache struct {
	store         BlobStore
	server        ImageServerClient
	orchestrator  Orchestrator
	thumbs        *ThumbSizeLookup
	auth          AuthRepository
	oldestAllowed time.Time
	logger        *slog.Logger
}

// InfoJSONCacheConfig configures an InfoJSONCache
type InfoJSONCacheConfig struct {
	Store        BlobStore
	Server       ImageServerClient
	Orchestrator Orchestrator
	Thumbs       *ThumbSizeLookup
	Auth         AuthRepository

	// OldestAllowed forces regeneration of documents stored before it. Zero disables the cutoff.
	OldestAllowed time.Time
	Logger        *slog.Logger
}

// NewInfoJSONCache creates an InfoJSONCache
func NewInfoJSONCache(cfg InfoJSONCacheConfig) *InfoJSONCache {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &InfoJSONCache{
		store:         cfg.Store,
		server:        cfg.Server,
		orchestrator:  cfg.Orchestrator,
		thumbs:        cfg.Thumbs,
		auth:          cfg.Auth,
		oldestAllowed: cfg.OldestAllowed,
		logger:        logger,
	}
}

// Get returns the info.json for asset at version. A storage read or write failure falls
// back to the freshly generated document.
func (c *InfoJSONCache) Get(ctx context.Context, asset *Asset, version iiif.Version) (*InfoJSON, error) {
	key := InfoJSONKey(asset.ID, c.server.Name(), version)
	placeholder := iiif.PlaceholderID(asset.ID.String())

	doc, err := c.readStored(ctx, key)
	switch {
	case err == nil && doc != nil:
		return &InfoJSON{Version: version, PlaceholderID: placeholder, Document: doc, FromCache: true}, nil
	case err != nil:
		c.logger.Warn("Failed to read stored info.json, generating", "key", key, "err", err)
	}

	generated, err := c.generate(ctx, asset, version, placeholder)
	if err != nil {
		return nil, err
	}

	if err := c.store.Put(ctx, key, bytes.NewReader(generated), infoJSONContentType); err != nil {
		c.logger.Warn("Failed to store info.json", "key", key, "err", err)
	}
	return &InfoJSON{Version: version, PlaceholderID: placeholder, Document: generated, Orchestrated: true}, nil
}

// readStored returns nil, nil when the document is missing or older than the cutoff
func (c *InfoJSONCache) readStored(ctx context.Context, key string) ([]byte, error) {
	reader, info, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer reader.Close()

	if !c.oldestAllowed.IsZero() && info != nil && info.LastModified.Before(c.oldestAllowed) {
		c.logger.Debug("Stored info.json is stale", "key", key, "last_modified", info.LastModified, "oldest_allowed", c.oldestAllowed)
		return nil, nil
	}
	return io.ReadAll(reader)
}

func (c *InfoJSONCache) generate(ctx context.Context, asset *Asset, version iiif.Version, placeholder string) ([]byte, error) {
	result, err := c.orchestrator.Orchestrate(ctx, asset)
	switch result {
	case OrchestrationNotFound:
		return nil, NewRequestError(KindOrchestrationNotFound, fmt.Sprintf("Asset %s could not be orchestrated", asset.ID), err)
	case OrchestrationError:
		return nil, NewRequestError(KindOrchestrationBackendError, fmt.Sprintf("Error orchestrating %s", asset.ID), err)
	}

	capability, err := c.server.GetCapability(ctx, asset, version)
	if err != nil {
		return nil, NewRequestError(KindOrchestrationBackendError, "Error getting info.json from image server", err)
	}

	var sizes []iiif.Size
	if c.thumbs != nil {
		if sizes, err = c.thumbs.GetOpenSizes(ctx, asset.ID); err != nil {
			return nil, NewRequestError(KindCacheBackendUnavailable, "Error reading thumbnail sizes", err)
		}
	}

	var services []iiif.AuthService
	if asset.RequiresAuth() {
		if services, err = c.authServices(ctx, asset); err != nil {
			return nil, NewRequestError(KindCacheBackendUnavailable, "Error reading auth services", err)
		}
	}

	return iiif.BuildImageService(version, iiif.ImageServiceOptions{
		ID:         placeholder,
		Capability: *capability,
		Sizes:      sizes,
		Auth:       services,
	})
}

func (c *InfoJSONCache) authServices(ctx context.Context, asset *Asset) ([]iiif.AuthService, error) {
	if c.auth == nil {
		return nil, nil
	}
	found, err := c.auth.GetAuthServicesForRoles(ctx, asset.ID.Customer, asset.Roles)
	if err != nil {
		return nil, err
	}
	return AuthServiceDescriptors(iiif.PlaceholderRoot, asset.ID.Customer, found), nil
}

// AuthServiceDescriptors builds IIIF Auth 1 cookie services rooted at root, each with the
// customer's token and logout services.
func AuthServiceDescriptors(root string, customer int, services []*AuthService) []iiif.AuthService {
	out := make([]iiif.AuthService, 0, len(services))
	for _, s := range services {
		out = append(out, iiif.AuthService{
			ID:                 AuthPath(root, customer, s.Name),
			Profile:            s.Profile,
			Label:              s.Label,
			Description:        s.Description,
			ConfirmLabel:       s.ConfirmLabel,
			FailureHeader:      s.FailureHeader,
			FailureDescription: s.FailureDescription,
			TokenID:            AuthPath(root, customer, "token"),
			LogoutID:           AuthPath(root, customer, "logout"),
		})
	}
	return out
}

// AuthPath is the URL of a customer auth endpoint
func AuthPath(root string, customer int, name string) string {
	return fmt.Sprintf("%s/auth/%d/%s", root, customer, name)
}
