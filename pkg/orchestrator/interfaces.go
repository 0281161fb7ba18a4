package orchestrator

import (
	"context"
	"io"
	"time"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

// AssetRepository provides read access to asset records
type AssetRepository interface {
	// GetAsset returns ErrAssetNotFound if the asset does not exist
	GetAsset(ctx context.Context, id AssetID) (*Asset, error)
}

// CustomerRepository resolves customers by id or url-friendly name
type CustomerRepository interface {
	GetCustomer(ctx context.Context, id int) (*Customer, error)
	GetCustomerByName(ctx context.Context, name string) (*Customer, error)
}

// AuthRepository stores session tokens, session users and the auth services that grant roles
type AuthRepository interface {
	GetTokenByCookieID(ctx context.Context, customer int, cookieID string) (*AuthToken, error)
	GetTokenByBearer(ctx context.Context, customer int, bearer string) (*AuthToken, error)
	SaveToken(ctx context.Context, token *AuthToken) error
	CreateSession(ctx context.Context, user *SessionUser, token *AuthToken) error
	GetSessionUser(ctx context.Context, id string) (*SessionUser, error)
	GetAuthService(ctx context.Context, customer int, name string) (*AuthService, error)

	// GetAuthServicesForRoles returns the auth services granting any of the roles, in role order
	GetAuthServicesForRoles(ctx context.Context, customer int, roles []string) ([]*AuthService, error)
}

// CustomHeaderRepository lists the custom response headers configured for a customer
type CustomHeaderRepository interface {
	GetCustomHeaders(ctx context.Context, customer int) ([]*CustomHeader, error)
}

// BlobStore is key/value object storage
type BlobStore interface {
	// Get returns ErrObjectNotFound if the key does not exist. Caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)
	Put(ctx context.Context, key string, reader io.Reader, contentType string) error
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// PresignGet returns a time-limited direct URL, or ErrPresignNotSupported
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// ImageServerClient fetches capability descriptions from the image-processing server
type ImageServerClient interface {
	// Name identifies the server type, used in info.json storage keys
	Name() string
	GetCapability(ctx context.Context, asset *Asset, version iiif.Version) (*iiif.Capability, error)
}

// Orchestrator ensures an asset's pixels are in fast storage before the image server renders from it
type Orchestrator interface {
	Orchestrate(ctx context.Context, asset *Asset) (OrchestrationResult, error)
	IsOrchestrated(asset AssetID) bool
}
