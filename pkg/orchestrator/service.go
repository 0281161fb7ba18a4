package orchestrator

import (
	"context"
	"time"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

// Service routes asset delivery requests
type Service interface {
	// DispatchImage decides how an image region/size request is served
	DispatchImage(ctx context.Context, path string, creds Credentials) *Outcome

	// DispatchThumbnail resolves a direct thumbnail request to a thumbs bucket key
	DispatchThumbnail(ctx context.Context, path string) *Outcome

	// DispatchFile resolves a file request to a storage redirect
	DispatchFile(ctx context.Context, path string, creds Credentials) *Outcome

	// DispatchTimebased resolves an audio/video request to a storage redirect
	DispatchTimebased(ctx context.Context, path string, creds Credentials) *Outcome

	// GetInfoJSON returns the image service document, or a canonical redirect
	GetInfoJSON(ctx context.Context, req InfoJSONRequest) *Outcome

	// GetManifest returns a single-asset presentation manifest
	GetManifest(ctx context.Context, req ManifestRequest) *Outcome

	// ProbeAccess reports whether creds would be allowed to see the asset
	ProbeAccess(ctx context.Context, path string, creds Credentials) *Outcome

	// Auth flows
	ResolveCustomer(ctx context.Context, value string) (*Customer, error)
	CookieName(customer int) string
	IssueSession(ctx context.Context, customer int, authService string) (*AuthToken, *AuthService, error)
	ExchangeToken(ctx context.Context, customer int, creds Credentials) (*AuthToken, error)
	Logout(ctx context.Context, customer int, cookie string) error
	Now() time.Time
}

// InfoJSONRequest is a request for an image service document
type InfoJSONRequest struct {
	// Path is the request path, e.g. /iiif-img/v2/99/1/foo/info.json
	Path   string
	Accept string
	Creds  Credentials

	// Root is scheme://host used to build public identifiers
	Root          string
	NoOrchestrate bool
}

// ManifestRequest is a request for a single-asset manifest
type ManifestRequest struct {
	Path string
	Root string
}

// Settings are the routing settings of a Service
type Settings struct {
	DefaultImageVersion        iiif.Version
	DefaultPresentationVersion iiif.Version

	ImagePath       string
	ThumbsPath      string
	ThumbResizePath string

	ImageServer ImageServerPaths

	// UseSpecialServer routes full-region max-size requests to the special server
	UseSpecialServer bool

	OrchestrateOnInfoJSON            bool
	OrchestrateOnInfoJSONMaxCapacity int

	PresignedURLExpiry time.Duration
}

// DefaultSettings returns the default routing settings
func DefaultSettings() Settings {
	return Settings{
		DefaultImageVersion:              iiif.V3,
		DefaultPresentationVersion:       iiif.V3,
		ImagePath:                        ChannelImage,
		ThumbsPath:                       ChannelThumbs,
		ThumbResizePath:                  ChannelThumbs,
		ImageServer:                      CantaloupePaths(),
		OrchestrateOnInfoJSON:            true,
		OrchestrateOnInfoJSONMaxCapacity: 50,
		PresignedURLExpiry:               600 * time.Second,
	}
}
