package imageserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator"
	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

// maxInfoJSONSize bounds the image server response read into memory
const maxInfoJSONSize = 1 << 20

// ClientConfig configures a capability Client
type ClientConfig struct {
	// Name identifies the server type, e.g. "cantaloupe" or "iipimage"
	Name    string
	BaseURL string
	Paths   orchestrator.ImageServerPaths
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client fetches info.json capability documents from an image server
type Client struct {
	name       string
	baseURL    string
	paths      orchestrator.ImageServerPaths
	httpClient *http.Client
	logger     *slog.Logger
}

var _ orchestrator.ImageServerClient = (*Client)(nil)

// NewClient creates a capability client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("image server base url is required")
	}
	if cfg.Name == "" {
		cfg.Name = "cantaloupe"
	}
	if cfg.Paths.VersionPathTemplates == nil {
		cfg.Paths = orchestrator.CantaloupePaths()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:       cfg.Name,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		paths:      cfg.Paths,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

func (c *Client) Name() string {
	return c.name
}

// InfoJSONURL is the image server address of an asset's info.json
func (c *Client) InfoJSONURL(id orchestrator.AssetID, version iiif.Version) (string, error) {
	path, ok := c.paths.Path(id, version)
	if !ok {
		return "", fmt.Errorf("image server %s does not support %s", c.name, version)
	}
	return c.baseURL + path + "/info.json", nil
}

func (c *Client) GetCapability(ctx context.Context, asset *orchestrator.Asset, version iiif.Version) (*iiif.Capability, error) {
	url, err := c.InfoJSONURL(asset.ID, version)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create info.json request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch info.json for %s: %w", asset.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Image server returned non-success for info.json",
			"asset_id", asset.ID.String(), "url", url, "status", resp.StatusCode)
		return nil, fmt.Errorf("image server returned %d for %s", resp.StatusCode, asset.ID)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInfoJSONSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read info.json for %s: %w", asset.ID, err)
	}
	return iiif.ParseCapability(data)
}
