package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"
)

// HeaderAssetID is the correlation header carrying the resolved asset id
const HeaderAssetID = "x-asset-id"

// CachePolicy holds the max-age values used to build Cache-Control headers
type CachePolicy struct {
	MaxAge           time.Duration `yaml:"max_age"`
	SharedMaxAge     time.Duration `yaml:"shared_max_age"`
	StaleIfError     time.Duration `yaml:"stale_if_error"`
	InfoJSONMaxAge   time.Duration `yaml:"info_json_max_age"`
	RestrictedMaxAge time.Duration `yaml:"restricted_max_age"`
	ErrorMaxAge      time.Duration `yaml:"error_max_age"`
}

// DefaultCachePolicy returns 28 day public caching, 10 minute info.json and restricted caching
func DefaultCachePolicy() CachePolicy {
	return CachePolicy{
		MaxAge:           28 * 24 * time.Hour,
		SharedMaxAge:     28 * 24 * time.Hour,
		StaleIfError:     24 * time.Hour,
		InfoJSONMaxAge:   10 * time.Minute,
		RestrictedMaxAge: 10 * time.Minute,
		ErrorMaxAge:      time.Minute,
	}
}

// CacheControl returns the Cache-Control value for a successful response
func (p CachePolicy) CacheControl(restricted, infoJSON bool) string {
	if restricted {
		return fmt.Sprintf("private, max-age=%d", seconds(p.RestrictedMaxAge))
	}
	if infoJSON {
		return fmt.Sprintf("public, s-maxage=%d, max-age=%d", seconds(p.InfoJSONMaxAge), seconds(p.InfoJSONMaxAge))
	}
	value := fmt.Sprintf("public, s-maxage=%d, max-age=%d", seconds(p.SharedMaxAge), seconds(p.MaxAge))
	if p.StaleIfError > 0 {
		value += fmt.Sprintf(", stale-if-error=%d", seconds(p.StaleIfError))
	}
	return value
}

// ErrorCacheControl is applied when a downstream server fails
func (p CachePolicy) ErrorCacheControl() string {
	return fmt.Sprintf("max-age=%d", seconds(p.ErrorMaxAge))
}

// UnauthorizedCacheControl is applied to 401 responses
func (p CachePolicy) UnauthorizedCacheControl() string {
	return "private"
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// SelectCustomHeaders applies headers in precedence order, later entries overwriting earlier.
// Restricted assets: no space/no role < space/no role < no space/role < space/role.
// Open assets: no space/no role < space/no role. Headers scoped to another space or to a role
// the asset does not have are ignored.
func SelectCustomHeaders(headers []*CustomHeader, asset *Asset) http.Header {
	out := http.Header{}
	if len(headers) == 0 || asset == nil {
		return out
	}

	const (
		noSpaceNoRole = iota
		spaceNoRole
		noSpaceRole
		spaceRole
		tiers
	)
	buckets := make([][]*CustomHeader, tiers)
	restricted := asset.RequiresAuth()

	for _, h := range headers {
		hasSpace := h.Space != nil
		if hasSpace && *h.Space != asset.ID.Space {
			continue
		}
		hasRole := h.Role != ""
		if hasRole && (!restricted || !slices.Contains(asset.Roles, h.Role)) {
			continue
		}
		switch {
		case !hasSpace && !hasRole:
			buckets[noSpaceNoRole] = append(buckets[noSpaceNoRole], h)
		case hasSpace && !hasRole:
			buckets[spaceNoRole] = append(buckets[spaceNoRole], h)
		case !hasSpace && hasRole:
			buckets[noSpaceRole] = append(buckets[noSpaceRole], h)
		default:
			buckets[spaceRole] = append(buckets[spaceRole], h)
		}
	}

	for _, bucket := range buckets {
		for _, h := range bucket {
			out.Set(h.Key, h.Value)
		}
	}
	return out
}

// HeaderComposer resolves the customer's custom headers for an asset
type HeaderComposer struct {
	repo   CustomHeaderRepository
	policy CachePolicy
}

// NewHeaderComposer creates a HeaderComposer. A nil repo yields no custom headers.
func NewHeaderComposer(repo CustomHeaderRepository, policy CachePolicy) *HeaderComposer {
	return &HeaderComposer{repo: repo, policy: policy}
}

// Policy returns the cache policy
func (c *HeaderComposer) Policy() CachePolicy {
	return c.policy
}

// CustomHeaders returns the custom headers that apply to asset
func (c *HeaderComposer) CustomHeaders(ctx context.Context, asset *Asset) (http.Header, error) {
	if c.repo == nil || asset == nil {
		return http.Header{}, nil
	}
	headers, err := c.repo.GetCustomHeaders(ctx, asset.ID.Customer)
	if err != nil {
		return nil, err
	}
	return SelectCustomHeaders(headers, asset), nil
}
