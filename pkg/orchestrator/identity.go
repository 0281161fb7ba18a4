package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

// DeliveryRequest is a parsed asset delivery path:
// /{route}/[{version}/]{customer}/{space}/{asset}/{rest...}
type DeliveryRequest struct {
	Route string

	// VersionSlug is the raw version segment, empty when unversioned
	VersionSlug string
	Version     iiif.Version

	// CustomerPathValue is the customer segment as requested, id or name
	CustomerPathValue string
	Customer          Customer
	AssetID           AssetID

	// AssetPath is everything after the space segment, starting with the asset id
	AssetPath string

	// BasePath is /{route}/[{version}/]{customer}/{space}/ using the requested customer value
	BasePath string

	// NormalisedBasePath is BasePath with the numeric customer id
	NormalisedBasePath string
}

// IsVersioned reports whether the path carried an explicit version slug
func (r *DeliveryRequest) IsVersioned() bool {
	return r.VersionSlug != ""
}

// RequestPath is the part of AssetPath after the asset id, e.g. "/full/max/0/default.jpg"
func (r *DeliveryRequest) RequestPath() string {
	return strings.TrimPrefix(r.AssetPath, r.AssetID.Asset)
}

// NormalisedFullPath is NormalisedBasePath followed by AssetPath
func (r *DeliveryRequest) NormalisedFullPath() string {
	return r.NormalisedBasePath + r.AssetPath
}

// PathParser resolves delivery paths to canonical asset identities
type PathParser struct {
	customers CustomerRepository
}

// NewPathParser creates a PathParser that resolves named customers with customers
func NewPathParser(customers CustomerRepository) *PathParser {
	return &PathParser{customers: customers}
}

// Parse parses a delivery path. Unknown customers and unparsable spaces are
// KindIdentityNotResolvable; paths without enough segments are KindMalformedRequestSyntax.
func (p *PathParser) Parse(ctx context.Context, path string) (*DeliveryRequest, error) {
	decoded, err := url.PathUnescape(path)
	if err != nil {
		return nil, NewRequestError(KindMalformedRequestSyntax, fmt.Sprintf("Error parsing path '%s'", path), err)
	}
	if i := strings.IndexAny(decoded, "?#"); i >= 0 {
		decoded = decoded[:i]
	}

	parts := splitNonEmpty(decoded)
	if len(parts) < 2 {
		return nil, NewRequestError(KindMalformedRequestSyntax, fmt.Sprintf("Error parsing path '%s'", path), nil)
	}

	req := &DeliveryRequest{Route: parts[0]}
	offset := 0
	if iiif.IsVersionSlug(parts[1]) {
		req.VersionSlug = parts[1]
		req.Version, _ = iiif.ParseVersion(parts[1])
		offset = 1
	}
	if len(parts) < 4+offset {
		return nil, NewRequestError(KindMalformedRequestSyntax, fmt.Sprintf("Error parsing path '%s'", path), nil)
	}

	req.CustomerPathValue = parts[1+offset]
	spaceValue := parts[2+offset]
	space, err := strconv.Atoi(spaceValue)
	if err != nil {
		return nil, NewRequestError(KindIdentityNotResolvable, fmt.Sprintf("Could not find Customer/Space from '%s'", path), err)
	}

	customer, err := p.resolveCustomer(ctx, req.CustomerPathValue)
	if err != nil {
		if errors.Is(err, ErrCustomerNotFound) {
			return nil, NewRequestError(KindIdentityNotResolvable, fmt.Sprintf("Could not find Customer/Space from '%s'", path), err)
		}
		return nil, NewRequestError(KindCacheBackendUnavailable, "Error resolving customer", err)
	}
	req.Customer = *customer

	req.AssetPath = strings.Join(parts[3+offset:], "/")
	asset := strings.SplitN(req.AssetPath, "/", 2)[0]
	req.AssetID = NewAssetID(customer.ID, space, asset)
	req.BasePath = basePath(req.Route, req.VersionSlug, req.CustomerPathValue, spaceValue)
	req.NormalisedBasePath = basePath(req.Route, req.VersionSlug, strconv.Itoa(customer.ID), spaceValue)
	return req, nil
}

func (p *PathParser) resolveCustomer(ctx context.Context, value string) (*Customer, error) {
	if id, err := strconv.Atoi(value); err == nil {
		return p.customers.GetCustomer(ctx, id)
	}
	return p.customers.GetCustomerByName(ctx, value)
}

func basePath(route, version, customer, space string) string {
	var b strings.Builder
	b.WriteByte('/')
	b.WriteString(route)
	b.WriteByte('/')
	if version != "" {
		b.WriteString(version)
		b.WriteByte('/')
	}
	b.WriteString(customer)
	b.WriteByte('/')
	b.WriteString(space)
	b.WriteByte('/')
	return b.String()
}

func splitNonEmpty(path string) []string {
	raw := strings.Split(path, "/")
	parts := raw[:0]
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
