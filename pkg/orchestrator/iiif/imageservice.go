package iiif

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// PlaceholderRoot stands in for scheme://host in stored documents so they are host-agnostic.
const PlaceholderRoot = "https://iiif-placeholder.invalid"

const (
	authContext1 = "http://iiif.io/api/auth/1/context.json"

	ProfileClickthrough = "http://iiif.io/api/auth/1/clickthrough"
	ProfileLogin        = "http://iiif.io/api/auth/1/login"
	ProfileKiosk        = "http://iiif.io/api/auth/1/kiosk"
	ProfileExternal     = "http://iiif.io/api/auth/1/external"
	ProfileToken        = "http://iiif.io/api/auth/1/token"
	ProfileLogout       = "http://iiif.io/api/auth/1/logout"

	level2Profile2 = "http://iiif.io/api/image/2/level2.json"
)

// PlaceholderID returns the stored-document identifier for an image service.
func PlaceholderID(assetID string) string {
	return PlaceholderRoot + "/__image__/" + assetID
}

// RewriteIdentifiers replaces the placeholder identity in a stored document with the public id,
// then replaces any remaining placeholder root (auth service links) with root.
func RewriteIdentifiers(doc []byte, placeholderID, id, root string) []byte {
	out := bytes.ReplaceAll(doc, []byte(placeholderID), []byte(id))
	return bytes.ReplaceAll(out, []byte(PlaceholderRoot), []byte(root))
}

// Tile describes a tile size and the scale factors it is available at
type Tile struct {
	Width        int   `json:"width"`
	Height       int   `json:"height,omitempty"`
	ScaleFactors []int `json:"scaleFactors"`
}

// Capability is the part of an image server's info.json retained when building a public document.
type Capability struct {
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	Tiles          []Tile   `json:"tiles,omitempty"`
	ExtraFormats   []string `json:"extraFormats,omitempty"`
	ExtraQualities []string `json:"extraQualities,omitempty"`
	ExtraFeatures  []string `json:"extraFeatures,omitempty"`
}

// ParseCapability decodes an image server info.json of either version.
func ParseCapability(data []byte) (*Capability, error) {
	var c Capability
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode image server info.json: %w", err)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return nil, fmt.Errorf("image server info.json missing dimensions")
	}
	return &c, nil
}

// AuthService is an IIIF Auth 1 access cookie service with its token and logout children.
type AuthService struct {
	ID                 string
	Profile            string
	Label              string
	Description        string
	ConfirmLabel       string
	FailureHeader      string
	FailureDescription string
	TokenID            string
	LogoutID           string
}

type authChild struct {
	ID      string `json:"@id"`
	Profile string `json:"profile"`
	Label   string `json:"label,omitempty"`
}

type authService1 struct {
	Context            string      `json:"@context"`
	ID                 string      `json:"@id"`
	Profile            string      `json:"profile"`
	Label              string      `json:"label,omitempty"`
	Description        string      `json:"description,omitempty"`
	ConfirmLabel       string      `json:"confirmLabel,omitempty"`
	FailureHeader      string      `json:"failureHeader,omitempty"`
	FailureDescription string      `json:"failureDescription,omitempty"`
	Service            []authChild `json:"service,omitempty"`
}

func toAuthServices(services []AuthService) []authService1 {
	if len(services) == 0 {
		return nil
	}
	out := make([]authService1, 0, len(services))
	for _, s := range services {
		svc := authService1{
			Context:            authContext1,
			ID:                 s.ID,
			Profile:            s.Profile,
			Label:              s.Label,
			Description:        s.Description,
			ConfirmLabel:       s.ConfirmLabel,
			FailureHeader:      s.FailureHeader,
			FailureDescription: s.FailureDescription,
		}
		if s.TokenID != "" {
			svc.Service = append(svc.Service, authChild{ID: s.TokenID, Profile: ProfileToken})
		}
		if s.LogoutID != "" {
			svc.Service = append(svc.Service, authChild{ID: s.LogoutID, Profile: ProfileLogout, Label: "Log out"})
		}
		out = append(out, svc)
	}
	return out
}

type imageService2 struct {
	Context  string         `json:"@context"`
	ID       string         `json:"@id"`
	Protocol string         `json:"protocol"`
	Width    int            `json:"width"`
	Height   int            `json:"height"`
	Profile  []any          `json:"profile"`
	Sizes    []Size         `json:"sizes,omitempty"`
	Tiles    []Tile         `json:"tiles,omitempty"`
	Service  []authService1 `json:"service,omitempty"`
}

type imageService3 struct {
	Context        string         `json:"@context"`
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Protocol       string         `json:"protocol"`
	Profile        string         `json:"profile"`
	Width          int            `json:"width"`
	Height         int            `json:"height"`
	Sizes          []Size         `json:"sizes,omitempty"`
	Tiles          []Tile         `json:"tiles,omitempty"`
	ExtraFormats   []string       `json:"extraFormats,omitempty"`
	ExtraQualities []string       `json:"extraQualities,omitempty"`
	ExtraFeatures  []string       `json:"extraFeatures,omitempty"`
	Service        []authService1 `json:"service,omitempty"`
}

type profile2Extras struct {
	Formats   []string `json:"formats,omitempty"`
	Qualities []string `json:"qualities,omitempty"`
	Supports  []string `json:"supports,omitempty"`
}

// ImageServiceOptions carries what is needed to build a public image service document
type ImageServiceOptions struct {
	ID         string
	Capability Capability
	Sizes      []Size
	Auth       []AuthService
}

// BuildImageService renders an info.json document at the requested version.
// Sizes are emitted smallest first.
func BuildImageService(v Version, opts ImageServiceOptions) ([]byte, error) {
	sizes := make([]Size, len(opts.Sizes))
	copy(sizes, opts.Sizes)
	sort.SliceStable(sizes, func(i, j int) bool { return sizes[i].MaxDimension() < sizes[j].MaxDimension() })

	c := opts.Capability
	switch v {
	case V2:
		doc := imageService2{
			Context:  v.ImageContext(),
			ID:       opts.ID,
			Protocol: ImageProtocol,
			Width:    c.Width,
			Height:   c.Height,
			Profile:  []any{level2Profile2},
			Sizes:    sizes,
			Tiles:    c.Tiles,
			Service:  toAuthServices(opts.Auth),
		}
		if len(c.ExtraFormats) > 0 || len(c.ExtraQualities) > 0 || len(c.ExtraFeatures) > 0 {
			doc.Profile = append(doc.Profile, profile2Extras{
				Formats:   c.ExtraFormats,
				Qualities: c.ExtraQualities,
				Supports:  c.ExtraFeatures,
			})
		}
		return json.Marshal(doc)
	case V3:
		doc := imageService3{
			Context:        v.ImageContext(),
			ID:             opts.ID,
			Type:           "ImageService3",
			Protocol:       ImageProtocol,
			Profile:        "level2",
			Width:          c.Width,
			Height:         c.Height,
			Sizes:          sizes,
			Tiles:          c.Tiles,
			ExtraFormats:   c.ExtraFormats,
			ExtraQualities: c.ExtraQualities,
			ExtraFeatures:  c.ExtraFeatures,
			Service:        toAuthServices(opts.Auth),
		}
		return json.Marshal(doc)
	default:
		return nil, fmt.Errorf("cannot build image service for version %s", v)
	}
}
