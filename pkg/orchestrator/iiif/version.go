package iiif

import (
	"fmt"
	"strings"
)

// Version is a IIIF API major version
type Version int

const (
	VersionUnknown Version = iota
	V2
	V3
)

const (
	imageContext2        = "http://iiif.io/api/image/2/context.json"
	imageContext3        = "http://iiif.io/api/image/3/context.json"
	presentationContext2 = "http://iiif.io/api/presentation/2/context.json"
	presentationContext3 = "http://iiif.io/api/presentation/3/context.json"

	// ImageProtocol is the protocol URI declared by every image service
	ImageProtocol = "http://iiif.io/api/image"
)

// ParseVersion parses a version path slug such as "v2" or "v3".
func ParseVersion(slug string) (Version, error) {
	switch strings.ToLower(slug) {
	case "v2":
		return V2, nil
	case "v3":
		return V3, nil
	default:
		return VersionUnknown, fmt.Errorf("unknown IIIF version %q", slug)
	}
}

// IsVersionSlug reports whether a path segment looks like a version slug ("v" followed by a digit).
func IsVersionSlug(segment string) bool {
	return len(segment) == 2 && (segment[0] == 'v' || segment[0] == 'V') && segment[1] >= '0' && segment[1] <= '9'
}

// String returns the path slug for the version
func (v Version) String() string {
	switch v {
	case V2:
		return "v2"
	case V3:
		return "v3"
	default:
		return "unknown"
	}
}

// ImageContext returns the JSON-LD context of the Image API at this version
func (v Version) ImageContext() string {
	if v == V2 {
		return imageContext2
	}
	return imageContext3
}

// PresentationContext returns the JSON-LD context of the Presentation API at this version
func (v Version) PresentationContext() string {
	if v == V2 {
		return presentationContext2
	}
	return presentationContext3
}

// ImageMediaType is the content type of an info.json document at this version.
func (v Version) ImageMediaType() string {
	return fmt.Sprintf("application/ld+json; profile=%q", v.ImageContext())
}

// PresentationMediaType is the content type of a manifest at this version.
func (v Version) PresentationMediaType() string {
	return fmt.Sprintf("application/ld+json; profile=%q", v.PresentationContext())
}

// NegotiateImageVersion inspects an Accept header for a requested Image API profile.
// The second return value is false when the header does not name a known profile.
func NegotiateImageVersion(accept string) (Version, bool) {
	if accept == "" {
		return VersionUnknown, false
	}
	for _, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		idx := strings.Index(part, "profile=")
		if idx < 0 {
			continue
		}
		profile := strings.Trim(strings.TrimSpace(part[idx+len("profile="):]), `"'`)
		if semi := strings.IndexByte(profile, ';'); semi >= 0 {
			profile = strings.Trim(profile[:semi], `"'`)
		}
		switch profile {
		case imageContext2:
			return V2, true
		case imageContext3:
			return V3, true
		}
	}
	return VersionUnknown, false
}
