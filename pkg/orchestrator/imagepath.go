package orchestrator

import (
	"strconv"
	"strings"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

// ImageServerPaths describes how an image server addresses an asset
type ImageServerPaths struct {
	// Separator joins the customer, space and image in {image-dir}, e.g. "%2F"
	Separator string

	// PathTemplate is appended to the version prefix, e.g. "{image-dir}.jp2"
	PathTemplate string

	// VersionPathTemplates maps an Image API version to the server's prefix, e.g. "/iiif/3/"
	VersionPathTemplates map[iiif.Version]string
}

// CantaloupePaths are the default paths for a Cantaloupe image server
func CantaloupePaths() ImageServerPaths {
	return ImageServerPaths{
		Separator:    "%2F",
		PathTemplate: "{image-dir}",
		VersionPathTemplates: map[iiif.Version]string{
			iiif.V2: "/iiif/2/",
			iiif.V3: "/iiif/3/",
		},
	}
}

// IIPImagePaths are the default paths for an IIPImage server
func IIPImagePaths() ImageServerPaths {
	return ImageServerPaths{
		Separator:    "/",
		PathTemplate: "/nas/{image-dir}.jp2",
		VersionPathTemplates: map[iiif.Version]string{
			iiif.V2: "/fcgi-bin/iipsrv.fcgi?IIIF=",
		},
	}
}

// Supports reports whether the server has a path for the version
func (p ImageServerPaths) Supports(version iiif.Version) bool {
	_, ok := p.VersionPathTemplates[version]
	return ok
}

// Path returns the image server path for an asset, without the image request.
// The second value is false when the server does not support the version.
func (p ImageServerPaths) Path(id AssetID, version iiif.Version) (string, bool) {
	prefix, ok := p.VersionPathTemplates[version]
	if !ok {
		return "", false
	}
	customer, space := strconv.Itoa(id.Customer), strconv.Itoa(id.Space)
	imageDir := strings.Join([]string{customer, space, id.Asset}, p.Separator)
	replacer := strings.NewReplacer(
		"{customer}", customer,
		"{space}", space,
		"{image-dir}", imageDir,
		"{image}", id.Asset,
	)
	return prefix + replacer.Replace(p.PathTemplate), true
}
