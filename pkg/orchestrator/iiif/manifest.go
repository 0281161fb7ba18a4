package iiif

import (
	"encoding/json"
	"fmt"
)

// ManifestOptions describes a single-image manifest
type ManifestOptions struct {
	ID    string
	Label string

	CanvasID string
	Width    int
	Height   int

	// ImageServiceID is the public image service id (info.json without the trailing segment)
	ImageServiceID      string
	ImageServiceVersion Version

	// Thumbnail is the largest open thumbnail, zero when none are available
	Thumbnail Size

	// ProbeServiceID is set for restricted assets; only emitted in v3 manifests
	ProbeServiceID string
}

type language map[string][]string

type service3 struct {
	ID      string     `json:"id"`
	Type    string     `json:"type"`
	Profile string     `json:"profile,omitempty"`
	Service []service3 `json:"service,omitempty"`
}

type image3 struct {
	ID      string     `json:"id"`
	Type    string     `json:"type"`
	Format  string     `json:"format"`
	Width   int        `json:"width,omitempty"`
	Height  int        `json:"height,omitempty"`
	Service []service3 `json:"service,omitempty"`
}

type annotation3 struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Motivation string `json:"motivation"`
	Target     string `json:"target"`
	Body       image3 `json:"body"`
}

type annotationPage3 struct {
	ID    string        `json:"id"`
	Type  string        `json:"type"`
	Items []annotation3 `json:"items"`
}

type canvas3 struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Label     language          `json:"label,omitempty"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Thumbnail []image3          `json:"thumbnail,omitempty"`
	Items     []annotationPage3 `json:"items"`
}

type manifest3 struct {
	Context   string    `json:"@context"`
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Label     language  `json:"label"`
	Thumbnail []image3  `json:"thumbnail,omitempty"`
	Items     []canvas3 `json:"items"`
}

type service2 struct {
	Context string `json:"@context,omitempty"`
	ID      string `json:"@id"`
	Profile string `json:"profile"`
}

type image2 struct {
	ID      string    `json:"@id"`
	Type    string    `json:"@type"`
	Format  string    `json:"format"`
	Width   int       `json:"width,omitempty"`
	Height  int       `json:"height,omitempty"`
	Service *service2 `json:"service,omitempty"`
}

type annotation2 struct {
	ID         string `json:"@id"`
	Type       string `json:"@type"`
	Motivation string `json:"motivation"`
	On         string `json:"on"`
	Resource   image2 `json:"resource"`
}

type canvas2 struct {
	ID        string        `json:"@id"`
	Type      string        `json:"@type"`
	Label     string        `json:"label"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Thumbnail *image2       `json:"thumbnail,omitempty"`
	Images    []annotation2 `json:"images"`
}

type sequence2 struct {
	ID       string    `json:"@id"`
	Type     string    `json:"@type"`
	Canvases []canvas2 `json:"canvases"`
}

type manifest2 struct {
	Context   string      `json:"@context"`
	ID        string      `json:"@id"`
	Type      string      `json:"@type"`
	Label     string      `json:"label"`
	Thumbnail *image2     `json:"thumbnail,omitempty"`
	Sequences []sequence2 `json:"sequences"`
}

// BuildManifest renders a Presentation API manifest for a single image.
func BuildManifest(v Version, opts ManifestOptions) ([]byte, error) {
	switch v {
	case V2:
		return json.Marshal(manifestV2(opts))
	case V3:
		return json.Marshal(manifestV3(opts))
	default:
		return nil, fmt.Errorf("cannot build manifest for version %s", v)
	}
}

func manifestV3(opts ManifestOptions) manifest3 {
	imgService := service3{ID: opts.ImageServiceID, Type: "ImageService3", Profile: "level2"}
	if opts.ImageServiceVersion == V2 {
		imgService = service3{ID: opts.ImageServiceID, Type: "ImageService2", Profile: "level2"}
	}
	if opts.ProbeServiceID != "" {
		imgService.Service = []service3{{ID: opts.ProbeServiceID, Type: "AuthProbeService2"}}
	}

	var thumbs []image3
	if opts.Thumbnail.MaxDimension() > 0 {
		thumbs = []image3{{
			ID:      fmt.Sprintf("%s/full/%d,%d/0/default.jpg", opts.ImageServiceID, opts.Thumbnail.Width, opts.Thumbnail.Height),
			Type:    "Image",
			Format:  "image/jpeg",
			Width:   opts.Thumbnail.Width,
			Height:  opts.Thumbnail.Height,
			Service: []service3{{ID: opts.ImageServiceID, Type: imgService.Type, Profile: "level2"}},
		}}
	}

	canvas := canvas3{
		ID:        opts.CanvasID,
		Type:      "Canvas",
		Width:     opts.Width,
		Height:    opts.Height,
		Thumbnail: thumbs,
		Items: []annotationPage3{{
			ID:   opts.CanvasID + "/page",
			Type: "AnnotationPage",
			Items: []annotation3{{
				ID:         opts.CanvasID + "/page/image",
				Type:       "Annotation",
				Motivation: "painting",
				Target:     opts.CanvasID,
				Body: image3{
					ID:      opts.ImageServiceID + "/full/max/0/default.jpg",
					Type:    "Image",
					Format:  "image/jpeg",
					Width:   opts.Width,
					Height:  opts.Height,
					Service: []service3{imgService},
				},
			}},
		}},
	}

	return manifest3{
		Context:   V3.PresentationContext(),
		ID:        opts.ID,
		Type:      "Manifest",
		Label:     language{"none": {opts.Label}},
		Thumbnail: thumbs,
		Items:     []canvas3{canvas},
	}
}

func manifestV2(opts ManifestOptions) manifest2 {
	svc := &service2{Context: V2.ImageContext(), ID: opts.ImageServiceID, Profile: level2Profile2}
	if opts.ImageServiceVersion == V3 {
		svc = &service2{Context: V3.ImageContext(), ID: opts.ImageServiceID, Profile: "level2"}
	}

	var thumb *image2
	if opts.Thumbnail.MaxDimension() > 0 {
		thumb = &image2{
			ID:      fmt.Sprintf("%s/full/%d,%d/0/default.jpg", opts.ImageServiceID, opts.Thumbnail.Width, opts.Thumbnail.Height),
			Type:    "dctypes:Image",
			Format:  "image/jpeg",
			Width:   opts.Thumbnail.Width,
			Height:  opts.Thumbnail.Height,
			Service: svc,
		}
	}

	canvas := canvas2{
		ID:        opts.CanvasID,
		Type:      "sc:Canvas",
		Label:     "Canvas 1",
		Width:     opts.Width,
		Height:    opts.Height,
		Thumbnail: thumb,
		Images: []annotation2{{
			ID:         opts.CanvasID + "/imageanno",
			Type:       "oa:Annotation",
			Motivation: "sc:painting",
			On:         opts.CanvasID,
			Resource: image2{
				ID:      opts.ImageServiceID + "/full/full/0/default.jpg",
				Type:    "dctypes:Image",
				Format:  "image/jpeg",
				Width:   opts.Width,
				Height:  opts.Height,
				Service: svc,
			},
		}},
	}

	return manifest2{
		Context:   V2.PresentationContext(),
		ID:        opts.ID,
		Type:      "sc:Manifest",
		Label:     opts.Label,
		Thumbnail: thumb,
		Sequences: []sequence2{{
			ID:       opts.ID + "/sequence/0",
			Type:     "sc:Sequence",
			Canvases: []canvas2{canvas},
		}},
	}
}
