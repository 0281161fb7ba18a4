package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

func (s *service) GetInfoJSON(ctx context.Context, in InfoJSONRequest) *Outcome {
	return s.record(s.getInfoJSON(ctx, in))
}

func (s *service) getInfoJSON(ctx context.Context, in InfoJSONRequest) *Outcome {
	req, err := s.parser.Parse(ctx, in.Path)
	if err != nil {
		return failure(err, nil)
	}
	id := req.AssetID
	space := strconv.Itoa(id.Space)
	canonical := s.settings.DefaultImageVersion

	rest := strings.Trim(req.RequestPath(), "/")
	if rest == "" {
		// image root, see other to its info.json
		version := req.VersionSlug
		if req.Version == canonical {
			version = ""
		}
		return &Outcome{
			Kind:    OutcomeSeeOther,
			Target:  basePath(req.Route, version, req.CustomerPathValue, space) + id.Asset + "/info.json",
			AssetID: &id,
		}
	}
	if rest != "info.json" {
		return failure(NewRequestError(KindMalformedRequestSyntax, "Unrecognised image path", nil), &id)
	}

	negotiated, hasAccept := iiif.NegotiateImageVersion(in.Accept)
	version := canonical
	switch {
	case req.IsVersioned() && req.Version == iiif.VersionUnknown:
		return failure(NewRequestError(KindMalformedRequestSyntax, "Unknown iiif image api version requested", nil), &id)
	case req.IsVersioned() && (req.Version == canonical || !hasAccept || negotiated != req.Version):
		// explicit non-canonical versions are only served inline when Accept asks for the same version
		return &Outcome{
			Kind:    OutcomeRedirect,
			Target:  basePath(req.Route, "", req.CustomerPathValue, space) + id.Asset + "/info.json",
			AssetID: &id,
		}
	case hasAccept:
		version = negotiated
	}

	if !s.settings.ImageServer.Supports(version) {
		return failure(NewRequestError(KindMalformedRequestSyntax,
			fmt.Sprintf("Image server does not support %s", version), nil), &id)
	}

	asset, err := s.loadAsset(ctx, id, ChannelImage)
	if err != nil {
		return failure(err, &id)
	}
	if asset.Family != FamilyImage {
		return failure(NewRequestError(KindNotFound, "Asset is not an image", nil), &id)
	}

	info, err := s.infoJSON.Get(ctx, asset, version)
	if err != nil {
		return failure(err, &id)
	}
	if !info.Orchestrated && !in.NoOrchestrate {
		s.orchestrateForInfoJSON(ctx, asset)
	}

	versionSlug := ""
	if version != canonical {
		versionSlug = version.String()
	}
	imageID := assetURL(in.Root, req.Route, versionSlug, req.CustomerPathValue, id.Space, id.Asset)
	out := &Outcome{
		Kind:         OutcomeDocument,
		AssetID:      &id,
		RequiresAuth: asset.RequiresAuth(),
		Body:         info.Rewrite(imageID, strings.TrimSuffix(in.Root, "/")),
		ContentType:  infoJSONMediaType(version, in.Accept, hasAccept),
		Negotiated:   hasAccept,
		InfoJSON:     true,
	}

	if asset.RequiresAuth() {
		session, rejected := s.authorize(ctx, asset, in.Creds)
		out.Session = session
		if rejected != nil {
			if rejected.Kind != OutcomeUnauthorized {
				return rejected
			}
			// the 401 still carries the document so clients can discover auth services
			out.Kind = OutcomeUnauthorized
			out.Err = rejected.Err
		}
	}
	return s.withHeaders(ctx, asset, out)
}

// orchestrateForInfoJSON is best effort and never fails or delays the response. At
// capacity the asset is skipped; it is orchestrated later by its first tile request.
func (s *service) orchestrateForInfoJSON(ctx context.Context, asset *Asset) {
	if !s.settings.OrchestrateOnInfoJSON || s.orchestrator.IsOrchestrated(asset.ID) {
		return
	}
	if !s.infoSem.TryAcquire(1) {
		s.logger.Debug("Info.json orchestration at capacity, skipping", "asset", asset.ID.String())
		return
	}

	s.background.Add(1)
	go func(ctx context.Context) {
		defer s.background.Done()
		defer s.infoSem.Release(1)

		s.logger.Debug("Info.json orchestrating asset", "asset", asset.ID.String())
		if result, err := s.orchestrator.Orchestrate(ctx, asset); result != Orchestrated {
			s.logger.Warn("Info.json orchestration failed", "asset", asset.ID.String(), "result", result.String(), "err", err)
		}
	}(context.WithoutCancel(ctx))
}

// infoJSONMediaType is ld+json with the version profile, except v2 documents requested
// without an ld+json Accept which are served as plain json
func infoJSONMediaType(version iiif.Version, accept string, negotiated bool) string {
	if version == iiif.V2 && !negotiated && !strings.Contains(accept, "application/ld+json") {
		return "application/json"
	}
	return version.ImageMediaType()
}

func (s *service) GetManifest(ctx context.Context, in ManifestRequest) *Outcome {
	return s.record(s.getManifest(ctx, in))
}

func (s *service) getManifest(ctx context.Context, in ManifestRequest) *Outcome {
	req, err := s.parser.Parse(ctx, in.Path)
	if err != nil {
		return failure(err, nil)
	}
	id := req.AssetID

	version := s.settings.DefaultPresentationVersion
	if req.IsVersioned() {
		if req.Version == iiif.VersionUnknown {
			return failure(NewRequestError(KindMalformedRequestSyntax, "Unknown iiif presentation api version requested", nil), &id)
		}
		version = req.Version
	}

	asset, err := s.loadAsset(ctx, id, ChannelImage)
	if err != nil {
		return failure(err, &id)
	}
	if asset.Family != FamilyImage {
		return failure(NewRequestError(KindNotFound, "Asset is not an image", nil), &id)
	}

	sizes, err := s.thumbs.GetOpenSizes(ctx, id)
	if err != nil {
		return failure(NewRequestError(KindCacheBackendUnavailable, "Error reading thumbnail sizes", err), &id)
	}
	var thumbnail iiif.Size
	if len(sizes) > 0 {
		thumbnail = sizes[0]
	}

	// the image service is referenced at the same major version as the manifest
	imageVersion := version
	imageSlug := ""
	if imageVersion != s.settings.DefaultImageVersion {
		imageSlug = imageVersion.String()
	}
	manifestSlug := ""
	if req.IsVersioned() {
		manifestSlug = req.VersionSlug
	}

	root := strings.TrimSuffix(in.Root, "/")
	customer := strconv.Itoa(id.Customer)
	manifestID := assetURL(root, req.Route, manifestSlug, customer, id.Space, id.Asset)
	opts := iiif.ManifestOptions{
		ID:                  manifestID,
		Label:               id.String(),
		CanvasID:            manifestID + "/canvas/c/0",
		Width:               asset.Width,
		Height:              asset.Height,
		ImageServiceID:      assetURL(root, s.settings.ImagePath, imageSlug, customer, id.Space, id.Asset),
		ImageServiceVersion: imageVersion,
		Thumbnail:           thumbnail,
	}
	if asset.RequiresAuth() {
		opts.ProbeServiceID = ProbePath(root, id)
	}

	doc, err := iiif.BuildManifest(version, opts)
	if err != nil {
		return failure(NewRequestError(KindOrchestrationBackendError, "Error building manifest", err), &id)
	}
	return s.withHeaders(ctx, asset, &Outcome{
		Kind:         OutcomeDocument,
		AssetID:      &id,
		RequiresAuth: asset.RequiresAuth(),
		Body:         doc,
		ContentType:  version.PresentationMediaType(),
	})
}

// ProbePath is the URL of the IIIF Auth 2 probe service for an asset
func ProbePath(root string, id AssetID) string {
	return fmt.Sprintf("%s/auth/v2/probe/%s", strings.TrimSuffix(root, "/"), id)
}

func (s *service) ProbeAccess(ctx context.Context, path string, creds Credentials) *Outcome {
	return s.record(s.probeAccess(ctx, path, creds))
}

// probeAccess expects a path of the form /{route}/{customer}/{space}/{asset}
func (s *service) probeAccess(ctx context.Context, path string, creds Credentials) *Outcome {
	req, err := s.parser.Parse(ctx, path)
	if err != nil {
		return failure(err, nil)
	}
	id := req.AssetID

	asset, err := s.loadAsset(ctx, id, ChannelImage)
	if err != nil {
		return failure(err, &id)
	}
	if _, o := s.authorize(ctx, asset, creds); o != nil {
		return o
	}
	return &Outcome{Kind: OutcomeDocument, AssetID: &id, RequiresAuth: asset.RequiresAuth()}
}
