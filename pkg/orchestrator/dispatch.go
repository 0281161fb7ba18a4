package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

// OutcomeKind is the routing decision for a request
type OutcomeKind int

const (
	OutcomeServeThumbnail OutcomeKind = iota
	OutcomeServeResize
	OutcomeProxyImageServer
	OutcomeProxySpecialServer
	OutcomeRedirectBlob
	OutcomeServeBlob
	OutcomeDocument
	OutcomeSeeOther
	OutcomeRedirect
	OutcomeBadRequest
	OutcomeUnauthorized
	OutcomeNotFound
	OutcomeServerError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeServeThumbnail:
		return "serve_thumbnail"
	case OutcomeServeResize:
		return "serve_resize"
	case OutcomeProxyImageServer:
		return "proxy_image_server"
	case OutcomeProxySpecialServer:
		return "proxy_special_server"
	case OutcomeRedirectBlob:
		return "redirect_blob"
	case OutcomeServeBlob:
		return "serve_blob"
	case OutcomeDocument:
		return "document"
	case OutcomeSeeOther, OutcomeRedirect:
		return "redirect"
	case OutcomeBadRequest:
		return "bad_request"
	case OutcomeUnauthorized:
		return "unauthorized"
	case OutcomeNotFound:
		return "not_found"
	default:
		return "server_error"
	}
}

// Status is the HTTP status the outcome is answered with when not proxied
func (k OutcomeKind) Status() int {
	switch k {
	case OutcomeRedirectBlob, OutcomeRedirect:
		return http.StatusFound
	case OutcomeSeeOther:
		return http.StatusSeeOther
	case OutcomeBadRequest:
		return http.StatusBadRequest
	case OutcomeUnauthorized:
		return http.StatusUnauthorized
	case OutcomeNotFound:
		return http.StatusNotFound
	case OutcomeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

// IsProxy reports whether the outcome is forwarded to a downstream server
func (k OutcomeKind) IsProxy() bool {
	switch k {
	case OutcomeServeThumbnail, OutcomeServeResize, OutcomeProxyImageServer, OutcomeProxySpecialServer:
		return true
	}
	return false
}

// Outcome is a routing decision with everything needed to write the response
type Outcome struct {
	Kind OutcomeKind

	// Target is the downstream path for proxies, the Location for redirects
	// or the object key for OutcomeServeBlob
	Target string

	// AssetID is set once the identity resolved
	AssetID *AssetID

	RequiresAuth bool

	// Headers holds custom headers for the asset
	Headers http.Header

	// Body and ContentType are set for documents, including 401 documents
	Body        []byte
	ContentType string

	// Negotiated is true when the version came from the Accept header
	Negotiated bool

	// InfoJSON selects the short-lived cache policy
	InfoJSON bool

	// Session is the cookie session that authorized the request, its cookie is re-issued
	Session *AuthToken

	Err error
}

// Status is the HTTP status for non-proxied outcomes
func (o *Outcome) Status() int {
	return o.Kind.Status()
}

// CacheControl returns the Cache-Control value for the outcome
func (o *Outcome) CacheControl(policy CachePolicy) string {
	switch o.Kind {
	case OutcomeUnauthorized:
		return policy.UnauthorizedCacheControl()
	case OutcomeNotFound, OutcomeBadRequest, OutcomeServerError, OutcomeRedirect, OutcomeSeeOther:
		return ""
	case OutcomeDocument:
		return policy.CacheControl(o.RequiresAuth, o.InfoJSON)
	}
	return policy.CacheControl(o.RequiresAuth, false)
}

// failure converts an error to a rejecting outcome
func failure(err error, id *AssetID) *Outcome {
	kind := OutcomeServerError
	switch StatusOf(err) {
	case http.StatusNotFound:
		kind = OutcomeNotFound
	case http.StatusBadRequest:
		kind = OutcomeBadRequest
	case http.StatusUnauthorized:
		kind = OutcomeUnauthorized
	}
	return &Outcome{Kind: kind, AssetID: id, Err: err}
}

// resolve parses the path and loads the asset, checking it is deliverable on channel
func (s *service) resolve(ctx context.Context, path, channel string) (*DeliveryRequest, *Asset, error) {
	req, err := s.parser.Parse(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	asset, err := s.loadAsset(ctx, req.AssetID, channel)
	return req, asset, err
}

func (s *service) loadAsset(ctx context.Context, id AssetID, channel string) (*Asset, error) {
	asset, err := s.assets.GetAsset(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAssetNotFound) {
			return nil, NewRequestError(KindNotFound, fmt.Sprintf("Asset %s not found", id), err)
		}
		return nil, NewRequestError(KindCacheBackendUnavailable, "Error loading asset", err)
	}
	if err := CheckDelivery(asset, channel); err != nil {
		return nil, err
	}
	return asset, nil
}

func idOf(req *DeliveryRequest) *AssetID {
	if req == nil {
		return nil
	}
	id := req.AssetID
	return &id
}

// withHeaders attaches the asset's custom headers to a successful outcome
func (s *service) withHeaders(ctx context.Context, asset *Asset, o *Outcome) *Outcome {
	headers, err := s.headers.CustomHeaders(ctx, asset)
	if err != nil {
		s.logger.Warn("Failed to load custom headers", "customer", asset.ID.Customer, "err", err)
		headers = http.Header{}
	}
	o.Headers = headers
	return o
}

// authorize checks access to a restricted asset, returning a rejecting outcome on failure and the refreshed token when a cookie authorized the request
func (s *service) authorize(ctx context.Context, asset *Asset, creds Credentials) (*AuthToken, *Outcome) {
	if !asset.RequiresAuth() {
		return nil, nil
	}
	token, err := s.auth.Authorize(ctx, asset.ID.Customer, asset.Roles, creds)
	if err != nil {
		id := asset.ID
		o := failure(err, &id)
		o.RequiresAuth = true
		return nil, o
	}
	if !creds.HasCookie {
		return nil, nil
	}
	return token, nil
}

func (s *service) DispatchImage(ctx context.Context, path string, creds Credentials) *Outcome {
	return s.record(s.dispatchImage(ctx, path, creds))
}

func (s *service) dispatchImage(ctx context.Context, path string, creds Credentials) *Outcome {
	req, err := s.parser.Parse(ctx, path)
	if err != nil {
		return failure(err, nil)
	}
	id := req.AssetID

	imageRequest, err := iiif.ParseImageRequest(req.RequestPath())
	if err != nil {
		return failure(NewRequestError(KindMalformedRequestSyntax, err.Error(), err), &id)
	}
	version := s.settings.DefaultImageVersion
	if req.IsVersioned() {
		version = req.Version
	}
	serverPath, ok := s.settings.ImageServer.Path(id, version)
	if !ok {
		return failure(NewRequestError(KindMalformedRequestSyntax,
			fmt.Sprintf("Image server does not support version %q", req.VersionSlug), nil), &id)
	}

	asset, err := s.loadAsset(ctx, id, ChannelImage)
	if err != nil {
		return failure(err, &id)
	}
	if asset.Family != FamilyImage {
		return failure(NewRequestError(KindNotFound, "Asset is not an image", nil), &id)
	}

	restricted := asset.RequiresAuth()
	var session *AuthToken
	if restricted && !s.withinUnauthorisedEnvelope(asset, imageRequest) {
		var o *Outcome
		if session, o = s.authorize(ctx, asset, creds); o != nil {
			return o
		}
	}

	if imageRequest.Region.Full && !imageRequest.Size.Max {
		if ok, _ := imageRequest.IsCandidateForThumbHandling(); ok {
			sizes, err := s.thumbs.GetOpenSizes(ctx, id)
			if err != nil {
				return failure(NewRequestError(KindCacheBackendUnavailable, "Error reading thumbnail sizes", err), &id)
			}
			selection := s.selector.Select(id, sizes, imageRequest.Size)
			switch {
			case selection.Match == ExactThumbnail:
				s.logger.Debug("Request can be handled by thumb", "path", path, "resize", false)
				return s.withHeaders(ctx, asset, &Outcome{
					Kind:         OutcomeServeThumbnail,
					Target:       s.thumbPath(s.settings.ThumbsPath, req),
					AssetID:      &id,
					RequiresAuth: restricted,
					Session:      session,
				})
			case selection.Match.IsResize():
				s.logger.Debug("Request can be handled by thumb", "path", path, "resize", true, "match", selection.Match.String())
				return s.withHeaders(ctx, asset, &Outcome{
					Kind:         OutcomeServeResize,
					Target:       s.thumbPath(s.settings.ThumbResizePath, req),
					AssetID:      &id,
					RequiresAuth: restricted,
					Session:      session,
				})
			}
		}
	}

	target := serverPath + imageRequest.Path()
	if s.settings.UseSpecialServer && imageRequest.Region.Full && imageRequest.Size.Max {
		return s.withHeaders(ctx, asset, &Outcome{
			Kind:         OutcomeProxySpecialServer,
			Target:       target,
			AssetID:      &id,
			RequiresAuth: restricted,
			Session:      session,
		})
	}

	result, err := s.orchestrator.Orchestrate(ctx, asset)
	switch result {
	case OrchestrationNotFound:
		return failure(NewRequestError(KindOrchestrationNotFound, "Asset origin not found", err), &id)
	case OrchestrationError:
		return failure(NewRequestError(KindOrchestrationBackendError, "Error orchestrating asset", err), &id)
	}

	return s.withHeaders(ctx, asset, &Outcome{
		Kind:         OutcomeProxyImageServer,
		Target:       target,
		AssetID:      &id,
		RequiresAuth: restricted,
		Session:      session,
	})
}

// withinUnauthorisedEnvelope reports whether a full-region request is small enough to skip auth
func (s *service) withinUnauthorisedEnvelope(asset *Asset, req *iiif.ImageRequest) bool {
	if !req.Region.Full || asset.MaxUnauthorised <= 0 {
		return false
	}
	resulting := req.Size.ResultingSize(iiif.Size{Width: asset.Width, Height: asset.Height})
	if resulting.Width > 0 && resulting.Height > 0 && resulting.MaxDimension() <= asset.MaxUnauthorised {
		s.logger.Debug("Restricted request viewable due to max unauthorised size",
			"asset", asset.ID.String(), "max_unauthorised", asset.MaxUnauthorised)
		return true
	}
	return false
}

// thumbPath rewrites the request path onto the thumbs route, dropping any version slug
func (s *service) thumbPath(route string, req *DeliveryRequest) string {
	return fmt.Sprintf("/%s/%d/%d/%s", route, req.AssetID.Customer, req.AssetID.Space, req.AssetPath)
}

func (s *service) DispatchThumbnail(ctx context.Context, path string) *Outcome {
	return s.record(s.dispatchThumbnail(ctx, path))
}

func (s *service) dispatchThumbnail(ctx context.Context, path string) *Outcome {
	req, err := s.parser.Parse(ctx, path)
	if err != nil {
		return failure(err, nil)
	}
	id := req.AssetID

	imageRequest, err := iiif.ParseImageRequest(req.RequestPath())
	if err != nil {
		return failure(NewRequestError(KindMalformedRequestSyntax, err.Error(), err), &id)
	}
	if ok, reason := imageRequest.IsCandidateForThumbHandling(); !ok {
		return failure(NewRequestError(KindMalformedRequestSyntax, reason, nil), &id)
	}

	asset, err := s.loadAsset(ctx, id, ChannelThumbs)
	if err != nil {
		return failure(err, &id)
	}

	sizes, err := s.thumbs.GetOpenSizes(ctx, id)
	if err != nil {
		return failure(NewRequestError(KindCacheBackendUnavailable, "Error reading thumbnail sizes", err), &id)
	}
	edge := FindExactThumbnail(sizes, imageRequest.Size)
	if edge == 0 {
		return failure(NewRequestError(KindNotFound, "No matching thumbnail", nil), &id)
	}

	return s.withHeaders(ctx, asset, &Outcome{
		Kind:        OutcomeServeBlob,
		Target:      ThumbnailKey(id, edge, true),
		AssetID:     &id,
		ContentType: "image/jpeg",
	})
}

func (s *service) DispatchFile(ctx context.Context, path string, creds Credentials) *Outcome {
	return s.record(s.dispatchStored(ctx, path, creds, ChannelFile))
}

func (s *service) DispatchTimebased(ctx context.Context, path string, creds Credentials) *Outcome {
	return s.record(s.dispatchStored(ctx, path, creds, ChannelAV))
}

// dispatchStored redirects to the managed storage copy of a file or transcode
func (s *service) dispatchStored(ctx context.Context, path string, creds Credentials, channel string) *Outcome {
	req, asset, err := s.resolve(ctx, path, channel)
	if err != nil {
		return failure(err, idOf(req))
	}
	id := req.AssetID

	session, o := s.authorize(ctx, asset, creds)
	if o != nil {
		return o
	}

	key := StoredOriginalKey(id)
	if channel == ChannelAV {
		if asset.Family != FamilyTimebased {
			return failure(NewRequestError(KindNotFound, "Asset is not timebased", nil), &id)
		}
		rest := strings.TrimPrefix(req.RequestPath(), "/")
		if rest == "" {
			return failure(NewRequestError(KindNotFound, "No transcode requested", nil), &id)
		}
		key = TimebasedKey(id, rest)
	}

	if _, err := s.storage.Stat(ctx, key); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return failure(NewRequestError(KindNotFound, "Object not in managed storage", err), &id)
		}
		return failure(NewRequestError(KindCacheBackendUnavailable, "Error reading storage", err), &id)
	}

	url, err := s.storage.PresignGet(ctx, key, s.settings.PresignedURLExpiry)
	if err != nil {
		if errors.Is(err, ErrPresignNotSupported) {
			return s.withHeaders(ctx, asset, &Outcome{
				Kind:         OutcomeServeBlob,
				Target:       key,
				AssetID:      &id,
				RequiresAuth: asset.RequiresAuth(),
				ContentType:  asset.MediaType,
				Session:      session,
			})
		}
		return failure(NewRequestError(KindCacheBackendUnavailable, "Error presigning storage url", err), &id)
	}

	return s.withHeaders(ctx, asset, &Outcome{
		Kind:         OutcomeRedirectBlob,
		Target:       url,
		AssetID:      &id,
		RequiresAuth: asset.RequiresAuth(),
		Session:      session,
	})
}

// assetURL builds the public URL of an asset route
func assetURL(root, route, version, customer string, space int, asset string) string {
	return strings.TrimSuffix(root, "/") + basePath(route, version, customer, strconv.Itoa(space)) + asset
}
