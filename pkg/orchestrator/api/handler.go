package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth"
	"github.com/go-chi/render"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator"
	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

// Config configures the delivery Handler
type Config struct {
	Service     orchestrator.Service
	ThumbsStore orchestrator.BlobStore
	Storage     orchestrator.BlobStore
	CachePolicy orchestrator.CachePolicy

	ImageServerURL string

	// ThumbsURL is the thumbnail server. Empty serves thumbnails from ThumbsStore in-process.
	ThumbsURL string

	// ResizeURL is the thumbnail resize service, required when resizing is enabled
	ResizeURL string

	// SpecialServerURL handles full-region max-size requests. Empty falls back to the image server.
	SpecialServerURL string

	// Transport carries proxied requests. Nil builds one bounded by UpstreamTimeout.
	Transport http.RoundTripper

	// UpstreamTimeout bounds the wait for downstream response headers, defaults to DefaultUpstreamTimeout
	UpstreamTimeout time.Duration

	Logger *slog.Logger
}

// DefaultUpstreamTimeout is how long a proxied request waits for downstream response headers
const DefaultUpstreamTimeout = 30 * time.Second

// NewTransport clones the default transport and bounds dialing and response headers by timeout
func NewTransport(timeout time.Duration) *http.Transport {
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = timeout
	t.TLSHandshakeTimeout = min(timeout, 10*time.Second)
	t.DialContext = (&net.Dialer{Timeout: min(timeout, 10*time.Second), KeepAlive: 30 * time.Second}).DialContext
	return t
}

// Handler serves IIIF delivery and auth endpoints
type Handler struct {
	service     orchestrator.Service
	thumbsStore orchestrator.BlobStore
	storage     orchestrator.BlobStore
	policy      orchestrator.CachePolicy
	transport   http.RoundTripper
	logger      *slog.Logger

	imageServer   *url.URL
	thumbs        *url.URL
	resize        *url.URL
	specialServer *url.URL
}

// NewHandler creates a Handler
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if cfg.ThumbsStore == nil || cfg.Storage == nil {
		return nil, fmt.Errorf("thumbs store and storage are required")
	}

	h := &Handler{
		service:     cfg.Service,
		thumbsStore: cfg.ThumbsStore,
		storage:     cfg.Storage,
		policy:      cfg.CachePolicy,
		transport:   cfg.Transport,
		logger:      cfg.Logger,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.transport == nil {
		h.transport = NewTransport(cfg.UpstreamTimeout)
	}
	if h.policy == (orchestrator.CachePolicy{}) {
		h.policy = orchestrator.DefaultCachePolicy()
	}

	var err error
	if h.imageServer, err = parseUpstream("image server", cfg.ImageServerURL, true); err != nil {
		return nil, err
	}
	if h.thumbs, err = parseUpstream("thumbs", cfg.ThumbsURL, false); err != nil {
		return nil, err
	}
	if h.resize, err = parseUpstream("resize", cfg.ResizeURL, false); err != nil {
		return nil, err
	}
	if h.specialServer, err = parseUpstream("special server", cfg.SpecialServerURL, false); err != nil {
		return nil, err
	}
	return h, nil
}

func parseUpstream(name, raw string, required bool) (*url.URL, error) {
	if raw == "" {
		if required {
			return nil, fmt.Errorf("%s url is required", name)
		}
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid %s url %q", name, raw)
	}
	return u, nil
}

// Routes returns the router for delivery and auth endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.GetHead)

	r.Get("/iiif-img/*", h.Image)
	r.Get("/thumbs/*", h.Thumbnail)
	r.Get("/file/*", h.File)
	r.Get("/iiif-av/*", h.Timebased)
	r.Get("/iiif-manifest/*", h.Manifest)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/v2/probe/*", h.Probe)
		r.Get("/{customer}/token", h.Token)
		r.Get("/{customer}/logout", h.Logout)
		r.Get("/{customer}/{authService}", h.Login)
	})
	return r
}

// errorResponse is the JSON body of a failed request
type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"description,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
}

// Image handles image requests and info.json documents
func (h *Handler) Image(w http.ResponseWriter, r *http.Request) {
	path := r.URL.EscapedPath()
	segments := parseSegments(path)
	creds := h.credentials(r, segments.customer)

	if segments.isDescriptor() {
		o := h.service.GetInfoJSON(r.Context(), orchestrator.InfoJSONRequest{
			Path:          path,
			Accept:        r.Header.Get("Accept"),
			Creds:         creds,
			Root:          requestRoot(r),
			NoOrchestrate: r.URL.Query().Get("noOrchestrate") == "true",
		})
		h.writeOutcome(w, r, o, nil)
		return
	}

	h.writeOutcome(w, r, h.service.DispatchImage(r.Context(), path, creds), h.thumbsStore)
}

// Thumbnail streams a pre-generated thumbnail
func (h *Handler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	h.writeOutcome(w, r, h.service.DispatchThumbnail(r.Context(), r.URL.EscapedPath()), h.thumbsStore)
}

// File redirects to the stored original of a file asset
func (h *Handler) File(w http.ResponseWriter, r *http.Request) {
	path := r.URL.EscapedPath()
	creds := h.credentials(r, parseSegments(path).customer)
	h.writeOutcome(w, r, h.service.DispatchFile(r.Context(), path, creds), h.storage)
}

// Timebased redirects to a stored audio/video transcode
func (h *Handler) Timebased(w http.ResponseWriter, r *http.Request) {
	path := r.URL.EscapedPath()
	creds := h.credentials(r, parseSegments(path).customer)
	h.writeOutcome(w, r, h.service.DispatchTimebased(r.Context(), path, creds), h.storage)
}

// Manifest returns a single-asset presentation manifest
func (h *Handler) Manifest(w http.ResponseWriter, r *http.Request) {
	o := h.service.GetManifest(r.Context(), orchestrator.ManifestRequest{
		Path: r.URL.EscapedPath(),
		Root: requestRoot(r),
	})
	h.writeOutcome(w, r, o, nil)
}

// credentials collects the bearer token and the customer's auth cookie
func (h *Handler) credentials(r *http.Request, customerValue string) orchestrator.Credentials {
	creds := orchestrator.Credentials{Bearer: jwtauth.TokenFromHeader(r)}
	if customerValue == "" {
		return creds
	}
	customer, err := h.service.ResolveCustomer(r.Context(), customerValue)
	if err != nil {
		return creds
	}
	if cookie, err := r.Cookie(h.service.CookieName(customer.ID)); err == nil {
		creds.Cookie, creds.HasCookie = cookie.Value, true
	}
	return creds
}

// writeOutcome answers a request from a routing decision. store serves OutcomeServeBlob keys.
func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, o *orchestrator.Outcome, store orchestrator.BlobStore) {
	headers := h.responseHeaders(o)

	if o.Kind.IsProxy() {
		h.proxy(w, r, o, headers)
		return
	}
	for k, v := range headers {
		w.Header()[k] = v
	}

	switch o.Kind {
	case orchestrator.OutcomeRedirectBlob, orchestrator.OutcomeRedirect, orchestrator.OutcomeSeeOther:
		http.Redirect(w, r, o.Target, o.Status())
	case orchestrator.OutcomeServeBlob:
		h.serveBlob(w, r, store, o)
	case orchestrator.OutcomeDocument:
		writeDocument(w, o.Status(), o.ContentType, o.Body)
	default:
		if len(o.Body) > 0 {
			writeDocument(w, o.Status(), o.ContentType, o.Body)
			return
		}
		h.writeError(w, r, o.Status(), o.Err)
	}
}

func (h *Handler) responseHeaders(o *orchestrator.Outcome) http.Header {
	headers := http.Header{}
	for k, v := range o.Headers {
		headers[k] = v
	}
	if o.AssetID != nil {
		headers.Set("x-asset-id", o.AssetID.String())
	}
	if o.Session != nil {
		if cookie := h.sessionCookie(o.Session); cookie.Valid() == nil {
			headers.Add("Set-Cookie", cookie.String())
		}
	}
	if o.Negotiated {
		headers.Set("Vary", "Accept, Accept-Encoding")
	} else {
		headers.Set("Vary", "Accept-Encoding")
	}

	switch cc := o.CacheControl(h.policy); {
	case cc != "":
		headers.Set("Cache-Control", cc)
	case o.Status() >= http.StatusBadRequest:
		headers.Set("Cache-Control", h.policy.ErrorCacheControl())
	}
	return headers
}

func (h *Handler) serveBlob(w http.ResponseWriter, r *http.Request, store orchestrator.BlobStore, o *orchestrator.Outcome) {
	if store == nil {
		h.writeError(w, r, http.StatusInternalServerError, fmt.Errorf("no store for %s", o.Target))
		return
	}
	reader, info, err := store.Get(r.Context(), o.Target)
	if err != nil {
		if errors.Is(err, orchestrator.ErrObjectNotFound) {
			h.writeError(w, r, http.StatusNotFound,
				orchestrator.NewRequestError(orchestrator.KindNotFound, "Object not found", err))
			return
		}
		h.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	defer reader.Close()

	contentType := info.ContentType
	if o.ContentType != "" {
		contentType = o.ContentType
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if info.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if !info.LastModified.IsZero() {
		w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		h.logger.Debug("Failed to stream blob", "key", o.Target, "err", err)
	}
}

func writeDocument(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	w.Write(body)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	resp := errorResponse{Error: "unavailable", Description: "An internal error occurred"}
	var re *orchestrator.RequestError
	if errors.As(err, &re) {
		resp.Error, resp.Description = re.Code(), re.Description
	}
	if status >= http.StatusInternalServerError {
		resp.RequestID = requestID(r.Context())
		h.logger.Error("Request failed", "path", r.URL.Path, "status", status, "err", err, "request_id", resp.RequestID)
	} else {
		h.logger.Debug("Request rejected", "path", r.URL.Path, "status", status, "err", err)
	}

	render.Status(r, status)
	render.JSON(w, r, resp)
}

// deliverySegments are the identity segments of a delivery path
type deliverySegments struct {
	customer string
	rest     []string
}

// isDescriptor reports whether the path addresses the asset root or its info.json
func (s deliverySegments) isDescriptor() bool {
	return len(s.rest) == 0 || (len(s.rest) == 1 && s.rest[0] == "info.json")
}

// parseSegments splits /{route}/[{version}/]{customer}/{space}/{asset}/{rest...}
func parseSegments(path string) deliverySegments {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	offset := 1
	if len(parts) > 1 && iiif.IsVersionSlug(parts[1]) {
		offset = 2
	}

	var s deliverySegments
	if len(parts) > offset {
		s.customer = parts[offset]
	}
	if len(parts) > offset+3 {
		s.rest = parts[offset+3:]
	}
	return s
}

// requestRoot is the public scheme://host of the request
func requestRoot(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return scheme + "://" + host
}
