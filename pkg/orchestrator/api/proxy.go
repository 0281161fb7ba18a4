package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator"
)

// upstream picks the downstream server for a proxied outcome
func (h *Handler) upstream(kind orchestrator.OutcomeKind) *url.URL {
	switch kind {
	case orchestrator.OutcomeServeThumbnail:
		return h.thumbs
	case orchestrator.OutcomeServeResize:
		return h.resize
	case orchestrator.OutcomeProxySpecialServer:
		if h.specialServer != nil {
			return h.specialServer
		}
	}
	return h.imageServer
}

// proxy forwards the request to the outcome's downstream server. headers replace
// whatever the downstream sets for the same keys.
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request, o *orchestrator.Outcome, headers http.Header) {
	base := h.upstream(o.Kind)
	if base == nil {
		if o.Kind == orchestrator.OutcomeServeThumbnail {
			h.serveLocalThumbnail(w, r, o, headers)
			return
		}
		for k, v := range headers {
			w.Header()[k] = v
		}
		h.writeError(w, r, http.StatusInternalServerError,
			orchestrator.NewRequestError(orchestrator.KindOrchestrationBackendError, "No server configured for "+o.Kind.String(), nil))
		return
	}

	target, err := joinTarget(base, o.Target)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = target
			pr.Out.Host = target.Host
			pr.Out.Header.Del("Cookie")
			pr.Out.Header.Del("Authorization")
			pr.SetXForwarded()
		},
		Transport: h.transport,
		ModifyResponse: func(res *http.Response) error {
			for k, v := range headers {
				res.Header[k] = v
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				h.logger.Debug("Client went away during proxy", "target", target.String())
				return
			}
			h.logger.Error("Proxy request failed", "kind", o.Kind.String(), "target", target.String(), "err", err)
			for k, v := range headers {
				w.Header()[k] = v
			}
			h.writeError(w, r, http.StatusBadGateway,
				orchestrator.NewRequestError(orchestrator.KindOrchestrationBackendError, "Downstream server unavailable", err))
		},
	}
	rp.ServeHTTP(w, r)
}

// serveLocalThumbnail resolves a thumbnail path against the thumbs bucket when no thumbs server is set
func (h *Handler) serveLocalThumbnail(w http.ResponseWriter, r *http.Request, o *orchestrator.Outcome, headers http.Header) {
	thumb := h.service.DispatchThumbnail(r.Context(), o.Target)
	if thumb.Kind != orchestrator.OutcomeServeBlob {
		h.writeOutcome(w, r, thumb, h.thumbsStore)
		return
	}
	for k, v := range headers {
		w.Header()[k] = v
	}
	h.serveBlob(w, r, h.thumbsStore, thumb)
}

// joinTarget appends a downstream path, which may carry a query, to base without
// unescaping encoded separators.
func joinTarget(base *url.URL, target string) (*url.URL, error) {
	t, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	u := *base
	u.Path = strings.TrimSuffix(base.Path, "/") + t.Path
	u.RawPath = strings.TrimSuffix(base.EscapedPath(), "/") + t.EscapedPath()
	u.RawQuery = t.RawQuery
	return &u, nil
}
