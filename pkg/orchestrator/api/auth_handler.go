package api

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator"
)

const clickthroughService = "clickthrough"

var (
	closeWindowPage = template.Must(template.New("close").Parse(`<!DOCTYPE html>
<html><head><title>{{.}}</title></head>
<body><script>window.close();</script><p>{{.}}. You may now close this window.</p></body></html>
`))

	postMessagePage = template.Must(template.New("message").Parse(`<!DOCTYPE html>
<html><head><title>Token</title></head>
<body><script>window.parent.postMessage({{.Message}}, {{.Origin}});</script></body></html>
`))
)

// tokenStatus maps token service error codes to HTTP statuses
var tokenStatus = map[string]int{
	"missingCredentials": http.StatusUnauthorized,
	"invalidCredentials": http.StatusForbidden,
	"unavailable":        http.StatusInternalServerError,
	"invalidRequest":     http.StatusBadRequest,
}

type probeResult struct {
	Context string `json:"@context"`
	Type    string `json:"type"`
	Status  int    `json:"status"`
	Heading string `json:"heading,omitempty"`
	Note    string `json:"note,omitempty"`
}

// resolveCustomer reads the {customer} url param as an id or name
func (h *Handler) resolveCustomer(r *http.Request) (*orchestrator.Customer, error) {
	customer, err := h.service.ResolveCustomer(r.Context(), chi.URLParam(r, "customer"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrCustomerNotFound) {
			return nil, orchestrator.NewRequestError(orchestrator.KindNotFound, "Customer not found", err)
		}
		return nil, orchestrator.NewRequestError(orchestrator.KindCacheBackendUnavailable, "Error resolving customer", err)
	}
	return customer, nil
}

// Login runs an access cookie service: a session is created and its cookie set
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	customer, err := h.resolveCustomer(r)
	if err != nil {
		h.writeError(w, r, orchestrator.StatusOf(err), err)
		return
	}
	name := chi.URLParam(r, "authService")

	token, svc, err := h.service.IssueSession(r.Context(), customer.ID, name)
	if err != nil {
		h.writeError(w, r, orchestrator.StatusOf(err), err)
		return
	}

	http.SetCookie(w, h.sessionCookie(token))
	w.Header().Set("Cache-Control", "no-store")

	if name != clickthroughService && svc.LoginURL != "" {
		http.Redirect(w, r, svc.LoginURL, http.StatusFound)
		return
	}
	renderHTML(w, http.StatusOK, closeWindowPage, "Access granted")
}

// sessionCookie carries the token's cookie id until the token expires
func (h *Handler) sessionCookie(token *orchestrator.AuthToken) *http.Cookie {
	return &http.Cookie{
		Name:     h.service.CookieName(token.Customer),
		Value:    orchestrator.CookieValue(token.CookieID),
		Path:     "/",
		Expires:  token.Expires,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	}
}

type tokenResponse struct {
	AccessToken string `json:"accessToken,omitempty"`
	ExpiresIn   int    `json:"expiresIn,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	Error       string `json:"error,omitempty"`
	Description string `json:"description,omitempty"`
}

// Token exchanges the access cookie for a bearer token. With a messageId the result is
// posted to the opening window instead, which then requires the window's origin.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	messageID := r.URL.Query().Get("messageId")
	w.Header().Set("Cache-Control", "no-store")

	var origin string
	if messageID != "" {
		var err error
		if origin, err = messageOrigin(r.URL.Query().Get("origin")); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, tokenResponse{MessageID: messageID, Error: "invalidRequest", Description: err.Error()})
			return
		}
	}

	status, resp := h.exchangeToken(r)
	resp.MessageID = messageID

	if messageID == "" {
		render.Status(r, status)
		render.JSON(w, r, resp)
		return
	}

	renderHTML(w, http.StatusOK, postMessagePage, struct {
		Message tokenResponse
		Origin  string
	}{resp, origin})
}

// messageOrigin reduces raw to scheme://host, rejecting anything that is not an http(s) origin
func messageOrigin(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("origin is required with messageId")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || u.User != nil {
		return "", fmt.Errorf("invalid origin %q", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

func (h *Handler) exchangeToken(r *http.Request) (int, tokenResponse) {
	customer, err := h.resolveCustomer(r)
	if err == nil {
		var token *orchestrator.AuthToken
		creds := h.credentials(r, chi.URLParam(r, "customer"))
		if token, err = h.service.ExchangeToken(r.Context(), customer.ID, creds); err == nil {
			return http.StatusOK, tokenResponse{
				AccessToken: token.BearerToken,
				ExpiresIn:   int(token.Expires.Sub(h.service.Now()) / time.Second),
			}
		}
	}

	code, description := "invalidRequest", err.Error()
	var re *orchestrator.RequestError
	if errors.As(err, &re) {
		code, description = re.Code(), re.Description
	}
	status, ok := tokenStatus[code]
	if !ok {
		code, status = "invalidRequest", http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Token exchange failed", "err", err)
	}
	return status, tokenResponse{Error: code, Description: description}
}

// Logout expires the session behind the access cookie and clears it
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	customer, err := h.resolveCustomer(r)
	if err != nil {
		h.writeError(w, r, orchestrator.StatusOf(err), err)
		return
	}

	name := h.service.CookieName(customer.ID)
	if cookie, err := r.Cookie(name); err == nil {
		if err := h.service.Logout(r.Context(), customer.ID, cookie.Value); err != nil {
			h.writeError(w, r, orchestrator.StatusOf(err), err)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
	w.Header().Set("Cache-Control", "no-store")
	renderHTML(w, http.StatusOK, closeWindowPage, "Logged out")
}

// Probe answers an IIIF Auth 2 probe for an image asset. The probe result carries the
// access status; the HTTP status is 200 unless the lookup itself failed.
func (h *Handler) Probe(w http.ResponseWriter, r *http.Request) {
	rest := chi.URLParam(r, "*")
	path := "/probe/" + rest
	creds := h.credentials(r, parseSegments(path).customer)

	o := h.service.ProbeAccess(r.Context(), path, creds)
	for k, v := range h.responseHeaders(o) {
		w.Header()[k] = v
	}
	w.Header().Set("Cache-Control", h.policy.UnauthorizedCacheControl())

	result := probeResult{
		Context: "http://iiif.io/api/auth/2/context.json",
		Type:    "AuthProbeResult2",
		Status:  http.StatusOK,
	}
	switch o.Kind {
	case orchestrator.OutcomeDocument:
	case orchestrator.OutcomeUnauthorized:
		result.Status = http.StatusUnauthorized
		result.Heading = "Authentication required"
		var re *orchestrator.RequestError
		if errors.As(o.Err, &re) {
			result.Note = re.Description
		}
	case orchestrator.OutcomeNotFound:
		result.Status = http.StatusNotFound
	default:
		h.writeError(w, r, o.Status(), o.Err)
		return
	}
	render.JSON(w, r, result)
}

func renderHTML(w http.ResponseWriter, status int, page *template.Template, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	page.Execute(w, data)
}
