package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator"
	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/repo/memory"
	storagememory "github.com/tendant/iiif-orchestrator/pkg/orchestrator/storage/memory"
)

type stubImageServer struct{}

func (stubImageServer) Name() string { return "cantaloupe" }

func (stubImageServer) GetCapability(ctx context.Context, asset *orchestrator.Asset, version iiif.Version) (*iiif.Capability, error) {
	return &iiif.Capability{Width: asset.Width, Height: asset.Height}, nil
}

type stubOrchestrator struct{}

func (stubOrchestrator) Orchestrate(ctx context.Context, asset *orchestrator.Asset) (orchestrator.OrchestrationResult, error) {
	return orchestrator.Orchestrated, nil
}

func (stubOrchestrator) IsOrchestrated(orchestrator.AssetID) bool { return true }

// upstreamRecorder is a fake image server remembering the last request it saw
type upstreamRecorder struct {
	mu     sync.Mutex
	path   string
	cookie string
}

func (u *upstreamRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.path = r.URL.EscapedPath()
	u.cookie = r.Header.Get("Cookie")
	u.mu.Unlock()
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write([]byte("pixels"))
}

type testEnv struct {
	router   http.Handler
	repo     *memory.Repository
	upstream *upstreamRecorder
}

func setupHandlerTest(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	repo := memory.New()
	repo.PutCustomer(&orchestrator.Customer{ID: 99, Name: "test"})
	imageChannels := []orchestrator.DeliveryChannel{
		{Channel: orchestrator.ChannelImage}, {Channel: orchestrator.ChannelThumbs},
	}
	repo.PutAsset(&orchestrator.Asset{
		ID: orchestrator.NewAssetID(99, 1, "foo"), Family: orchestrator.FamilyImage,
		Width: 1000, Height: 800, ForDelivery: true, DeliveryChannels: imageChannels,
	})
	repo.PutAsset(&orchestrator.Asset{
		ID: orchestrator.NewAssetID(99, 1, "secret"), Family: orchestrator.FamilyImage,
		Width: 1000, Height: 800, ForDelivery: true, DeliveryChannels: imageChannels,
		Roles: []string{"basic"},
	})
	repo.PutAsset(&orchestrator.Asset{
		ID: orchestrator.NewAssetID(99, 1, "doc"), Family: orchestrator.FamilyFile,
		MediaType: "application/pdf", ForDelivery: true,
		DeliveryChannels: []orchestrator.DeliveryChannel{{Channel: orchestrator.ChannelFile}},
	})
	repo.PutAuthService(&orchestrator.AuthService{
		ID: "svc-1", Customer: 99, Name: "clickthrough",
		Profile: "http://iiif.io/api/auth/1/clickthrough", Label: "Terms", TTL: 1800,
		Roles: []string{"basic"},
	})

	thumbs := storagememory.New()
	for _, name := range []string{"foo", "secret"} {
		id := orchestrator.NewAssetID(99, 1, name)
		require.NoError(t, thumbs.Put(ctx, orchestrator.ThumbsSizesKey(id),
			strings.NewReader(`{"o":[[400,320],[200,160]],"a":[]}`), "application/json"))
		require.NoError(t, thumbs.Put(ctx, orchestrator.ThumbnailKey(id, 200, true),
			bytes.NewReader([]byte("thumb-200")), "image/jpeg"))
	}

	storage := storagememory.New()
	require.NoError(t, storage.Put(ctx, orchestrator.StoredOriginalKey(orchestrator.NewAssetID(99, 1, "doc")),
		bytes.NewReader([]byte("%PDF-1.7")), "application/octet-stream"))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := orchestrator.New(
		orchestrator.WithAssetRepository(repo),
		orchestrator.WithCustomerRepository(repo),
		orchestrator.WithAuthRepository(repo),
		orchestrator.WithCustomHeaderRepository(repo),
		orchestrator.WithThumbsStore(thumbs),
		orchestrator.WithStorage(storage),
		orchestrator.WithImageServer(stubImageServer{}),
		orchestrator.WithOrchestrator(stubOrchestrator{}),
		orchestrator.WithLogger(logger),
	)
	require.NoError(t, err)

	upstream := &upstreamRecorder{}
	server := httptest.NewServer(upstream)
	t.Cleanup(server.Close)

	h, err := NewHandler(Config{
		Service:        svc,
		ThumbsStore:    thumbs,
		Storage:        storage,
		ImageServerURL: server.URL,
		Logger:         logger,
	})
	require.NoError(t, err)

	router, err := NewRouter(h, RouterOptions{Logger: logger, Compress: true})
	require.NoError(t, err)
	return &testEnv{router: router, repo: repo, upstream: upstream}
}

func (e *testEnv) get(t *testing.T, path string, setup ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, s := range setup {
		s(req)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func withCookie(c *http.Cookie) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(c) }
}

func withBearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func TestHandler_ImageProxy(t *testing.T) {
	env := setupHandlerTest(t)

	rr := env.get(t, "/iiif-img/99/1/foo/0,0,100,100/max/0/default.jpg", withCookie(&http.Cookie{Name: "other", Value: "x"}))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pixels", rr.Body.String())
	assert.Equal(t, "/iiif/3/99%2F1%2Ffoo/0,0,100,100/max/0/default.jpg", env.upstream.path)
	assert.Empty(t, env.upstream.cookie)
	assert.Equal(t, "99/1/foo", rr.Header().Get("X-Asset-Id"))
	assert.Equal(t, "public, s-maxage=2419200, max-age=2419200, stale-if-error=86400", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "Accept-Encoding", rr.Header().Get("Vary"))
}

func TestHandler_ImageServedFromThumbnail(t *testing.T) {
	env := setupHandlerTest(t)

	rr := env.get(t, "/iiif-img/99/1/foo/full/!200,200/0/default.jpg")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "thumb-200", rr.Body.String())
	assert.Equal(t, "image/jpeg", rr.Header().Get("Content-Type"))
	assert.Equal(t, "99/1/foo", rr.Header().Get("X-Asset-Id"))
	assert.Empty(t, env.upstream.path, "image server not called")
}

func TestHandler_Thumbs(t *testing.T) {
	env := setupHandlerTest(t)

	t.Run("exact size", func(t *testing.T) {
		rr := env.get(t, "/thumbs/99/1/foo/full/200,/0/default.jpg")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "thumb-200", rr.Body.String())
	})

	t.Run("not a thumbnail request", func(t *testing.T) {
		rr := env.get(t, "/thumbs/99/1/foo/full/200,/90/default.jpg")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("no matching size", func(t *testing.T) {
		rr := env.get(t, "/thumbs/99/1/foo/full/123,/0/default.jpg")
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestHandler_InfoJSON(t *testing.T) {
	env := setupHandlerTest(t)

	t.Run("asset root redirects", func(t *testing.T) {
		rr := env.get(t, "/iiif-img/99/1/foo")
		assert.Equal(t, http.StatusSeeOther, rr.Code)
		assert.Equal(t, "/iiif-img/99/1/foo/info.json", rr.Header().Get("Location"))
	})

	t.Run("document uses request host", func(t *testing.T) {
		rr := env.get(t, "/iiif-img/99/1/foo/info.json")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, iiif.V3.ImageMediaType(), rr.Header().Get("Content-Type"))
		assert.Equal(t, "public, s-maxage=600, max-age=600", rr.Header().Get("Cache-Control"))

		var doc map[string]interface{}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
		assert.Equal(t, "http://example.com/iiif-img/99/1/foo", doc["id"])
	})

	t.Run("forwarded host", func(t *testing.T) {
		rr := env.get(t, "/iiif-img/test/1/foo/info.json", func(r *http.Request) {
			r.Header.Set("X-Forwarded-Proto", "https")
			r.Header.Set("X-Forwarded-Host", "dlcs.example")
		})
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `"https://dlcs.example/iiif-img/test/1/foo"`)
	})

	t.Run("negotiated version varies on accept", func(t *testing.T) {
		rr := env.get(t, "/iiif-img/99/1/foo/info.json", func(r *http.Request) {
			r.Header.Set("Accept", `application/ld+json;profile="http://iiif.io/api/image/2/context.json"`)
		})
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "Accept, Accept-Encoding", rr.Header().Get("Vary"))
		assert.Contains(t, rr.Body.String(), "http://iiif.io/api/image/2/context.json")
	})

	t.Run("restricted without credentials", func(t *testing.T) {
		rr := env.get(t, "/iiif-img/99/1/secret/info.json")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "private", rr.Header().Get("Cache-Control"))
		assert.Contains(t, rr.Body.String(), "http://example.com/auth/99/clickthrough")
	})

	t.Run("unknown asset", func(t *testing.T) {
		rr := env.get(t, "/iiif-img/99/1/missing/info.json")
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "max-age=60", rr.Header().Get("Cache-Control"))

		var resp errorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "notFound", resp.Error)
	})
}

func TestHandler_AuthFlow(t *testing.T) {
	env := setupHandlerTest(t)

	login := env.get(t, "/auth/test/clickthrough")
	require.Equal(t, http.StatusOK, login.Code)
	assert.Contains(t, login.Body.String(), "window.close()")

	var cookie *http.Cookie
	for _, c := range login.Result().Cookies() {
		if c.Name == "dlcs-token-99" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, strings.HasPrefix(cookie.Value, "id="))
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteNoneMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)

	t.Run("cookie opens restricted image", func(t *testing.T) {
		rr := env.get(t, "/iiif-img/99/1/secret/info.json", withCookie(cookie))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "private, max-age=600", rr.Header().Get("Cache-Control"))

		reissued := rr.Result().Cookies()
		require.Len(t, reissued, 1)
		assert.Equal(t, "dlcs-token-99", reissued[0].Name)
		assert.Equal(t, cookie.Value, reissued[0].Value)
	})

	var bearer string
	t.Run("token exchange", func(t *testing.T) {
		rr := env.get(t, "/auth/99/token", withCookie(cookie))
		require.Equal(t, http.StatusOK, rr.Code)

		var resp tokenResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.AccessToken)
		assert.InDelta(t, 1800, resp.ExpiresIn, 5)
		bearer = resp.AccessToken
	})

	t.Run("bearer opens restricted image", func(t *testing.T) {
		rr := env.get(t, "/iiif-img/99/1/secret/full/max/0/default.jpg", withBearer(bearer))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "pixels", rr.Body.String())
	})

	t.Run("token with message id posts to parent", func(t *testing.T) {
		rr := env.get(t, "/auth/99/token?messageId=m1&origin=https://viewer.example", withCookie(cookie))
		require.Equal(t, http.StatusOK, rr.Code)
		body := rr.Body.String()
		assert.Contains(t, body, "window.parent.postMessage")
		assert.Contains(t, body, "m1")
		assert.Contains(t, body, "https://viewer.example")
		assert.NotContains(t, body, `"*"`)
	})

	t.Run("token with message id requires an origin", func(t *testing.T) {
		for _, query := range []string{"messageId=m1", "messageId=m1&origin=*", "messageId=m1&origin=javascript:alert(1)"} {
			rr := env.get(t, "/auth/99/token?"+query, withCookie(cookie))
			require.Equal(t, http.StatusBadRequest, rr.Code, query)
			var resp tokenResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, "invalidRequest", resp.Error)
			assert.Empty(t, resp.AccessToken)
		}
	})

	t.Run("probe", func(t *testing.T) {
		rr := env.get(t, "/auth/v2/probe/99/1/secret", withBearer(bearer))
		require.Equal(t, http.StatusOK, rr.Code)
		var result probeResult
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
		assert.Equal(t, "AuthProbeResult2", result.Type)
		assert.Equal(t, http.StatusOK, result.Status)
	})

	t.Run("logout expires the session", func(t *testing.T) {
		rr := env.get(t, "/auth/99/logout", withCookie(cookie))
		require.Equal(t, http.StatusOK, rr.Code)

		rr = env.get(t, "/auth/99/token", withCookie(cookie))
		assert.Equal(t, http.StatusForbidden, rr.Code)
		var resp tokenResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "invalidCredentials", resp.Error)
	})
}

func TestHandler_TokenErrors(t *testing.T) {
	env := setupHandlerTest(t)

	rr := env.get(t, "/auth/99/token")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	var resp tokenResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "missingCredentials", resp.Error)

	rr = env.get(t, "/auth/99/token", withCookie(&http.Cookie{Name: "dlcs-token-99", Value: "id=unknown"}))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.get(t, "/auth/nobody/token")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandler_UnknownAuthService(t *testing.T) {
	env := setupHandlerTest(t)
	rr := env.get(t, "/auth/99/nosuchservice")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandler_ProbeUnauthorized(t *testing.T) {
	env := setupHandlerTest(t)

	rr := env.get(t, "/auth/v2/probe/99/1/secret")
	require.Equal(t, http.StatusOK, rr.Code)
	var result probeResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, http.StatusUnauthorized, result.Status)
	assert.NotEmpty(t, result.Heading)
}

func TestHandler_File(t *testing.T) {
	env := setupHandlerTest(t)

	rr := env.get(t, "/file/99/1/doc")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "%PDF-1.7", rr.Body.String())
	assert.Equal(t, "application/pdf", rr.Header().Get("Content-Type"))

	rr = env.get(t, "/file/99/1/foo")
	assert.Equal(t, http.StatusNotFound, rr.Code, "image asset has no file channel")
}

func TestHandler_Manifest(t *testing.T) {
	env := setupHandlerTest(t)

	rr := env.get(t, "/iiif-manifest/99/1/foo")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, iiif.V3.PresentationMediaType(), rr.Header().Get("Content-Type"))

	var manifest map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &manifest))
	assert.Equal(t, "Manifest", manifest["type"])
	assert.Equal(t, "http://example.com/iiif-manifest/99/1/foo", manifest["id"])
}

func TestHandler_ProxyFailure(t *testing.T) {
	env := setupHandlerTest(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	h, err := NewHandler(Config{
		Service:        mustService(t, env.repo),
		ThumbsStore:    storagememory.New(),
		Storage:        storagememory.New(),
		ImageServerURL: dead.URL,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/iiif-img/99/1/foo/0,0,10,10/max/0/default.jpg", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "99/1/foo", rr.Header().Get("X-Asset-Id"))
}

func TestHandler_ProxyStalledUpstream(t *testing.T) {
	env := setupHandlerTest(t)
	release := make(chan struct{})
	stalled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(stalled.Close)
	t.Cleanup(func() { close(release) })

	h, err := NewHandler(Config{
		Service:         mustService(t, env.repo),
		ThumbsStore:     storagememory.New(),
		Storage:         storagememory.New(),
		ImageServerURL:  stalled.URL,
		UpstreamTimeout: 50 * time.Millisecond,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	start := time.Now()
	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/iiif-img/99/1/foo/0,0,10,10/max/0/default.jpg", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewTransport(t *testing.T) {
	assert.Equal(t, DefaultUpstreamTimeout, NewTransport(0).ResponseHeaderTimeout)
	assert.Equal(t, 2*time.Second, NewTransport(2*time.Second).ResponseHeaderTimeout)
}

func mustService(t *testing.T, repo *memory.Repository) orchestrator.Service {
	t.Helper()
	svc, err := orchestrator.New(
		orchestrator.WithAssetRepository(repo),
		orchestrator.WithCustomerRepository(repo),
		orchestrator.WithAuthRepository(repo),
		orchestrator.WithThumbsStore(storagememory.New()),
		orchestrator.WithStorage(storagememory.New()),
		orchestrator.WithImageServer(stubImageServer{}),
		orchestrator.WithOrchestrator(stubOrchestrator{}),
		orchestrator.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	return svc
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)

	repo := memory.New()
	_, err = NewHandler(Config{
		Service:     mustService(t, repo),
		ThumbsStore: storagememory.New(),
		Storage:     storagememory.New(),
	})
	assert.Error(t, err, "image server url is required")
}

func TestParseSegments(t *testing.T) {
	s := parseSegments("/iiif-img/v2/test/1/foo/info.json")
	assert.Equal(t, "test", s.customer)
	assert.True(t, s.isDescriptor())

	s = parseSegments("/iiif-img/99/1/foo")
	assert.Equal(t, "99", s.customer)
	assert.True(t, s.isDescriptor())

	s = parseSegments("/iiif-img/99/1/foo/full/max/0/default.jpg")
	assert.False(t, s.isDescriptor())
}

func TestJoinTarget(t *testing.T) {
	base, _ := parseUpstream("x", "http://iip:8080/prefix/", true)

	u, err := joinTarget(base, "/fcgi-bin/iipsrv.fcgi?IIIF=/nas/99/1/foo.jp2/full/max/0/default.jpg")
	require.NoError(t, err)
	assert.Equal(t, "http://iip:8080/prefix/fcgi-bin/iipsrv.fcgi?IIIF=/nas/99/1/foo.jp2/full/max/0/default.jpg", u.String())

	u, err = joinTarget(base, "/iiif/3/99%2F1%2Ffoo/full/max/0/default.jpg")
	require.NoError(t, err)
	assert.Equal(t, "/prefix/iiif/3/99%2F1%2Ffoo/full/max/0/default.jpg", u.EscapedPath())
}
