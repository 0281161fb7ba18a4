package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, requestID(r.Context()))
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RequestIDMiddleware(handler)

	t.Run("generates request ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		rr := httptest.NewRecorder()

		wrapped.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	})

	t.Run("uses provided request ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Request-ID", "my-custom-id")
		rr := httptest.NewRecorder()

		wrapped.ServeHTTP(rr, req)

		assert.Equal(t, "my-custom-id", rr.Header().Get("X-Request-ID"))
	})
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("Hello"))
	})
	wrapped := RequestIDMiddleware(LoggingMiddleware(logger)(handler))

	rr := httptest.NewRecorder()
	wrapped.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, "Hello", rr.Body.String())

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Request completed", entry["msg"])
	assert.Equal(t, "/test", entry["path"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, float64(5), entry["bytes"])
	assert.NotEmpty(t, entry["request_id"])
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("something went wrong")
	})
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	wrapped := RecoveryMiddleware(logger)(handler)

	rr := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		wrapped.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))
	})

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var response errorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
	assert.Equal(t, "unavailable", response.Error)
}

func TestCORSMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	wrapped := CORSMiddleware([]string{"https://example.com"}, []string{"GET"}, []string{"Authorization"})(handler)

	t.Run("adds CORS headers for allowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "https://example.com")
		rr := httptest.NewRecorder()

		wrapped.ServeHTTP(rr, req)

		assert.Equal(t, "https://example.com", rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
		assert.Equal(t, "Authorization", rr.Header().Get("Access-Control-Allow-Headers"))
	})

	t.Run("other origin gets no CORS headers", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "https://elsewhere.com")
		rr := httptest.NewRecorder()

		wrapped.ServeHTTP(rr, req)

		assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight is answered with 200", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/test", nil)
		req.Header.Set("Origin", "https://example.com")
		rr := httptest.NewRecorder()

		wrapped.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("wildcard allows any origin without credentials", func(t *testing.T) {
		wildcard := CORSMiddleware(nil, nil, nil)(handler)
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "https://anywhere.com")
		rr := httptest.NewRecorder()

		wildcard.ServeHTTP(rr, req)

		assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, rr.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("named origin keeps credentials alongside wildcard", func(t *testing.T) {
		mixed := CORSMiddleware([]string{"https://viewer.example", "*"}, nil, nil)(handler)

		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "https://viewer.example")
		rr := httptest.NewRecorder()
		mixed.ServeHTTP(rr, req)
		assert.Equal(t, "https://viewer.example", rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
		assert.Contains(t, rr.Header().Values("Vary"), "Origin")

		req = httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "https://attacker.example")
		rr = httptest.NewRecorder()
		mixed.ServeHTTP(rr, req)
		assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Empty(t, rr.Header().Get("Access-Control-Allow-Credentials"))
	})
}

func TestRateLimiterMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// A negligible refill rate so only the burst is available
	limiter := NewRateLimiter(0.001, 5)
	wrapped := limiter.Middleware(handler)

	serve := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		wrapped.ServeHTTP(rr, req)
		return rr
	}

	t.Run("allows requests within burst", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			assert.Equal(t, http.StatusOK, serve("10.0.0.1:1234").Code)
		}
	})

	t.Run("blocks requests over limit", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			serve("10.0.0.2:1234")
		}
		rr := serve("10.0.0.2:5678")

		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Equal(t, "1", rr.Header().Get("Retry-After"))

		var response errorResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&response))
		assert.Equal(t, "rateLimitExceeded", response.Error)
	})

	t.Run("clients are limited separately", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, serve("10.0.0.3:1234").Code)
	})
}

func TestCompressionMiddleware(t *testing.T) {
	body := strings.Repeat(`{"id":"https://dlcs.example/iiif-img/99/1/foo"}`, 50)
	compress, err := CompressionMiddleware()
	require.NoError(t, err)

	wrapped := compress(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))

	t.Run("gzips json when accepted", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		rr := httptest.NewRecorder()

		wrapped.ServeHTTP(rr, req)

		assert.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))
		assert.Less(t, rr.Body.Len(), len(body))
	})

	t.Run("plain without accept-encoding", func(t *testing.T) {
		rr := httptest.NewRecorder()
		wrapped.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

		assert.Empty(t, rr.Header().Get("Content-Encoding"))
		assert.Equal(t, body, rr.Body.String())
	})
}

type recordingCollector struct {
	method string
	status int
	size   int64
}

func (c *recordingCollector) RecordRequest(method, path string, statusCode int, duration time.Duration, size int64) {
	c.method, c.status, c.size = method, statusCode, size
}

func TestMetricsMiddleware(t *testing.T) {
	collector := &recordingCollector{}
	wrapped := MetricsMiddleware(collector)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("nope"))
	}))

	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, "GET", collector.method)
	assert.Equal(t, http.StatusNotFound, collector.status)
	assert.Equal(t, int64(4), collector.size)
}

func TestMiddlewareChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	chain := NewMiddlewareChain(mark("first")).Then(mark("second"))
	chain.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, []string{"first", "second", "handler"}, order)
}
