package api

import (
	"log/slog"
	"net/http"
)

// RouterOptions selects the middleware wrapped around the delivery routes
type RouterOptions struct {
	Logger      *slog.Logger
	Metrics     MetricsCollector
	CORSOrigins []string

	// RateLimit is requests per second per client. Zero disables limiting.
	RateLimit float64
	RateBurst int

	Compress bool
}

// NewRouter wraps the handler's routes in the standard middleware chain
func NewRouter(h *Handler, opts RouterOptions) (http.Handler, error) {
	chain := NewMiddlewareChain(
		RequestIDMiddleware,
		LoggingMiddleware(opts.Logger),
		RecoveryMiddleware(opts.Logger),
		CORSMiddleware(opts.CORSOrigins, nil, nil),
	)
	if opts.Metrics != nil {
		chain.Then(MetricsMiddleware(opts.Metrics))
	}
	if opts.RateLimit > 0 {
		chain.Then(NewRateLimiter(opts.RateLimit, opts.RateBurst).Middleware)
	}
	if opts.Compress {
		compress, err := CompressionMiddleware()
		if err != nil {
			return nil, err
		}
		chain.Then(compress)
	}
	return chain.Wrap(h.Routes()), nil
}
