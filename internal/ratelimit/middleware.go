// Package ratelimit provides per-IP request limiting for the protocol
// endpoints.
package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/ap2fed/server/internal/metrics"
)

// Config holds rate limiting configuration.
type Config struct {
	RequestsPerMinute int
	Metrics           *metrics.Metrics
}

type limitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// PerIP limits each client IP to cfg.RequestsPerMinute requests per minute.
// Rejections answer 429 with a Retry-After header.
func PerIP(cfg Config) func(http.Handler) http.Handler {
	window := time.Minute
	return httprate.Limit(
		cfg.RequestsPerMinute,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Metrics != nil {
				route := "unmatched"
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					if pattern := rctx.RoutePattern(); pattern != "" {
						route = pattern
					}
				}
				cfg.Metrics.RateLimitHitsTotal.WithLabelValues(route).Inc()
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(limitResponse{
				Error:             "rate_limit_exceeded",
				Message:           "too many requests from this address, slow down",
				RetryAfterSeconds: int(window.Seconds()),
			})
		}),
	)
}
