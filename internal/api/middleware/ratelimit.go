// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2025-2026 remedia contributors
// https://github.com/fr4nsys/remedia

package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apierrors "github.com/fr4nsys/remedia/internal/api/errors"
)

// RateLimitConfig contains HTTP rate limiting configuration. This is a
// per-client request limiter and is independent of the per-scope
// execution rate limits enforced by the safety controller.
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained request budget per client.
	RequestsPerMinute int

	// Burst is the number of requests allowed above the sustained rate.
	Burst int

	// KeyFunc extracts the rate limit key from the request.
	// If nil, clients are keyed by IP.
	KeyFunc func(r *http.Request) string

	// MaxClients caps how many per-client limiters are retained. When
	// exceeded the stalest entries are evicted.
	MaxClients int
}

// DefaultRateLimitConfig returns the default: 120 requests per minute
// per IP with a burst of 30.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
		Burst:             30,
		MaxClients:        10000,
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter holds one token bucket per client key.
type rateLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

func (rl *rateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, ok := rl.clients[key]
	if !ok {
		if len(rl.clients) >= rl.cfg.MaxClients {
			rl.evictStalest()
		}
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.cfg.RequestsPerMinute)/60.0), rl.cfg.Burst),
		}
		rl.clients[key] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter
}

// evictStalest drops the least recently seen client. Called with mu held.
func (rl *rateLimiter) evictStalest() {
	var stalest string
	var when time.Time
	for key, cl := range rl.clients {
		if stalest == "" || cl.lastSeen.Before(when) {
			stalest = key
			when = cl.lastSeen
		}
	}
	if stalest != "" {
		delete(rl.clients, stalest)
	}
}

// RateLimit returns a middleware enforcing a per-client token bucket.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRateLimitConfig().RequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultRateLimitConfig().Burst
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultRateLimitConfig().MaxClients
	}
	keyFunc := cfg.KeyFunc
	if keyFunc == nil {
		keyFunc = func(r *http.Request) string { return "ip:" + getRealIP(r) }
	}

	rl := &rateLimiter{cfg: cfg, clients: make(map[string]*clientLimiter)}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.get(keyFunc(r)).Allow() {
				retryAfter := 60 / cfg.RequestsPerMinute
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				apierrors.WriteErrorWithRequestID(w,
					apierrors.RateLimited(retryAfter), GetRequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitByIP returns a rate limiting middleware that limits by IP address.
func RateLimitByIP(requestsPerMinute, burst int) func(http.Handler) http.Handler {
	return RateLimit(RateLimitConfig{
		RequestsPerMinute: requestsPerMinute,
		Burst:             burst,
	})
}
