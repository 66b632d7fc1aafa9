package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/agentfleet/fleetd/pkg/config"
	"github.com/agentfleet/fleetd/pkg/resilience"
)

// CorrelationIDHeader carries the request correlation id.
const CorrelationIDHeader = "X-Correlation-ID"

// correlationID propagates the caller's correlation id, minting one when
// absent.
func correlationID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			id := c.Request().Header.Get(CorrelationIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			c.Response().Header().Set(CorrelationIDHeader, id)
			return next(c)
		}
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

const (
	// rateLimitBucketTTL is how long an idle client keeps its bucket.
	rateLimitBucketTTL = 10 * time.Minute
	// rateLimitSweepEvery bounds how often the bucket map is swept.
	rateLimitSweepEvery = time.Minute
)

type clientBucket struct {
	bucket   *resilience.TokenBucket
	lastSeen time.Time
}

// sweepClientBuckets drops buckets whose client has been idle past the
// TTL. Caller holds the map lock.
func sweepClientBuckets(buckets map[string]*clientBucket, now time.Time) {
	for ip, cb := range buckets {
		if now.Sub(cb.lastSeen) > rateLimitBucketTTL {
			delete(buckets, ip)
		}
	}
}

// rateLimit admits requests through a per-client-IP token bucket. Idle
// clients are swept so the map stays bounded.
func rateLimit(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	var mu sync.Mutex
	buckets := make(map[string]*clientBucket)
	nextSweep := time.Now().Add(rateLimitSweepEvery)

	bucketFor := func(ip string) *resilience.TokenBucket {
		mu.Lock()
		defer mu.Unlock()
		now := time.Now()
		if now.After(nextSweep) {
			sweepClientBuckets(buckets, now)
			nextSweep = now.Add(rateLimitSweepEvery)
		}
		cb, ok := buckets[ip]
		if !ok {
			cb = &clientBucket{bucket: resilience.NewTokenBucket(resilience.TokenBucketConfig{
				MaxTokens:      cfg.Burst,
				RefillRate:     cfg.RequestsPerSecond,
				RefillInterval: time.Second,
			})}
			buckets[ip] = cb
		}
		cb.lastSeen = now
		return cb.bucket
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !bucketFor(c.RealIP()).TryConsume() {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// jwtAuth validates HS256 bearer tokens on every route except the listed
// exempt paths. The subject claim, when present, is stored on the request
// context as the acting user.
func jwtAuth(secret string, exempt ...string) echo.MiddlewareFunc {
	exemptSet := make(map[string]struct{}, len(exempt))
	for _, p := range exempt {
		exemptSet[p] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if _, ok := exemptSet[c.Request().URL.Path]; ok {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "malformed authorization header")
			}

			token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			if sub, err := token.Claims.GetSubject(); err == nil && sub != "" {
				c.Set("user", sub)
			}
			return next(c)
		}
	}
}

// extractActor resolves the acting user for audit records. Priority:
// JWT subject, then proxy headers, then a generic client label.
func extractActor(c *echo.Context) string {
	if user, ok := c.Get("user").(string); ok && user != "" {
		return user
	}
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	return "api-client"
}
