package middleware

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hou-li-xie/media-service/internal/config"
	"github.com/hou-li-xie/media-service/internal/ratelimit"
	"github.com/hou-li-xie/media-service/internal/utils/response"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const (
	ActionChunks  = "chunks"
	ActionMerges  = "merges"
	ActionUploads = "uploads"
)

// Limiter decides whether clientID may perform action now.
type Limiter interface {
	Allow(ctx context.Context, clientID, action string) (bool, int64, error)
	Capacity() int64
}

// LocalRateLimit keeps one token bucket per client in process memory.
// Idle clients fall out of the cache after a minute.
type LocalRateLimit struct {
	perMinute int64
	clients   *ttlcache.Cache[string, *rate.Limiter]
}

func NewLocalRateLimit(perMinute int64) *LocalRateLimit {
	clients := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](time.Minute),
	)
	go clients.Start()

	return &LocalRateLimit{perMinute: perMinute, clients: clients}
}

func (l *LocalRateLimit) Capacity() int64 { return l.perMinute }

func (l *LocalRateLimit) Allow(_ context.Context, clientID, action string) (bool, int64, error) {
	key := action + ":" + clientID
	item, _ := l.clients.GetOrSet(key, rate.NewLimiter(rate.Limit(float64(l.perMinute)/60), int(l.perMinute)))
	limiter := item.Value()

	allowed := limiter.Allow()
	remaining := int64(math.Max(0, math.Floor(limiter.Tokens())))
	return allowed, remaining, nil
}

func (l *LocalRateLimit) Stop() { l.clients.Stop() }

type RateLimitConfig struct {
	limiters map[string]Limiter
	logger   *slog.Logger
}

// NewRateLimitConfig builds one limiter per action. Buckets live in Redis when
// a client is given so that every instance shares them.
func NewRateLimitConfig(cfg config.RateLimit, redisClient *redis.Client, logger *slog.Logger) *RateLimitConfig {
	rlc := &RateLimitConfig{
		limiters: make(map[string]Limiter),
		logger:   logger.With("component", "rate-limiter"),
	}
	if !cfg.Enabled {
		return rlc
	}

	perAction := map[string]int64{
		ActionChunks:  cfg.ChunksPerMinute,
		ActionMerges:  cfg.MergesPerMinute,
		ActionUploads: cfg.UploadsPerMinute,
	}
	for action, limit := range perAction {
		if limit <= 0 {
			continue
		}
		if redisClient != nil {
			rlc.limiters[action] = ratelimit.NewTokenBucket(redisClient, limit, limit)
		} else {
			rlc.limiters[action] = NewLocalRateLimit(limit)
		}
		rlc.logger.Info("Initialized rate limiter", "action", action, "per_minute", limit, "shared", redisClient != nil)
	}
	return rlc
}

// WithLimiter replaces the limiter used for action.
func (rlc *RateLimitConfig) WithLimiter(action string, l Limiter) *RateLimitConfig {
	rlc.limiters[action] = l
	return rlc
}

func (rlc *RateLimitConfig) RateLimitMiddleware(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter, exists := rlc.limiters[action]
			if !exists {
				next.ServeHTTP(w, r)
				return
			}

			clientID := ClientIP(r)
			allowed, remaining, err := limiter.Allow(r.Context(), clientID, action)
			if err != nil {
				// Fail open: a broken limiter store must not block uploads.
				rlc.logger.Warn("rate limit check failed", "action", action, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limiter.Capacity(), 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-RateLimit-Reset", "60")

			if !allowed {
				rlc.logger.Warn("Rate limit exceeded", "action", action, "path", r.URL.Path, "client", clientID)
				w.Header().Set("Retry-After", "60")
				response.WriteJSON(w, http.StatusTooManyRequests, response.GeneralError(
					errors.New("rate limit exceeded")))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitedHandler wraps a handler with rate limiting for a specific action
func (rlc *RateLimitConfig) RateLimitedHandler(action string, handler http.HandlerFunc) http.Handler {
	return rlc.RateLimitMiddleware(action)(http.HandlerFunc(handler))
}

// ClientIP returns the first X-Forwarded-For hop, falling back to the peer
// address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
