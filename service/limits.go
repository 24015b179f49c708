package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/InsulaLabs/parley/config"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const (
	categoryFiles    = "files"
	categoryMessages = "messages"
	categorySessions = "sessions"
	categoryDefault  = "default"

	limiterTTL = time.Minute
)

type ctxKey int

const userKey ctxKey = iota

func userFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey).(string)
	return u
}

func limiterConfig(cfg config.RateLimiters, category string) config.RateLimiterConfig {
	switch category {
	case categoryFiles:
		return cfg.Files
	case categoryMessages:
		return cfg.Messages
	case categorySessions:
		return cfg.Sessions
	default:
		return cfg.Default
	}
}

func newRateLimiters(logger *slog.Logger, cfg config.RateLimiters) map[string]*ttlcache.Cache[string, *rate.Limiter] {
	limiters := make(map[string]*ttlcache.Cache[string, *rate.Limiter])
	for _, category := range []string{categoryFiles, categoryMessages, categorySessions, categoryDefault} {
		rl := limiterConfig(cfg, category)
		if rl.Limit <= 0 {
			continue
		}
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](limiterTTL),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		limiters[category] = cache
		logger.Info("Initialized rate limiter", "category", category, "limit", rl.Limit, "burst", rl.Burst)
	}
	return limiters
}

func remoteAddress(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// rateLimiter returns the limiter of the caller in category, or nil when the
// category is unlimited. Callers are keyed by user, or by address when the
// route takes anonymous requests.
func (s *Service) rateLimiter(category string, r *http.Request) *rate.Limiter {
	cache, ok := s.rateLimiters[category]
	if !ok {
		cache, ok = s.rateLimiters[categoryDefault]
		category = categoryDefault
	}
	if !ok {
		return nil
	}

	key := userFrom(r.Context())
	if key == "" {
		key = "addr:" + remoteAddress(r)
	}
	item := cache.Get(key)
	if item == nil {
		rl := limiterConfig(s.cfg.RateLimiters, category)
		item = cache.Set(key, rate.NewLimiter(rate.Limit(rl.Limit), rl.Burst), limiterTTL)
	}
	return item.Value()
}

func (s *Service) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.rateLimiter(category, r)
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		res := limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			s.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "user", userFrom(r.Context()), "remote_addr", r.RemoteAddr)

			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", math.Ceil(delay.Seconds())))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withUser takes the caller's identity from the header set by the upstream
// auth layer. Requests without it are rejected.
func (s *Service) withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(s.cfg.TrustedUserHeader))
		if user == "" {
			s.logger.Debug("Request without trusted user header", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "missing user identity")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}
