package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

// Endpoint classes with distinct rate limits. Audio calls get their own
// class because transcription is the most resource-expensive operation.
const (
	ClassAPI    = "api"
	ClassStream = "stream"
	ClassHealth = "health"
	ClassAudio  = "audio"
)

// RateQuota is one endpoint class's limit.
type RateQuota struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

// RateConfig holds per-class quotas. A zero quota disables the class.
type RateConfig struct {
	API    RateQuota `yaml:"api"`
	Stream RateQuota `yaml:"stream"`
	Health RateQuota `yaml:"health"`
	Audio  RateQuota `yaml:"audio"`
}

// DefaultRateConfig is used when no limits are configured.
func DefaultRateConfig() RateConfig {
	return RateConfig{
		API:    RateQuota{PerMinute: 120, Burst: 20},
		Stream: RateQuota{PerMinute: 30, Burst: 5},
		Health: RateQuota{PerMinute: 60, Burst: 10},
		Audio:  RateQuota{PerMinute: 10, Burst: 2},
	}
}

// Limiter applies GCRA rate limits per endpoint class, keyed by
// authenticated principal when present and network origin otherwise.
type Limiter struct {
	limiters map[string]*throttled.GCRARateLimiterCtx
	logger   *slog.Logger
}

// NewLimiter builds one GCRA limiter per configured class.
func NewLimiter(cfg RateConfig, logger *slog.Logger) (*Limiter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := memstore.NewCtx(65536)
	if err != nil {
		return nil, fmt.Errorf("limiter store: %w", err)
	}

	l := &Limiter{limiters: map[string]*throttled.GCRARateLimiterCtx{}, logger: logger}
	for class, quota := range map[string]RateQuota{
		ClassAPI:    cfg.API,
		ClassStream: cfg.Stream,
		ClassHealth: cfg.Health,
		ClassAudio:  cfg.Audio,
	} {
		if quota.PerMinute <= 0 {
			continue
		}
		rl, err := throttled.NewGCRARateLimiterCtx(store, throttled.RateQuota{
			MaxRate:  throttled.PerMin(quota.PerMinute),
			MaxBurst: quota.Burst,
		})
		if err != nil {
			return nil, fmt.Errorf("limiter %s: %w", class, err)
		}
		l.limiters[class] = rl
	}
	return l, nil
}

// Limit returns middleware enforcing the named class's quota.
func (l *Limiter) Limit(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		rl, ok := l.limiters[class]
		if !ok {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limited, result, err := rl.RateLimitCtx(r.Context(), class+":"+callerKey(r), 1)
			if err != nil {
				// a broken limiter store must not take the service down
				l.logger.Error("ratelimit: store error", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			setRateHeaders(w, result)
			if limited {
				writeTooManyRequests(w, result.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setRateHeaders(w http.ResponseWriter, result throttled.RateLimitResult) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(int(result.ResetAfter/time.Second)))
}

func writeTooManyRequests(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(retryAfter / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":       "too many requests",
		"retry_after": seconds,
	})
}
