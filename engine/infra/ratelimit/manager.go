package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spicemcp/spice/pkg/logger"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Manager limits requests per client IP with an in-process store.
type Manager struct {
	config   *Config
	limiter  *limiter.Limiter
	excluded map[string]struct{}
	blocked  metric.Int64Counter
	now      func() time.Time
}

// NewManager validates cfg and builds the limiter. A nil meter disables metrics.
func NewManager(cfg *Config, meter metric.Meter) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("rate limit config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("ratelimit")
	}
	blocked, err := meter.Int64Counter(
		"spice_http_rate_limited_total",
		metric.WithDescription("Total number of requests blocked by rate limiting"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit counter: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	store := memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          prefix,
		CleanUpInterval: time.Minute,
	})
	excluded := make(map[string]struct{}, len(cfg.ExcludedPaths))
	for _, p := range cfg.ExcludedPaths {
		excluded[p] = struct{}{}
	}
	return &Manager{
		config:   cfg,
		limiter:  limiter.New(store, cfg.ToLimiterRate()),
		excluded: excluded,
		blocked:  blocked,
		now:      time.Now,
	}, nil
}

// Middleware rejects clients over budget with 429 and reports the budget in headers.
func (m *Manager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, skip := m.excluded[c.Request.URL.Path]; skip {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		lctx, err := m.limiter.Get(ctx, c.ClientIP())
		if err != nil {
			// fail open: the limiter store is in-process and only errors on canceled contexts
			logger.FromContext(ctx).Warn("Rate limiter lookup failed", "error", err)
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))
		if lctx.Reached {
			m.recordBlocked(ctx, c.FullPath())
			c.Header("Retry-After", strconv.FormatInt(m.retryAfter(lctx.Reset), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate limit exceeded",
				"details": fmt.Sprintf("limit of %d requests per %s reached", lctx.Limit, m.config.Period),
			})
			return
		}
		c.Next()
	}
}

func (m *Manager) retryAfter(reset int64) int64 {
	wait := time.Unix(reset, 0).Sub(m.now()).Seconds()
	return int64(math.Max(1, math.Ceil(wait)))
}

func (m *Manager) recordBlocked(ctx context.Context, route string) {
	if route == "" {
		route = "unmatched"
	}
	m.blocked.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}
