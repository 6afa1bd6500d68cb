package waittime

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const loadTimeout = 5 * time.Second

var cacheLookups = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "walkin_wait_time_cache_lookups_total",
		Help: "Average service duration lookups partitioned by cache result",
	},
	[]string{"result"},
)

// AverageSource computes the live average service duration of entries
// completed at a location since the given time.
type AverageSource interface {
	AverageServiceMinutes(ctx context.Context, locationID string, since time.Time) (float64, bool, error)
}

type ResolverConfig struct {
	FallbackMinutes float64
	Lookback        time.Duration
	Now             func() time.Time
}

// Resolver returns the average service duration for a location, consulting
// the cache first and collapsing concurrent misses into one live query.
type Resolver struct {
	cache    Cache
	source   AverageSource
	fallback float64
	lookback time.Duration
	now      func() time.Time
	logger   *zap.Logger
	group    singleflight.Group
}

func NewResolver(cache Cache, source AverageSource, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	fallback := cfg.FallbackMinutes
	if fallback <= 0 {
		fallback = 15
	}
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cache:    cache,
		source:   source,
		fallback: fallback,
		lookback: lookback,
		now:      now,
		logger:   logger,
	}
}

func (r *Resolver) AverageServiceMinutes(ctx context.Context, locationID string) (float64, error) {
	minutes, found, err := r.cache.Get(ctx, locationID)
	if err != nil {
		r.logger.Warn("wait time cache read failed", zap.String("location_id", locationID), zap.Error(err))
	}
	if found {
		cacheLookups.WithLabelValues("hit").Inc()
		return minutes, nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	// The shared load outlives any single caller; each caller still stops
	// waiting when its own context ends.
	results := r.group.DoChan(locationID, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return r.load(loadCtx, locationID)
	})
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(float64), nil
	}
}

func (r *Resolver) load(ctx context.Context, locationID string) (float64, error) {
	since := r.now().Add(-r.lookback)
	minutes, found, err := r.source.AverageServiceMinutes(ctx, locationID, since)
	if err != nil {
		return 0, err
	}
	if !found || minutes <= 0 {
		minutes = r.fallback
	}
	if err := r.cache.Set(ctx, locationID, minutes); err != nil {
		r.logger.Warn("wait time cache write failed", zap.String("location_id", locationID), zap.Error(err))
	}
	return minutes, nil
}
