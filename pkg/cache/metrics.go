package cache

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docchat_cache_fetches_total",
		Help: "Remote fetches completed by the entity cache, by kind and outcome.",
	}, []string{"kind", "outcome"})

	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docchat_cache_hits_total",
		Help: "Reads served from a fresh cache entry without fetching.",
	}, []string{"kind"})

	cacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docchat_cache_invalidations_total",
		Help: "Entries marked stale.",
	}, []string{"kind"})
)

// Load is a typed Fetch.
func Load[T any](ctx context.Context, c *Cache, key Key, fetch func(context.Context) (T, error), opts Options) (T, error) {
	var zero T
	v, err := c.Fetch(ctx, key, func(ctx context.Context) (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return v, nil
	}, opts)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cache entry %s holds %T, not %T", key, v, zero)
	}
	return t, nil
}
