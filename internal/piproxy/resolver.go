package piproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNoData is returned by Resolve when upstream failed every attempt and the
// endpoint has no fallback payload.
var ErrNoData = errors.New("no data available")

// Resolver decides, per request, between the cache, a fresh upstream fetch and
// the fallback table. Fallback payloads are never written to the cache, so an
// outage cannot pin stale canned data for a whole TTL.
type Resolver struct {
	cache    *Cache
	fetcher  Fetcher
	fallback *FallbackTable

	logger      *slog.Logger
	degradedLog *rateLimitedLogger
	stats       *statsCollector
}

func NewResolver(cache *Cache, fetcher Fetcher, fallback *FallbackTable, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = discardLogger()
	}
	logger = logger.With("component", "resolver")
	return &Resolver{
		cache:       cache,
		fetcher:     fetcher,
		fallback:    fallback,
		logger:      logger,
		degradedLog: newRateLimitedLogger(logger, time.Minute),
		stats:       newStatsCollector(),
	}
}

// Resolve returns the payload for endpoint. Cancellation of ctx is ignored:
// once started, resolution runs to a cache update, fallback or ErrNoData.
func (r *Resolver) Resolve(ctx context.Context, endpoint EndpointName) (Resolved, error) {
	ctx = context.WithoutCancel(ctx)

	if r.cache.IsValid(endpoint) {
		res := Resolved{Payload: r.cache.Get(endpoint), ServedFrom: ServedFromCache}
		r.stats.Observe(res)
		return res, nil
	}

	body, err := r.fetcher.Fetch(ctx, endpoint)
	if err == nil {
		if perr := r.cache.Put(endpoint, body); perr != nil {
			r.logger.ErrorContext(ctx, "cache put failed", "endpoint", endpoint, "error", perr.Error())
		}
		res := Resolved{Payload: body, ServedFrom: ServedFromLive}
		r.stats.Observe(res)
		return res, nil
	}

	if payload, ok := r.fallback.Lookup(endpoint); ok {
		r.logger.ErrorContext(ctx, "upstream unavailable, serving fallback", "endpoint", endpoint, "error", err.Error())
		r.degradedLog.Warn("upstream degraded, fallback payloads in use", "endpoint", endpoint)
		res := Resolved{Payload: payload, ServedFrom: ServedFromFallback}
		r.stats.Observe(res)
		return res, nil
	}

	r.logger.ErrorContext(ctx, "upstream unavailable, no fallback", "endpoint", endpoint, "error", err.Error())
	r.stats.ObserveFailure()
	return Resolved{}, fmt.Errorf("%w for %s: %w", ErrNoData, endpoint, err)
}

// Refresh fetches endpoint and stores it on success. It never consults or
// serves fallback data.
func (r *Resolver) Refresh(ctx context.Context, endpoint EndpointName) error {
	body, err := r.fetcher.Fetch(ctx, endpoint)
	if err != nil {
		return err
	}
	return r.cache.Put(endpoint, body)
}

func (r *Resolver) Stats() statsSnapshot {
	return r.stats.Snapshot()
}
