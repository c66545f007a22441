// Package idempotency implements the front-door guard that
// deduplicates retried client requests. A completed request's status
// and body are cached under the client key and replayed verbatim;
// an in-flight marker rejects concurrent duplicates as conflicts.
package idempotency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/valerix/order-pipeline/internal/core/domain"
	"github.com/valerix/order-pipeline/internal/port"
)

var (
	// ErrMissingKey rejects requests without a usable idempotency
	// key; retrying them blindly is not safe.
	ErrMissingKey = errors.New("idempotency: missing or empty key")

	// ErrInFlight marks a genuine concurrent duplicate: another
	// attempt with the same key has started but not yet completed.
	ErrInFlight = errors.New("idempotency: request already in flight")
)

const storeTimeout = 2 * time.Second

type Settings struct {
	Store port.IdempotencyRepository

	// ResponseTTL is the retention window for cached responses.
	ResponseTTL time.Duration
	// InFlightTTL bounds the conflict marker so a crashed attempt
	// cannot wedge the key forever.
	InFlightTTL time.Duration

	Logger *zap.Logger

	// Hits and Misses are optional cache counters.
	Hits   prometheus.Counter
	Misses prometheus.Counter
}

type Guard struct {
	store       port.IdempotencyRepository
	responseTTL time.Duration
	inFlightTTL time.Duration
	log         *zap.Logger
	hits        prometheus.Counter
	misses      prometheus.Counter
}

func NewGuard(s Settings) *Guard {
	if s.ResponseTTL <= 0 {
		s.ResponseTTL = 24 * time.Hour
	}
	if s.InFlightTTL <= 0 {
		s.InFlightTTL = 30 * time.Second
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	return &Guard{
		store:       s.Store,
		responseTTL: s.ResponseTTL,
		inFlightTTL: s.InFlightTTL,
		log:         s.Logger.With(zap.String("component", "idempotency")),
		hits:        s.Hits,
		misses:      s.Misses,
	}
}

// Check resolves a client key before any processing happens. It
// returns the cached record on a hit, (nil, nil) when the caller
// should proceed, ErrMissingKey for an unusable key, and ErrInFlight
// when another attempt holds the key. A store outage downgrades the
// guard to a pass-through: availability wins over a dedup gap.
func (g *Guard) Check(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrMissingKey
	}

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	rec, err := g.store.GetResponse(sctx, key)
	if err != nil {
		g.log.Warn("cache lookup failed, proceeding unguarded",
			zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	if rec != nil {
		if g.hits != nil {
			g.hits.Inc()
		}
		g.log.Info("cache hit", zap.String("key", key), zap.Int("status", rec.StatusCode))
		return rec, nil
	}

	if g.misses != nil {
		g.misses.Inc()
	}

	acquired, err := g.store.AcquireInFlight(sctx, key, g.inFlightTTL)
	if err != nil {
		g.log.Warn("in-flight marker failed, proceeding unguarded",
			zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	if !acquired {
		return nil, ErrInFlight
	}
	return nil, nil
}

// Complete registers the terminal response under the key and releases
// the in-flight marker. Both writes are best-effort: a cache failure
// is logged and the response is still delivered.
func (g *Guard) Complete(ctx context.Context, key string, statusCode int, body []byte) {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	rec := domain.IdempotencyRecord{StatusCode: statusCode, Body: body}
	if err := g.store.PutResponse(sctx, key, rec, g.responseTTL); err != nil {
		g.log.Error("failed to cache response", zap.String("key", key), zap.Error(err))
	}
	if err := g.store.ReleaseInFlight(sctx, key); err != nil {
		g.log.Warn("failed to release in-flight marker", zap.String("key", key), zap.Error(err))
	}
}

// Abandon releases the in-flight marker without caching anything,
// used when the attempt produced no business outcome.
func (g *Guard) Abandon(ctx context.Context, key string) {
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	if err := g.store.ReleaseInFlight(sctx, key); err != nil {
		g.log.Warn("failed to release in-flight marker", zap.String("key", key), zap.Error(err))
	}
}
