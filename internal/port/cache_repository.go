package port

import (
	"context"
	"time"

	"github.com/valerix/order-pipeline/internal/core/domain"
)

type IdempotencyRepository interface {
	// GetResponse returns (nil, nil) on a cache miss.
	GetResponse(ctx context.Context, key string) (*domain.IdempotencyRecord, error)

	// PutResponse caches a terminal response under the key for ttl.
	PutResponse(ctx context.Context, key string, rec domain.IdempotencyRecord, ttl time.Duration) error

	// AcquireInFlight marks the key as having an attempt in progress,
	// returns false if another attempt already holds the marker.
	AcquireInFlight(ctx context.Context, key string, ttl time.Duration) (bool, error)

	ReleaseInFlight(ctx context.Context, key string) error
}

type ChaosRepository interface {
	// GetConfig returns (nil, nil) when chaos mode is disabled.
	GetConfig(ctx context.Context) (*domain.ChaosConfig, error)
	SetConfig(ctx context.Context, cfg domain.ChaosConfig) error
	ClearConfig(ctx context.Context) error
}
