package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/valerix/order-pipeline/internal/core/domain"
)

const (
	idempotencyKeyPrefix = "idempotency:"
	inFlightKeyPrefix    = "idempotency:inflight:"
	chaosConfigKey       = "chaos_config"

	deductionStream = "inventory-updates"
	deductionGroup  = "deduction-retry"

	// Entries left unacked this long are reclaimed by whichever
	// consumer fetches next.
	claimMinIdle = 30 * time.Second
)

type RedisAdapter struct {
	client   *redis.Client
	consumer string
}

// NewRedisAdapter creates the adapter. The consumer name identifies
// this instance within the deduction-retry consumer group.
func NewRedisAdapter(client *redis.Client, consumer string) *RedisAdapter {
	return &RedisAdapter{client: client, consumer: consumer}
}

func (r *RedisAdapter) GetResponse(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	val, err := r.client.Get(ctx, idempotencyKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached response: %w", err)
	}

	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	return &rec, nil
}

func (r *RedisAdapter) PutResponse(ctx context.Context, key string, rec domain.IdempotencyRecord, ttl time.Duration) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	return r.client.Set(ctx, idempotencyKeyPrefix+key, val, ttl).Err()
}

func (r *RedisAdapter) AcquireInFlight(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, inFlightKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *RedisAdapter) ReleaseInFlight(ctx context.Context, key string) error {
	return r.client.Del(ctx, inFlightKeyPrefix+key).Err()
}

// EnsureGroup creates the deduction-retry consumer group if it does
// not exist yet. Call once at startup before Fetch.
func (r *RedisAdapter) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, deductionStream, deductionGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (r *RedisAdapter) Publish(ctx context.Context, req domain.DeductionRequest) error {
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: deductionStream,
		Values: map[string]any{
			"order_id": req.OrderID,
			"item_id":  req.ItemID,
			"quantity": strconv.Itoa(req.Quantity),
			"action":   "deduct",
		},
	}).Err()
}

// Fetch claims stale pending entries from other consumers, then reads
// new entries for this consumer. Entries stay pending until acked.
func (r *RedisAdapter) Fetch(ctx context.Context, count int64) ([]domain.QueuedDeduction, error) {
	claimed, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   deductionStream,
		Group:    deductionGroup,
		Consumer: r.consumer,
		MinIdle:  claimMinIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim pending entries: %w", err)
	}

	out := decodeEntries(claimed)
	if int64(len(out)) >= count {
		return out, nil
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    deductionGroup,
		Consumer: r.consumer,
		Streams:  []string{deductionStream, ">"},
		Count:    count - int64(len(out)),
		Block:    time.Second,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	for _, s := range streams {
		out = append(out, decodeEntries(s.Messages)...)
	}
	return out, nil
}

func (r *RedisAdapter) Ack(ctx context.Context, entryID string) error {
	return r.client.XAck(ctx, deductionStream, deductionGroup, entryID).Err()
}

func decodeEntries(msgs []redis.XMessage) []domain.QueuedDeduction {
	out := make([]domain.QueuedDeduction, 0, len(msgs))
	for _, m := range msgs {
		q := domain.QueuedDeduction{EntryID: m.ID}
		if v, ok := m.Values["order_id"].(string); ok {
			q.OrderID = v
		}
		if v, ok := m.Values["item_id"].(string); ok {
			q.ItemID = v
		}
		if v, ok := m.Values["quantity"].(string); ok {
			q.Quantity, _ = strconv.Atoi(v)
		}
		out = append(out, q)
	}
	return out
}

func (r *RedisAdapter) GetConfig(ctx context.Context) (*domain.ChaosConfig, error) {
	val, err := r.client.Get(ctx, chaosConfigKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chaos config: %w", err)
	}

	var cfg domain.ChaosConfig
	if err := json.Unmarshal(val, &cfg); err != nil {
		return nil, fmt.Errorf("decode chaos config: %w", err)
	}
	return &cfg, nil
}

func (r *RedisAdapter) SetConfig(ctx context.Context, cfg domain.ChaosConfig) error {
	val, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode chaos config: %w", err)
	}
	return r.client.Set(ctx, chaosConfigKey, val, 0).Err()
}

func (r *RedisAdapter) ClearConfig(ctx context.Context) error {
	return r.client.Del(ctx, chaosConfigKey).Err()
}
