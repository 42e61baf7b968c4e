package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shohag/salondesk/internal/models"
)

// RedisStore keeps receipts as JSON values under "receipt:<remote id>" with a
// TTL, so they survive restarts and can be shared between instances.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func receiptKey(remoteID string) string {
	return fmt.Sprintf("receipt:%s", remoteID)
}

func (s *RedisStore) RecordSent(ctx context.Context, msg models.QueuedMessage) error {
	if msg.RemoteID == "" {
		return nil
	}
	b, err := json.Marshal(fromMessage(msg))
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, receiptKey(msg.RemoteID), b, s.ttl).Err()
}

func (s *RedisStore) Confirm(ctx context.Context, remoteID string, at time.Time) error {
	r, err := s.Get(ctx, remoteID)
	if err != nil {
		return err
	}
	at = at.UTC()
	r.Status = models.MessageConfirmed
	r.ConfirmedAt = &at

	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, receiptKey(remoteID), b, redis.KeepTTL).Err()
}

func (s *RedisStore) Get(ctx context.Context, remoteID string) (*Receipt, error) {
	raw, err := s.rdb.Get(ctx, receiptKey(remoteID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
