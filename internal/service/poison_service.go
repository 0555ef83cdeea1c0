package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ai-worker/internal/entity"
)

// RedisPoisonSink keeps the newest dropped messages in a capped Redis list.
type RedisPoisonSink struct {
	rdb *redis.Client
	key string
	max int64
}

func NewRedisPoisonSink(rdb *redis.Client, key string, max int64) *RedisPoisonSink {
	if max <= 0 {
		max = 1000
	}
	return &RedisPoisonSink{rdb: rdb, key: key, max: max}
}

func (s *RedisPoisonSink) Record(ctx context.Context, msg entity.PoisonMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, s.key, raw)
	pipe.LTrim(ctx, s.key, 0, s.max-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record poison message: %w", err)
	}
	return nil
}

func (s *RedisPoisonSink) Recent(ctx context.Context, limit int64) ([]entity.PoisonMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	items, err := s.rdb.LRange(ctx, s.key, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]entity.PoisonMessage, 0, len(items))
	for _, item := range items {
		var m entity.PoisonMessage
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisPoisonSink) Close() error {
	return s.rdb.Close()
}
