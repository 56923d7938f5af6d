package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each call's transcript as a JSON list with a retention TTL.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

func redisKey(callID string) string {
	return fmt.Sprintf("callrelay:call:%s:turns", callID)
}

func (s *RedisStore) SaveTurn(ctx context.Context, record Record) error {
	stamp(&record)
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("could not marshal turn: %w", err)
	}

	key := redisKey(record.CallID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *RedisStore) CallTurns(ctx context.Context, callID string, limit int) ([]Record, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	vals, err := s.rdb.LRange(ctx, redisKey(callID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query call turns: %w", err)
	}
	out := make([]Record, 0, len(vals))
	for _, v := range vals {
		var r Record
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("decode call turn: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
