package cocytus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink appends records as JSON to a Redis list, oldest first.
type RedisSink struct {
	client *redis.Client
	key    string
}

func NewRedisSink(ctx context.Context, addr string, db int, key string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisSink{
		client: client,
		key:    key,
	}, nil
}

func (s *RedisSink) Write(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := s.client.RPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push record: %w", err)
	}
	return nil
}

// List returns up to limit of the most recent records, oldest first. A
// non-positive limit returns all of them.
func (s *RedisSink) List(ctx context.Context, limit int64) ([]*Record, error) {
	start := int64(0)
	if limit > 0 {
		start = -limit
	}
	raw, err := s.client.LRange(ctx, s.key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	recs := make([]*Record, 0, len(raw))
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

var (
	_ Sink = (*RedisSink)(nil)
	_ Sink = (*LogSink)(nil)
)
