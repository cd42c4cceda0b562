package publish

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultStreamMaxLen = 100000

// RedisPublisher appends messages to one Redis stream per subject,
// trimmed to roughly maxLen entries.
type RedisPublisher struct {
	rdb    *redis.Client
	maxLen int64
}

func NewRedisPublisher(ctx context.Context, addr string, maxLen int64) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &RedisPublisher{rdb: rdb, maxLen: maxLen}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	return p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: msg.Subject,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":      msg.Key,
			"payload": msg.Payload,
		},
	}).Err()
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
