package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStream publishes to Redis Streams, one stream per topic.
type RedisStream struct {
	client redis.UniversalClient
	maxLen int64
}

// NewRedisStream creates a publisher. maxLen caps each stream
// approximately (0 = unbounded).
func NewRedisStream(client redis.UniversalClient, maxLen int64) *RedisStream {
	return &RedisStream{client: client, maxLen: maxLen}
}

// Publish appends msg to the stream named by its topic
func (r *RedisStream) Publish(ctx context.Context, msg Message) error {
	values := make(map[string]interface{}, len(msg.Properties)+1)
	for k, v := range msg.Properties {
		values[k] = v
	}
	values["payload"] = msg.Payload

	args := &redis.XAddArgs{Stream: msg.Topic, Values: values}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", msg.Topic, err)
	}
	return nil
}

// Close closes the underlying client
func (r *RedisStream) Close() error {
	return r.client.Close()
}
