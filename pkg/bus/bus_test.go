package bus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard(t *testing.T) {
	g := &Guard{Max: 3}
	fail := errors.New("broker down")

	assert.NoError(t, g.Record(fail))
	assert.NoError(t, g.Record(fail))
	assert.NoError(t, g.Record(nil), "success resets the streak")
	assert.Equal(t, 0, g.Consecutive())

	assert.NoError(t, g.Record(fail))
	assert.NoError(t, g.Record(fail))
	err := g.Record(fail)
	assert.ErrorIs(t, err, ErrTooManyFailures)
	assert.Contains(t, err.Error(), "broker down")
}

func TestEncodeEnvelope(t *testing.T) {
	body, err := encodeEnvelope(Message{
		Topic:      "asset-history/raw",
		Payload:    []byte(`{"asset_id":"a1","temp":3}`),
		Properties: map[string]string{"asset_id": "a1", "asset_type_id": "pump"},
	})
	require.NoError(t, err)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, map[string]interface{}{"asset_id": "a1", "asset_type_id": "pump"}, env["user_properties"])
	assert.Equal(t, map[string]interface{}{"asset_id": "a1", "temp": 3.0}, env["payload"])

	body, err = encodeEnvelope(Message{Payload: []byte("not json")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"payload":"not json"}`, string(body))
}

func TestRedisStream_Publish(t *testing.T) {
	addr := os.Getenv("FORECASTD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FORECASTD_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	p := NewRedisStream(client, 100)
	defer p.Close()

	ctx := context.Background()
	stream := "forecastd-test-stream"
	defer client.Del(ctx, stream)

	require.NoError(t, p.Publish(ctx, Message{
		Topic:      stream,
		Payload:    []byte(`{"temp":1}`),
		Properties: map[string]string{"asset_id": "a1"},
	}))

	entries, err := client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a1", entries[0].Values["asset_id"])
}
