package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/wayfare/internal/catalog"
	usagedomain "github.com/smallbiznis/wayfare/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterKey(t *testing.T) {
	assert.Equal(t, "wayfare:usage:u1:places", CounterKey(" u1 ", catalog.FeaturePlaces))
}

func TestScriptLimitAndTTL(t *testing.T) {
	assert.Equal(t, int64(-1), scriptLimit(catalog.Unlimited()))
	assert.Equal(t, int64(30), scriptLimit(catalog.Cap(30)))
	assert.Equal(t, 48*time.Hour, counterTTL(usagedomain.WindowDaily))
	assert.Equal(t, 62*24*time.Hour, counterTTL(usagedomain.WindowMonthly))
}

func TestToInt64(t *testing.T) {
	assert.Equal(t, int64(3), toInt64(int64(3)))
	assert.Equal(t, int64(3), toInt64(3))
	assert.Equal(t, int64(0), toInt64("3"))
}

func TestNilRedisCounter(t *testing.T) {
	assert.Nil(t, NewRedisCounter(nil))

	var r *RedisCounter
	_, _, err := r.Consume(context.Background(), "u1", catalog.FeaturePlaces, catalog.Cap(1), day)
	require.Error(t, err)
}

func TestRedisCounterConsume(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	counter := NewRedisCounter(client)
	userID := "test-" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, CounterKey(userID, catalog.FeatureDeals)) })

	for i := 1; i <= 2; i++ {
		got, allowed, err := counter.Consume(ctx, userID, catalog.FeatureDeals, catalog.Cap(2), day)
		require.NoError(t, err)
		require.True(t, allowed)
		assert.Equal(t, uint32(i), got.Count)
	}

	got, allowed, err := counter.Consume(ctx, userID, catalog.FeatureDeals, catalog.Cap(2), day)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, uint32(2), got.Count)

	next := day.AddDate(0, 0, 1)
	got, allowed, err = counter.Consume(ctx, userID, catalog.FeatureDeals, catalog.Cap(2), next)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, uint32(1), got.Count)
	assert.True(t, got.WindowStart.Equal(next))
}
