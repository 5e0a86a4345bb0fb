package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rinha-payment-pipeline/internal/payment"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr(), 2)
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, 2, client.Options().PoolSize)

	_, err = NewRedisClient(context.Background(), "not a url", 0)
	assert.Error(t, err)
}

func TestPublishAndRead(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	hc := NewHealthCache(client, 8*time.Second)

	checkedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, hc.Publish(ctx, []ProcessorStatus{
		{Processor: payment.ProcessorDefault, Up: false, CheckedAt: checkedAt},
		{Processor: payment.ProcessorFallback, Up: true, MinResponseTime: 40, CheckedAt: checkedAt},
	}))

	best, err := hc.BestProcessor(ctx)
	require.NoError(t, err)
	assert.Equal(t, payment.ProcessorFallback, best)

	statuses, err := hc.Read(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, payment.ProcessorDefault, statuses[0].Processor)
	assert.False(t, statuses[0].Up)
	assert.True(t, statuses[1].Up)
	assert.Equal(t, 40, statuses[1].MinResponseTime)

	mr.FastForward(9 * time.Second)
	statuses, err = hc.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestPublishPrefersDefault(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	hc := NewHealthCache(client, time.Second)

	require.NoError(t, hc.Publish(ctx, []ProcessorStatus{
		{Processor: payment.ProcessorDefault, Up: true},
		{Processor: payment.ProcessorFallback, Up: true},
	}))
	best, err := hc.BestProcessor(ctx)
	require.NoError(t, err)
	assert.Equal(t, payment.ProcessorDefault, best)

	require.NoError(t, hc.Publish(ctx, []ProcessorStatus{
		{Processor: payment.ProcessorDefault, Up: false},
		{Processor: payment.ProcessorFallback, Up: false},
	}))
	best, err = hc.BestProcessor(ctx)
	require.NoError(t, err)
	assert.Equal(t, payment.Processor(""), best)
}

func TestTryLead(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	hc := NewHealthCache(client, time.Second)

	ok, err := hc.TryLead(ctx, "a", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = hc.TryLead(ctx, "b", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(6 * time.Second)
	ok, err = hc.TryLead(ctx, "b", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
