package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rinha-payment-pipeline/internal/payment"
)

func newTestQueue(t *testing.T) (*miniredis.Miniredis, *Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, New(client)
}

func TestPushPopFIFO(t *testing.T) {
	_, q := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(ctx, payment.Request{CorrelationID: id, Amount: decimal.NewFromInt(1)}))
	}

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, want := range []string{"a", "b", "c"} {
		req, err := q.Pop(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, req)
		assert.Equal(t, want, req.CorrelationID)
	}
}

func TestPopRoundTripsRequest(t *testing.T) {
	_, q := newTestQueue(t)
	ctx := context.Background()

	in := payment.Request{
		CorrelationID: "4a7901b8-7d26-4d9d-aa19-4dc1c7cf60b3",
		Amount:        decimal.RequireFromString("19.90"),
		RequestedAt:   time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		RetryCount:    1,
		LockToken:     "token",
	}
	require.NoError(t, q.Push(ctx, in))

	out, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, in.CorrelationID, out.CorrelationID)
	assert.True(t, in.Amount.Equal(out.Amount))
	assert.True(t, in.RequestedAt.Equal(out.RequestedAt))
	assert.Equal(t, 1, out.RetryCount)
	assert.Equal(t, "token", out.LockToken)
}

func TestPopTimeoutOnEmptyQueue(t *testing.T) {
	_, q := newTestQueue(t)

	req, err := q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestPopUndecodableItem(t *testing.T) {
	mr, q := newTestQueue(t)
	_, err := mr.Lpush(DefaultKey, "{not json")
	require.NoError(t, err)

	req, err := q.Pop(context.Background(), time.Second)
	assert.Nil(t, req)
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, "{not json", decodeErr.Raw)

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClear(t *testing.T) {
	_, q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, payment.Request{CorrelationID: "a"}))
	require.NoError(t, q.Clear(ctx))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
