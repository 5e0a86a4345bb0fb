package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rinha-payment-pipeline/internal/payment"
)

func TestOnFailure(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		want       RetryDecision
		wantDelay  time.Duration
	}{
		{name: "first failure", retryCount: 0, want: Requeued, wantDelay: 100 * time.Millisecond},
		{name: "second failure", retryCount: 1, want: Requeued, wantDelay: 200 * time.Millisecond},
		{name: "budget spent", retryCount: 2, want: Dropped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t)
			var delays []time.Duration
			r := p.retry(2, &delays)
			req := payment.Request{CorrelationID: "abc", Amount: decimal.NewFromInt(1), RetryCount: tt.retryCount, LockToken: "tok"}

			got, err := r.OnFailure(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			n, err := p.queue.Len(context.Background())
			require.NoError(t, err)
			if tt.want == Dropped {
				assert.Zero(t, n)
				assert.Empty(t, delays)
				return
			}
			assert.Equal(t, int64(1), n)
			assert.Equal(t, []time.Duration{tt.wantDelay}, delays)

			next, err := p.queue.Pop(context.Background(), time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.retryCount+1, next.RetryCount)
			assert.Equal(t, "tok", next.LockToken)
		})
	}
}

func TestOnFailureRequeueError(t *testing.T) {
	r := NewRetryPolicy(failingQueue{}, 2, 0, logr.Discard())

	got, err := r.OnFailure(context.Background(), payment.Request{CorrelationID: "abc"})
	assert.Error(t, err)
	assert.Equal(t, Dropped, got)
}

func TestSleepContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
	assert.NoError(t, sleepContext(ctx, 0))
}
