package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rinha-payment-pipeline/internal/lock"
	"rinha-payment-pipeline/internal/payment"
	"rinha-payment-pipeline/internal/repository"
)

func TestSubmitInvalid(t *testing.T) {
	p := newPipeline(t)
	a := p.admission(t)

	tests := []struct {
		name          string
		correlationID string
		amount        decimal.Decimal
	}{
		{name: "empty correlationId", correlationID: "", amount: decimal.NewFromInt(10)},
		{name: "zero amount", correlationID: "abc", amount: decimal.Zero},
		{name: "negative amount", correlationID: "abc", amount: decimal.NewFromInt(-5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := a.Submit(context.Background(), tt.correlationID, tt.amount)
			require.NoError(t, err)
			assert.Equal(t, Invalid, res)
		})
	}

	n, err := p.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmitAcceptedEnqueuesWithLockToken(t *testing.T) {
	p := newPipeline(t)
	a := p.admission(t)
	ctx := context.Background()

	res, err := a.Submit(ctx, "abc", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)

	req, err := p.queue.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "abc", req.CorrelationID)
	assert.True(t, req.Amount.Equal(decimal.NewFromInt(100)))
	assert.Zero(t, req.RetryCount)

	token, err := p.mr.Get(lock.Key("abc"))
	require.NoError(t, err)
	assert.Equal(t, token, req.LockToken)
}

func TestSubmitConflictWhileInFlight(t *testing.T) {
	p := newPipeline(t)
	a := p.admission(t)
	ctx := context.Background()

	res, err := a.Submit(ctx, "abc", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)

	res, err = a.Submit(ctx, "abc", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, Conflict, res)

	n, err := p.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSubmitConcurrentAdmitsOnce(t *testing.T) {
	p := newPipeline(t)
	a := p.admission(t)
	ctx := context.Background()

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = map[AdmissionResult]int{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := a.Submit(ctx, "same-id", decimal.NewFromInt(1))
			assert.NoError(t, err)
			mu.Lock()
			results[res]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, results[Accepted])
	assert.Equal(t, callers-1, results[Conflict])

	n, err := p.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSubmitDuplicateWhenLedgered(t *testing.T) {
	p := newPipeline(t)
	a := p.admission(t)
	ctx := context.Background()

	_, err := p.ledger.Record(ctx, repository.Entry{
		Processor:     payment.ProcessorDefault,
		CorrelationID: "abc",
		Amount:        decimal.NewFromInt(100),
		ProcessedAt:   time.Now(),
	})
	require.NoError(t, err)

	res, err := a.Submit(ctx, "abc", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)
	assert.False(t, p.mr.Exists(lock.Key("abc")))

	// Served from the local cache once the store no longer has it.
	require.NoError(t, p.ledger.Purge(ctx))
	res, err = a.Submit(ctx, "abc", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res)

	a.Forget()
	res, err = a.Submit(ctx, "abc", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)
}

type failingQueue struct{}

func (failingQueue) Push(context.Context, payment.Request) error {
	return errors.New("queue down")
}

func TestSubmitReleasesLockWhenEnqueueFails(t *testing.T) {
	p := newPipeline(t)
	a := NewAdmission(p.ledger, p.locker, failingQueue{}, 0, logr.Discard())
	ctx := context.Background()

	_, err := a.Submit(ctx, "abc", decimal.NewFromInt(100))
	assert.Error(t, err)
	assert.False(t, p.mr.Exists(lock.Key("abc")))
}

func TestSubmitLedgerError(t *testing.T) {
	p := newPipeline(t)
	a := p.admission(t)
	p.mr.SetError("LOADING")

	_, err := a.Submit(context.Background(), "abc", decimal.NewFromInt(100))
	assert.Error(t, err)
}
