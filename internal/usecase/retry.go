package usecase

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"rinha-payment-pipeline/internal/metrics"
	"rinha-payment-pipeline/internal/payment"
)

type RetryDecision int

const (
	Requeued RetryDecision = iota + 1
	Dropped
)

func (d RetryDecision) String() string {
	switch d {
	case Requeued:
		return "requeued"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// RetryPolicy bounds how many times a failing payment goes back on the queue.
type RetryPolicy struct {
	queue      Enqueuer
	maxRetries int
	delay      time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	log        logr.Logger
}

// NewRetryPolicy allows maxRetries requeues, i.e. maxRetries+1 attempts in
// total. Retry n waits delay*n before going back on the queue.
func NewRetryPolicy(queue Enqueuer, maxRetries int, delay time.Duration, log logr.Logger) *RetryPolicy {
	return &RetryPolicy{
		queue:      queue,
		maxRetries: maxRetries,
		delay:      delay,
		sleep:      sleepContext,
		log:        log.WithName("retry"),
	}
}

// OnFailure requeues req with its retry count incremented, or drops it once
// the budget is spent. A dropped payment keeps its lock until the TTL expires.
func (r *RetryPolicy) OnFailure(ctx context.Context, req payment.Request) (RetryDecision, error) {
	if req.RetryCount >= r.maxRetries {
		r.log.Info("PAYMENT_DROPPED", "correlationId", req.CorrelationID, "attempts", req.RetryCount+1)
		metrics.RecordDrop("retries_exhausted")
		return Dropped, nil
	}

	if err := r.sleep(ctx, r.delay*time.Duration(req.RetryCount+1)); err != nil {
		return r.lost(req, err)
	}

	req.RetryCount++
	if err := r.queue.Push(ctx, req); err != nil {
		return r.lost(req, err)
	}

	r.log.V(1).Info("PAYMENT_REQUEUED", "correlationId", req.CorrelationID, "retryCount", req.RetryCount)
	metrics.RecordRequeue()
	return Requeued, nil
}

func (r *RetryPolicy) lost(req payment.Request, err error) (RetryDecision, error) {
	r.log.Error(err, "REQUEUE_FAILED", "correlationId", req.CorrelationID, "retryCount", req.RetryCount)
	metrics.RecordDrop("requeue_failed")
	return Dropped, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
