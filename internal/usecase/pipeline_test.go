package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/go-redis/redis/v8"

	"rinha-payment-pipeline/internal/lock"
	"rinha-payment-pipeline/internal/payment"
	"rinha-payment-pipeline/internal/queue"
	"rinha-payment-pipeline/internal/repository"
)

var errUpstream = errors.New("upstream unavailable")

// pipeline wires the Redis-backed stores against one miniredis.
type pipeline struct {
	mr     *miniredis.Miniredis
	queue  *queue.Queue
	locker *lock.Locker
	ledger repository.PaymentRepository
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return &pipeline{
		mr:     mr,
		queue:  queue.New(client),
		locker: lock.New(client, 60*time.Second),
		ledger: repository.NewRedisPaymentRepository(client),
	}
}

func (p *pipeline) admission(t *testing.T) *Admission {
	t.Helper()
	a := NewAdmission(p.ledger, p.locker, p.queue, time.Minute, logr.Discard())
	t.Cleanup(func() { a.Close() })
	return a
}

// retry returns a policy that records its delays instead of sleeping.
func (p *pipeline) retry(maxRetries int, delays *[]time.Duration) *RetryPolicy {
	r := NewRetryPolicy(p.queue, maxRetries, 100*time.Millisecond, logr.Discard())
	r.sleep = func(_ context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return nil
	}
	return r
}

func (p *pipeline) worker(client Submitter, router Router, retry *RetryPolicy) *Worker {
	return NewWorker(WorkerOptions{
		Queue:      p.queue,
		Client:     client,
		Router:     router,
		Ledger:     p.ledger,
		Locker:     p.locker,
		Retry:      retry,
		PopTimeout: time.Second,
	}, logr.Discard())
}

type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []payment.ProcessorPayload
	targets  []payment.Processor
	submitF  func(p payment.Processor, payload payment.ProcessorPayload) (payment.Result, error)
}

func (f *fakeSubmitter) Submit(_ context.Context, p payment.Processor, payload payment.ProcessorPayload) (payment.Result, error) {
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	f.targets = append(f.targets, p)
	f.mu.Unlock()
	return f.submitF(p, payload)
}

func (f *fakeSubmitter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func accepting() *fakeSubmitter {
	return &fakeSubmitter{submitF: func(payment.Processor, payment.ProcessorPayload) (payment.Result, error) {
		return payment.ResultAccepted, nil
	}}
}

func failing() *fakeSubmitter {
	return &fakeSubmitter{submitF: func(p payment.Processor, _ payment.ProcessorPayload) (payment.Result, error) {
		return payment.ResultFailed, &payment.StatusError{Processor: p, StatusCode: 500}
	}}
}

type fakeRouter struct {
	mu        sync.Mutex
	selectF   func() (payment.Processor, error)
	successes []payment.Processor
	failures  []payment.Processor
}

func routeTo(p payment.Processor) *fakeRouter {
	return &fakeRouter{selectF: func() (payment.Processor, error) { return p, nil }}
}

func (f *fakeRouter) Select() (payment.Processor, error) {
	return f.selectF()
}

func (f *fakeRouter) ReportSuccess(p payment.Processor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, p)
}

func (f *fakeRouter) ReportFailure(p payment.Processor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, p)
}
