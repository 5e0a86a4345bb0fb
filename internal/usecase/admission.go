package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jellydator/ttlcache/v3"
	"github.com/shopspring/decimal"

	"rinha-payment-pipeline/internal/metrics"
	"rinha-payment-pipeline/internal/payment"
)

// AdmissionResult is the outcome of submitting a payment.
type AdmissionResult int

const (
	// Accepted means the payment was locked and enqueued.
	Accepted AdmissionResult = iota + 1
	// Duplicate means the payment is already in the ledger.
	Duplicate
	// Conflict means another attempt for the same correlationId holds the lock.
	Conflict
	// Invalid means the request was malformed and never enqueued.
	Invalid
)

func (r AdmissionResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Conflict:
		return "conflict"
	case Invalid:
		return "invalid"
	default:
		return "error"
	}
}

// ProcessedChecker answers whether a correlationId is already ledgered.
type ProcessedChecker interface {
	Exists(ctx context.Context, correlationID string) (bool, error)
}

type Locker interface {
	Acquire(ctx context.Context, correlationID string) (token string, ok bool, err error)
	Release(ctx context.Context, correlationID, token string) (bool, error)
}

type Enqueuer interface {
	Push(ctx context.Context, req payment.Request) error
}

// Admission is the gate in front of the work queue: it validates, rejects
// duplicates and hands out exactly one queue entry per live lock.
type Admission struct {
	ledger    ProcessedChecker
	locker    Locker
	queue     Enqueuer
	processed *ttlcache.Cache[string, struct{}]
	now       func() time.Time
	log       logr.Logger
}

// NewAdmission builds the gate. processedTTL bounds how long a correlationId
// found in the ledger is remembered locally; zero disables the local cache.
func NewAdmission(ledger ProcessedChecker, locker Locker, queue Enqueuer, processedTTL time.Duration, log logr.Logger) *Admission {
	a := &Admission{
		ledger: ledger,
		locker: locker,
		queue:  queue,
		now:    time.Now,
		log:    log.WithName("admission"),
	}
	if processedTTL > 0 {
		a.processed = ttlcache.New(
			ttlcache.WithTTL[string, struct{}](processedTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		)
		go a.processed.Start()
	}
	return a
}

// Submit admits one payment.
func (a *Admission) Submit(ctx context.Context, correlationID string, amount decimal.Decimal) (AdmissionResult, error) {
	result, err := a.submit(ctx, correlationID, amount)
	if err != nil {
		metrics.RecordAdmission("error")
		return 0, err
	}
	metrics.RecordAdmission(result.String())
	return result, nil
}

func (a *Admission) submit(ctx context.Context, correlationID string, amount decimal.Decimal) (AdmissionResult, error) {
	if correlationID == "" || !amount.IsPositive() {
		return Invalid, nil
	}

	if a.processed != nil && a.processed.Has(correlationID) {
		return Duplicate, nil
	}
	done, err := a.ledger.Exists(ctx, correlationID)
	if err != nil {
		return 0, fmt.Errorf("failed to check ledger: %w", err)
	}
	if done {
		if a.processed != nil {
			a.processed.Set(correlationID, struct{}{}, ttlcache.DefaultTTL)
		}
		return Duplicate, nil
	}

	token, ok, err := a.locker.Acquire(ctx, correlationID)
	if err != nil {
		return 0, err
	}
	if !ok {
		a.log.V(1).Info("PAYMENT_IN_FLIGHT", "correlationId", correlationID)
		return Conflict, nil
	}

	req := payment.Request{
		CorrelationID: correlationID,
		Amount:        amount,
		RequestedAt:   a.now().UTC(),
		LockToken:     token,
	}
	if err := a.queue.Push(ctx, req); err != nil {
		if _, relErr := a.locker.Release(ctx, correlationID, token); relErr != nil {
			a.log.Error(relErr, "LOCK_RELEASE_FAILED", "correlationId", correlationID)
		}
		return 0, err
	}

	a.log.V(1).Info("PAYMENT_ENQUEUED", "correlationId", correlationID, "amount", amount.String())
	return Accepted, nil
}

// Forget drops every locally remembered correlationId.
func (a *Admission) Forget() {
	if a.processed != nil {
		a.processed.DeleteAll()
	}
}

// Close stops the local cache's expiry loop.
func (a *Admission) Close() error {
	if a.processed != nil {
		a.processed.Stop()
	}
	return nil
}
