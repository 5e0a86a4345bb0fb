package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"rinha-payment-pipeline/internal/metrics"
	"rinha-payment-pipeline/internal/payment"
	"rinha-payment-pipeline/internal/queue"
	"rinha-payment-pipeline/internal/repository"
)

// Outcome is what happened to a payment in one pass through a worker.
type Outcome int

const (
	OutcomeRecorded Outcome = iota + 1
	OutcomeRejected
	OutcomeRequeued
	OutcomeDropped
	OutcomeLedgerFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRecorded:
		return "recorded"
	case OutcomeRejected:
		return "rejected"
	case OutcomeRequeued:
		return "requeued"
	case OutcomeDropped:
		return "dropped"
	case OutcomeLedgerFailed:
		return "ledger_failed"
	default:
		return "unknown"
	}
}

type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (*payment.Request, error)
}

type Submitter interface {
	Submit(ctx context.Context, p payment.Processor, payload payment.ProcessorPayload) (payment.Result, error)
}

// Router picks the processor for an attempt and takes its outcome back.
type Router interface {
	Select() (payment.Processor, error)
	ReportSuccess(p payment.Processor)
	ReportFailure(p payment.Processor)
}

type Recorder interface {
	Record(ctx context.Context, entry repository.Entry) (repository.RecordResult, error)
}

type Releaser interface {
	Release(ctx context.Context, correlationID, token string) (bool, error)
}

type WorkerOptions struct {
	ID         int
	Queue      Source
	Client     Submitter
	Router     Router
	Ledger     Recorder
	Locker     Releaser
	Retry      *RetryPolicy
	PopTimeout time.Duration
}

// Worker is one consumer loop. It owns its queue connection and processor
// client; only the Router is shared.
type Worker struct {
	queue      Source
	client     Submitter
	router     Router
	ledger     Recorder
	locker     Releaser
	retry      *RetryPolicy
	popTimeout time.Duration
	now        func() time.Time
	log        logr.Logger
}

func NewWorker(opts WorkerOptions, log logr.Logger) *Worker {
	return &Worker{
		queue:      opts.Queue,
		client:     opts.Client,
		router:     opts.Router,
		ledger:     opts.Ledger,
		locker:     opts.Locker,
		retry:      opts.Retry,
		popTimeout: opts.PopTimeout,
		now:        time.Now,
		log:        log.WithName("worker").WithValues("worker", opts.ID),
	}
}

// Run consumes the queue until ctx is cancelled. Cancellation is observed
// between items; a pop or payment in progress runs to completion.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("WORKER_STARTED")
	defer w.log.Info("WORKER_STOPPED")

	work := context.WithoutCancel(ctx)
	for ctx.Err() == nil {
		req, err := w.queue.Pop(work, w.popTimeout)

		var decodeErr *queue.DecodeError
		switch {
		case errors.As(err, &decodeErr):
			w.log.Error(err, "QUEUE_ITEM_DROPPED", "raw", decodeErr.Raw)
			metrics.RecordDrop("undecodable")
		case err != nil:
			w.log.Error(err, "QUEUE_POP_FAILED")
			// Back off while the store is unreachable.
			_ = sleepContext(ctx, w.popTimeout)
		case req != nil:
			w.Process(work, *req)
		}
	}
}

// Process makes one attempt at req.
func (w *Worker) Process(ctx context.Context, req payment.Request) Outcome {
	log := w.log.WithValues("correlationId", req.CorrelationID, "attempt", req.RetryCount+1)

	p, err := w.router.Select()
	if err != nil {
		log.V(1).Info("NO_PROCESSOR_AVAILABLE")
		metrics.RecordAttempt("none", "unavailable")
		return w.retryLater(ctx, req)
	}

	// Millisecond precision keeps the ledger score equal to the timestamp
	// the processor received.
	attemptedAt := w.now().UTC().Truncate(time.Millisecond)
	result, err := w.client.Submit(ctx, p, payment.NewProcessorPayload(req, attemptedAt))
	metrics.RecordAttempt(p.String(), result.String())

	switch result {
	case payment.ResultAccepted:
		w.router.ReportSuccess(p)
		return w.record(ctx, log, req, p, attemptedAt)
	case payment.ResultRejected:
		log.Info("PAYMENT_REJECTED", "processor", p)
		metrics.RecordDrop("rejected")
		return OutcomeRejected
	default:
		w.router.ReportFailure(p)
		log.V(1).Info("PAYMENT_ATTEMPT_FAILED", "processor", p, "error", err)
		return w.retryLater(ctx, req)
	}
}

func (w *Worker) record(ctx context.Context, log logr.Logger, req payment.Request, p payment.Processor, acceptedAt time.Time) Outcome {
	res, err := w.ledger.Record(ctx, repository.Entry{
		Processor:     p,
		CorrelationID: req.CorrelationID,
		Amount:        req.Amount,
		ProcessedAt:   acceptedAt,
	})
	if err != nil {
		// Accepted upstream but missing from the ledger; left for an operator.
		log.Error(err, "LEDGER_WRITE_FAILED", "processor", p, "amount", req.Amount.String())
		metrics.RecordLedgerFailure(p.String())
		return OutcomeLedgerFailed
	}
	metrics.RecordLedger(p.String(), res.String())

	if res == repository.AlreadyRecorded {
		log.Info("PAYMENT_ALREADY_RECORDED", "processor", p)
	} else {
		log.V(1).Info("PAYMENT_RECORDED", "processor", p, "amount", req.Amount.String())
	}

	released, err := w.locker.Release(ctx, req.CorrelationID, req.LockToken)
	switch {
	case err != nil:
		log.Error(err, "LOCK_RELEASE_FAILED")
	case !released:
		log.V(1).Info("LOCK_NOT_OWNED")
	}
	return OutcomeRecorded
}

func (w *Worker) retryLater(ctx context.Context, req payment.Request) Outcome {
	decision, err := w.retry.OnFailure(ctx, req)
	if err != nil || decision == Dropped {
		return OutcomeDropped
	}
	return OutcomeRequeued
}
