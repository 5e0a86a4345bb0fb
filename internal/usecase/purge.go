package usecase

import (
	"context"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
)

type LedgerPurger interface {
	Purge(ctx context.Context) error
}

type QueueClearer interface {
	Clear(ctx context.Context) error
}

type LockPurger interface {
	Purge(ctx context.Context) (int, error)
}

// Purger resets every piece of payment state: ledger, pending work, locks
// and the admission cache. Processor health is kept.
type Purger struct {
	ledger    LedgerPurger
	queue     QueueClearer
	locks     LockPurger
	admission *Admission
	log       logr.Logger
}

// NewPurger builds a Purger; admission may be nil when the process does not
// serve admissions.
func NewPurger(ledger LedgerPurger, queue QueueClearer, locks LockPurger, admission *Admission, log logr.Logger) *Purger {
	return &Purger{ledger: ledger, queue: queue, locks: locks, admission: admission, log: log.WithName("purger")}
}

// Purge attempts every step and reports all failures together.
func (p *Purger) Purge(ctx context.Context) error {
	err := multierr.Combine(
		p.queue.Clear(ctx),
		p.ledger.Purge(ctx),
	)
	locks, lockErr := p.locks.Purge(ctx)
	err = multierr.Append(err, lockErr)

	if p.admission != nil {
		p.admission.Forget()
	}

	if err != nil {
		p.log.Error(err, "PURGE_FAILED")
		return err
	}
	p.log.Info("PAYMENTS_PURGED", "locks", locks)
	return nil
}
