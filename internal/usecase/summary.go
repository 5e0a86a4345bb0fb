package usecase

import (
	"context"
	"errors"

	"rinha-payment-pipeline/internal/payment"
	"rinha-payment-pipeline/internal/repository"
)

// ErrInvalidRange is returned when a window starts after it ends.
var ErrInvalidRange = errors.New("from must not be after to")

type LedgerReader interface {
	Find(ctx context.Context, correlationID string) (*repository.Entry, error)
	Summary(ctx context.Context, r repository.Range) (*payment.Summary, error)
	Entries(ctx context.Context, p payment.Processor, r repository.Range) ([]repository.Entry, error)
}

// Summary is the read side of the ledger.
type Summary struct {
	ledger LedgerReader
}

func NewSummary(ledger LedgerReader) *Summary {
	return &Summary{ledger: ledger}
}

// Summary totals the ledger of both processors within rng.
func (s *Summary) Summary(ctx context.Context, rng repository.Range) (*payment.Summary, error) {
	if err := validateRange(rng); err != nil {
		return nil, err
	}
	return s.ledger.Summary(ctx, rng)
}

// Payment returns the ledger entry of one payment.
func (s *Summary) Payment(ctx context.Context, correlationID string) (*repository.Entry, error) {
	return s.ledger.Find(ctx, correlationID)
}

func validateRange(rng repository.Range) error {
	if rng.From != nil && rng.To != nil && rng.From.After(*rng.To) {
		return ErrInvalidRange
	}
	return nil
}
