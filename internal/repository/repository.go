package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"rinha-payment-pipeline/internal/payment"
)

// ErrNotFound is returned by Find when no entry exists for a correlationId.
var ErrNotFound = errors.New("payment not found")

// RecordResult tells whether Record created a new entry.
type RecordResult int

const (
	Recorded RecordResult = iota + 1
	AlreadyRecorded
)

func (r RecordResult) String() string {
	switch r {
	case Recorded:
		return "recorded"
	case AlreadyRecorded:
		return "already_recorded"
	default:
		return "unknown"
	}
}

// Entry is one accepted payment.
type Entry struct {
	Processor     payment.Processor `json:"processor"`
	CorrelationID string            `json:"correlationId"`
	Amount        decimal.Decimal   `json:"amount"`
	ProcessedAt   time.Time         `json:"processedAt"`
}

// Range bounds a time window; a nil bound is open.
type Range struct {
	From *time.Time
	To   *time.Time
}

// PaymentRepository is the ledger. At most one entry exists per
// correlationId across both processors.
type PaymentRepository interface {
	Record(ctx context.Context, entry Entry) (RecordResult, error)
	Exists(ctx context.Context, correlationID string) (bool, error)
	Find(ctx context.Context, correlationID string) (*Entry, error)
	Summary(ctx context.Context, r Range) (*payment.Summary, error)
	Entries(ctx context.Context, p payment.Processor, r Range) ([]Entry, error)
	Purge(ctx context.Context) error
}

func summarize(amounts []decimal.Decimal) payment.ProcessorSummary {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return payment.ProcessorSummary{
		TotalRequests: int64(len(amounts)),
		TotalAmount:   total.Round(2).InexactFloat64(),
	}
}
