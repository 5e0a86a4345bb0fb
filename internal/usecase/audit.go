package usecase

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"rinha-payment-pipeline/internal/payment"
	"rinha-payment-pipeline/internal/repository"
)

// Accounting is the processors' own view of what they accepted.
type Accounting interface {
	AdminSummary(ctx context.Context, p payment.Processor, from, to time.Time) (*payment.ProcessorSummary, error)
}

// ProcessorDiff compares the local ledger of one processor with the
// processor's accounting. Positive missing values mean the processor knows
// about payments the ledger lacks.
type ProcessorDiff struct {
	Processor       payment.Processor        `json:"processor"`
	Local           payment.ProcessorSummary `json:"local"`
	Remote          payment.ProcessorSummary `json:"remote"`
	MissingRequests int64                    `json:"missingRequests"`
	MissingAmount   float64                  `json:"missingAmount"`
}

// Consistent reports whether ledger and processor agree.
func (d ProcessorDiff) Consistent() bool {
	return d.MissingRequests == 0 && d.MissingAmount == 0
}

type DiffReport struct {
	Default  ProcessorDiff `json:"default"`
	Fallback ProcessorDiff `json:"fallback"`
}

// DuplicateReport lists correlationIds ledgered more than once.
type DuplicateReport struct {
	CorrelationIDs []string `json:"correlationIds"`
	Count          int      `json:"count"`
}

// Auditor reconciles the ledger against the processors.
type Auditor struct {
	ledger     LedgerReader
	accounting Accounting
	log        logr.Logger
}

func NewAuditor(ledger LedgerReader, accounting Accounting, log logr.Logger) *Auditor {
	return &Auditor{ledger: ledger, accounting: accounting, log: log.WithName("auditor")}
}

// Diff compares both ledgers with the processors' summaries over rng. All
// three reads run concurrently.
func (a *Auditor) Diff(ctx context.Context, rng repository.Range) (*DiffReport, error) {
	if err := validateRange(rng); err != nil {
		return nil, err
	}

	var from, to time.Time
	if rng.From != nil {
		from = *rng.From
	}
	if rng.To != nil {
		to = *rng.To
	}

	var (
		local  *payment.Summary
		remote = make([]*payment.ProcessorSummary, len(payment.Processors))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := a.ledger.Summary(gctx, rng)
		local = s
		return err
	})
	for i, p := range payment.Processors {
		i, p := i, p
		g.Go(func() error {
			s, err := a.accounting.AdminSummary(gctx, p, from, to)
			if err != nil {
				return fmt.Errorf("failed to fetch %s accounting: %w", p, err)
			}
			remote[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &DiffReport{}
	for i, p := range payment.Processors {
		d := diff(p, local.For(p), *remote[i])
		if !d.Consistent() {
			a.log.Info("LEDGER_MISMATCH", "processor", p, "missingRequests", d.MissingRequests, "missingAmount", d.MissingAmount)
		}
		switch p {
		case payment.ProcessorDefault:
			report.Default = d
		case payment.ProcessorFallback:
			report.Fallback = d
		}
	}
	return report, nil
}

func diff(p payment.Processor, local, remote payment.ProcessorSummary) ProcessorDiff {
	missing := decimal.NewFromFloat(remote.TotalAmount).Sub(decimal.NewFromFloat(local.TotalAmount))
	return ProcessorDiff{
		Processor:       p,
		Local:           local,
		Remote:          remote,
		MissingRequests: remote.TotalRequests - local.TotalRequests,
		MissingAmount:   missing.Round(2).InexactFloat64(),
	}
}

// Duplicates finds correlationIds with more than one ledger entry within rng.
func (a *Auditor) Duplicates(ctx context.Context, rng repository.Range) (*DuplicateReport, error) {
	if err := validateRange(rng); err != nil {
		return nil, err
	}

	seen := make(map[string]int)
	for _, p := range payment.Processors {
		entries, err := a.ledger.Entries(ctx, p, rng)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			seen[e.CorrelationID]++
		}
	}

	report := &DuplicateReport{CorrelationIDs: []string{}}
	for id, n := range seen {
		if n > 1 {
			report.CorrelationIDs = append(report.CorrelationIDs, id)
		}
	}
	sort.Strings(report.CorrelationIDs)
	report.Count = len(report.CorrelationIDs)
	if report.Count > 0 {
		a.log.Info("LEDGER_DUPLICATES", "count", report.Count)
	}
	return report, nil
}
