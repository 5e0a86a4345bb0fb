package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"rinha-payment-pipeline/internal/payment"
)

// PostgreSQLPaymentRepository is the ledger on PostgreSQL; the primary key
// on correlation_id enforces one entry per payment.
type PostgreSQLPaymentRepository struct {
	db *sql.DB
}

func NewPostgreSQLPaymentRepository(db *sql.DB) PaymentRepository {
	return &PostgreSQLPaymentRepository{db: db}
}

// InitDatabase opens the connection pool, checks it and creates the schema.
func InitDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := createPaymentsTable(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func createPaymentsTable(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS payments (
			correlation_id VARCHAR(255) PRIMARY KEY,
			payment_processor VARCHAR(16) NOT NULL,
			amount NUMERIC(12,2) NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_processed_at ON payments(processed_at)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create payments table: %w", err)
		}
	}
	return nil
}

func (r *PostgreSQLPaymentRepository) Record(ctx context.Context, e Entry) (RecordResult, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO payments (correlation_id, payment_processor, amount, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (correlation_id) DO NOTHING`,
		e.CorrelationID, e.Processor.String(), e.Amount.String(), e.ProcessedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record payment %s: %w", e.CorrelationID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to record payment %s: %w", e.CorrelationID, err)
	}
	if n == 0 {
		return AlreadyRecorded, nil
	}
	return Recorded, nil
}

func (r *PostgreSQLPaymentRepository) Exists(ctx context.Context, correlationID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM payments WHERE correlation_id = $1)`, correlationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up payment %s: %w", correlationID, err)
	}
	return exists, nil
}

func (r *PostgreSQLPaymentRepository) Find(ctx context.Context, correlationID string) (*Entry, error) {
	var (
		e         Entry
		processor string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT correlation_id, payment_processor, amount, processed_at
		FROM payments WHERE correlation_id = $1`, correlationID,
	).Scan(&e.CorrelationID, &processor, &e.Amount, &e.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up payment %s: %w", correlationID, err)
	}
	e.Processor = payment.Processor(processor)
	return &e, nil
}

func (r *PostgreSQLPaymentRepository) Summary(ctx context.Context, rng Range) (*payment.Summary, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT payment_processor, COUNT(*), COALESCE(SUM(amount), 0)
		FROM payments
		WHERE ($1::timestamptz IS NULL OR processed_at >= $1)
			AND ($2::timestamptz IS NULL OR processed_at <= $2)
		GROUP BY payment_processor`,
		nullTime(rng.From), nullTime(rng.To),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize payments: %w", err)
	}
	defer rows.Close()

	summary := &payment.Summary{}
	for rows.Next() {
		var (
			processor     string
			totalRequests int64
			totalAmount   decimal.Decimal
		)
		if err := rows.Scan(&processor, &totalRequests, &totalAmount); err != nil {
			return nil, fmt.Errorf("failed to scan payment summary: %w", err)
		}

		ps := payment.ProcessorSummary{
			TotalRequests: totalRequests,
			TotalAmount:   totalAmount.Round(2).InexactFloat64(),
		}
		switch payment.Processor(processor) {
		case payment.ProcessorDefault:
			summary.Default = ps
		case payment.ProcessorFallback:
			summary.Fallback = ps
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment summary: %w", err)
	}
	return summary, nil
}

func (r *PostgreSQLPaymentRepository) Entries(ctx context.Context, p payment.Processor, rng Range) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT correlation_id, amount, processed_at
		FROM payments
		WHERE payment_processor = $1
			AND ($2::timestamptz IS NULL OR processed_at >= $2)
			AND ($3::timestamptz IS NULL OR processed_at <= $3)
		ORDER BY processed_at`,
		p.String(), nullTime(rng.From), nullTime(rng.To),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments of %s: %w", p, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e := Entry{Processor: p}
		if err := rows.Scan(&e.CorrelationID, &e.Amount, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return entries, nil
}

func (r *PostgreSQLPaymentRepository) Purge(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `TRUNCATE TABLE payments`); err != nil {
		return fmt.Errorf("failed to purge payments: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
