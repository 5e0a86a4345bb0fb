package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"rinha-payment-pipeline/internal/payment"
)

const (
	ledgerPrefix = "payments:"
	recordPrefix = "payment:"
)

// recordScript writes the structured record and the time index together,
// refusing when the correlationId already has a record.
//
// KEYS[1] payments:{processor}, KEYS[2] payment:{correlationId}
// ARGV score, member, processor, correlationId, amount, processedAt
var recordScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
	return 0
end
redis.call("HSET", KEYS[2], "processor", ARGV[3], "correlationId", ARGV[4], "amount", ARGV[5], "processedAt", ARGV[6])
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// RedisPaymentRepository keeps one sorted set per processor, scored by
// acceptance time, plus a hash per correlationId.
type RedisPaymentRepository struct {
	client redis.UniversalClient
}

func NewRedisPaymentRepository(client redis.UniversalClient) PaymentRepository {
	return &RedisPaymentRepository{client: client}
}

func LedgerKey(p payment.Processor) string {
	return ledgerPrefix + p.String()
}

func recordKey(correlationID string) string {
	return recordPrefix + correlationID
}

// Member encodes the sorted-set member "{amount}:{correlationId}". The
// amount is a canonical decimal and never contains ':'.
func Member(amount decimal.Decimal, correlationID string) string {
	return amount.String() + ":" + correlationID
}

// ParseMember splits a member at its first ':'.
func ParseMember(m string) (decimal.Decimal, string, error) {
	rawAmount, correlationID, ok := strings.Cut(m, ":")
	if !ok {
		return decimal.Zero, "", fmt.Errorf("malformed ledger member %q", m)
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("malformed amount in ledger member %q: %w", m, err)
	}
	return amount, correlationID, nil
}

// Score is the acceptance time in fractional unix seconds.
func Score(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', 6, 64)
}

func scoreBound(t *time.Time, open string) string {
	if t == nil {
		return open
	}
	return formatScore(Score(*t))
}

func (r *RedisPaymentRepository) Record(ctx context.Context, e Entry) (RecordResult, error) {
	if !e.Processor.Valid() {
		return 0, fmt.Errorf("unknown processor %q", e.Processor)
	}

	keys := []string{LedgerKey(e.Processor), recordKey(e.CorrelationID)}
	args := []interface{}{
		formatScore(Score(e.ProcessedAt)),
		Member(e.Amount, e.CorrelationID),
		e.Processor.String(),
		e.CorrelationID,
		e.Amount.String(),
		e.ProcessedAt.UTC().Format(time.RFC3339Nano),
	}

	n, err := recordScript.Run(ctx, r.client, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to record payment %s: %w", e.CorrelationID, err)
	}
	if n == 0 {
		return AlreadyRecorded, nil
	}
	return Recorded, nil
}

func (r *RedisPaymentRepository) Exists(ctx context.Context, correlationID string) (bool, error) {
	n, err := r.client.Exists(ctx, recordKey(correlationID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up payment %s: %w", correlationID, err)
	}
	return n > 0, nil
}

func (r *RedisPaymentRepository) Find(ctx context.Context, correlationID string) (*Entry, error) {
	fields, err := r.client.HGetAll(ctx, recordKey(correlationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to look up payment %s: %w", correlationID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	amount, err := decimal.NewFromString(fields["amount"])
	if err != nil {
		return nil, fmt.Errorf("malformed amount for payment %s: %w", correlationID, err)
	}
	processedAt, err := time.Parse(time.RFC3339Nano, fields["processedAt"])
	if err != nil {
		return nil, fmt.Errorf("malformed timestamp for payment %s: %w", correlationID, err)
	}

	return &Entry{
		Processor:     payment.Processor(fields["processor"]),
		CorrelationID: fields["correlationId"],
		Amount:        amount,
		ProcessedAt:   processedAt,
	}, nil
}

// Summary range-scans both ledgers in a single round trip.
func (r *RedisPaymentRepository) Summary(ctx context.Context, rng Range) (*payment.Summary, error) {
	by := &redis.ZRangeBy{Min: scoreBound(rng.From, "-inf"), Max: scoreBound(rng.To, "+inf")}

	pipe := r.client.Pipeline()
	cmds := make(map[payment.Processor]*redis.StringSliceCmd, len(payment.Processors))
	for _, p := range payment.Processors {
		cmds[p] = pipe.ZRangeByScore(ctx, LedgerKey(p), by)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to scan ledgers: %w", err)
	}

	summary := &payment.Summary{}
	for p, cmd := range cmds {
		members, err := cmd.Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to scan ledger %s: %w", p, err)
		}
		amounts := make([]decimal.Decimal, 0, len(members))
		for _, m := range members {
			amount, _, err := ParseMember(m)
			if err != nil {
				return nil, err
			}
			amounts = append(amounts, amount)
		}

		switch p {
		case payment.ProcessorDefault:
			summary.Default = summarize(amounts)
		case payment.ProcessorFallback:
			summary.Fallback = summarize(amounts)
		}
	}
	return summary, nil
}

func (r *RedisPaymentRepository) Entries(ctx context.Context, p payment.Processor, rng Range) ([]Entry, error) {
	by := &redis.ZRangeBy{Min: scoreBound(rng.From, "-inf"), Max: scoreBound(rng.To, "+inf")}

	zs, err := r.client.ZRangeByScoreWithScores(ctx, LedgerKey(p), by).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger %s: %w", p, err)
	}

	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		m, ok := z.Member.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected ledger member type %T", z.Member)
		}
		amount, correlationID, err := ParseMember(m)
		if err != nil {
			return nil, err
		}
		sec := int64(z.Score)
		micros := int64((z.Score-float64(sec))*1e6 + 0.5)
		entries = append(entries, Entry{
			Processor:     p,
			CorrelationID: correlationID,
			Amount:        amount,
			ProcessedAt:   time.Unix(sec, micros*int64(time.Microsecond)).UTC(),
		})
	}
	return entries, nil
}

// Purge removes both ledgers and every structured record.
func (r *RedisPaymentRepository) Purge(ctx context.Context) error {
	keys := make([]string, 0, len(payment.Processors))
	for _, p := range payment.Processors {
		keys = append(keys, LedgerKey(p))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to purge ledgers: %w", err)
	}

	iter := r.client.Scan(ctx, 0, recordPrefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("failed to purge payment records: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan payment records: %w", err)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("failed to purge payment records: %w", err)
		}
	}
	return nil
}
