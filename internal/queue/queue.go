package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"rinha-payment-pipeline/internal/payment"
)

// DefaultKey is the Redis list shared by every producer and worker.
const DefaultKey = "payment_queue"

// DecodeError is returned by Pop when an item could not be decoded. The item
// has already been removed from the list.
type DecodeError struct {
	Raw string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode queue item: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Queue is a FIFO of payment requests: producers LPUSH, consumers BRPOP.
type Queue struct {
	client redis.Cmdable
	key    string
}

func New(client redis.Cmdable) *Queue {
	return &Queue{client: client, key: DefaultKey}
}

// Push appends req to the tail of the queue.
func (q *Queue) Push(ctx context.Context, req payment.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode payment %s: %w", req.CorrelationID, err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue payment %s: %w", req.CorrelationID, err)
	}
	return nil
}

// Pop blocks up to timeout for the next request. It returns (nil, nil) when
// the timeout elapses with the queue empty.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*payment.Request, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s: %w", q.key, err)
	}

	// res[0] is the list name.
	raw := res[1]
	var req payment.Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, &DecodeError{Raw: raw, Err: err}
	}
	return &req, nil
}

// Len reports the number of pending items.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read length of %s: %w", q.key, err)
	}
	return n, nil
}

// Clear drops every pending item.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.client.Del(ctx, q.key).Err(); err != nil {
		return fmt.Errorf("failed to clear %s: %w", q.key, err)
	}
	return nil
}
