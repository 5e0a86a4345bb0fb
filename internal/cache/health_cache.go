package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"rinha-payment-pipeline/internal/payment"
)

const (
	KeyBestProcessor = "best-host-processor"
	KeyProbeLock     = "health_probe_lock"

	processorHealthPrefix = "processor_health:"
)

// ProcessorStatus is the probe result shared between instances.
type ProcessorStatus struct {
	Processor       payment.Processor `json:"processor"`
	Up              bool              `json:"up"`
	MinResponseTime int               `json:"minResponseTime"`
	CheckedAt       time.Time         `json:"checkedAt"`
}

// HealthCache publishes processor health so that only one instance has to
// call the rate-limited health endpoints.
type HealthCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewHealthCache(client redis.Cmdable, ttl time.Duration) *HealthCache {
	return &HealthCache{client: client, ttl: ttl}
}

// TryLead takes the probe lock for ttl. It reports whether this caller is
// the one that should probe this round.
func (h *HealthCache) TryLead(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	ok, err := h.client.SetNX(ctx, KeyProbeLock, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to take probe lock: %w", err)
	}
	return ok, nil
}

// Publish stores one status per processor and the preferred processor
// (1 = default, 2 = fallback). The preferred key is removed when neither
// processor is up.
func (h *HealthCache) Publish(ctx context.Context, statuses []ProcessorStatus) error {
	pipe := h.client.TxPipeline()

	var defaultUp, fallbackUp bool
	for _, st := range statuses {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("failed to encode status of %s: %w", st.Processor, err)
		}
		pipe.Set(ctx, processorHealthPrefix+st.Processor.String(), data, h.ttl)

		switch st.Processor {
		case payment.ProcessorDefault:
			defaultUp = st.Up
		case payment.ProcessorFallback:
			fallbackUp = st.Up
		}
	}

	switch {
	case defaultUp:
		pipe.Set(ctx, KeyBestProcessor, "1", h.ttl)
	case fallbackUp:
		pipe.Set(ctx, KeyBestProcessor, "2", h.ttl)
	default:
		pipe.Del(ctx, KeyBestProcessor)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish processor health: %w", err)
	}
	return nil
}

// Read returns the published statuses. Processors with no live entry are
// left out.
func (h *HealthCache) Read(ctx context.Context) ([]ProcessorStatus, error) {
	keys := make([]string, len(payment.Processors))
	for i, p := range payment.Processors {
		keys[i] = processorHealthPrefix + p.String()
	}

	values, err := h.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read processor health: %w", err)
	}

	statuses := make([]ProcessorStatus, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var st ProcessorStatus
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, fmt.Errorf("failed to decode processor health: %w", err)
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// BestProcessor returns the published preferred processor, or "" when none is.
func (h *HealthCache) BestProcessor(ctx context.Context) (payment.Processor, error) {
	v, err := h.client.Get(ctx, KeyBestProcessor).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read best processor: %w", err)
	}
	switch v {
	case "1":
		return payment.ProcessorDefault, nil
	case "2":
		return payment.ProcessorFallback, nil
	default:
		return "", fmt.Errorf("unexpected best processor value %q", v)
	}
}
