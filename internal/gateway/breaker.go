package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"rinha-payment-pipeline/internal/metrics"
	"rinha-payment-pipeline/internal/payment"
)

// ErrNoProcessorAvailable is returned by Select when no processor is UP and
// none is due for a half-open attempt.
var ErrNoProcessorAvailable = errors.New("no payment processor available")

type Status int

const (
	StatusUnknown Status = iota
	StatusUp
	StatusDown
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "UP"
	case StatusDown:
		return "DOWN"
	default:
		return "UNKNOWN"
	}
}

// Health is the tracked state of one processor.
type Health struct {
	Status              Status        `json:"status"`
	LastChecked         time.Time     `json:"lastChecked"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	MinResponseTime     time.Duration `json:"minResponseTime"`
}

type BreakerConfig struct {
	// FailureThreshold consecutive failures force a processor DOWN.
	FailureThreshold int
	// Cooldown is how long a DOWN processor waits, since its last check,
	// before it is offered a half-open attempt.
	Cooldown time.Duration
}

// Breaker owns the health of both processors. The prober and the workers'
// failure reports are its only writers; Select is evaluated per attempt.
type Breaker struct {
	mu     sync.RWMutex
	health map[payment.Processor]*Health
	config BreakerConfig
	now    func() time.Time
	log    logr.Logger
}

func NewBreaker(config BreakerConfig, log logr.Logger) *Breaker {
	return &Breaker{
		health: map[payment.Processor]*Health{
			payment.ProcessorDefault:  {Status: StatusUnknown},
			payment.ProcessorFallback: {Status: StatusUnknown},
		},
		config: config,
		now:    time.Now,
		log:    log.WithName("breaker"),
	}
}

// Select picks the processor for the next attempt: default if UP, else
// fallback if UP, else the first processor whose cooldown has elapsed.
func (b *Breaker) Select() (payment.Processor, error) {
	b.mu.RLock()
	for _, p := range payment.Processors {
		if b.health[p].Status == StatusUp {
			b.mu.RUnlock()
			return p, nil
		}
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for _, p := range payment.Processors {
		h := b.health[p]
		// Re-check under the write lock; a probe may have landed meanwhile.
		if h.Status == StatusUp {
			return p, nil
		}
		if now.Sub(h.LastChecked) >= b.config.Cooldown {
			// One half-open attempt per cooldown window.
			h.LastChecked = now
			b.log.V(1).Info("CIRCUIT_BREAKER_HALF_OPEN", "processor", p, "status", h.Status.String())
			return p, nil
		}
	}
	return "", ErrNoProcessorAvailable
}

// ReportFailure records a failed attempt against p.
func (b *Breaker) ReportFailure(p payment.Processor) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.health[p]
	if !ok {
		return
	}
	h.ConsecutiveFailures++
	if h.ConsecutiveFailures >= b.config.FailureThreshold {
		if h.Status != StatusDown {
			b.log.Info("CIRCUIT_BREAKER_OPENED", "processor", p, "failures", h.ConsecutiveFailures, "threshold", b.config.FailureThreshold)
			metrics.SetProcessorUp(p.String(), false)
		}
		h.Status = StatusDown
		h.LastChecked = b.now()
	}
}

// ReportSuccess records an accepted payment on p.
func (b *Breaker) ReportSuccess(p payment.Processor) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.health[p]
	if !ok {
		return
	}
	if h.Status != StatusUp {
		b.log.Info("CIRCUIT_BREAKER_CLOSED", "processor", p, "from", h.Status.String())
		metrics.SetProcessorUp(p.String(), true)
	}
	h.Status = StatusUp
	h.ConsecutiveFailures = 0
	h.LastChecked = b.now()
}

// Observe applies a health probe result.
func (b *Breaker) Observe(p payment.Processor, up bool, minResponseTime time.Duration, checkedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.health[p]
	if !ok {
		return
	}
	old := h.Status
	if up {
		h.Status = StatusUp
		h.ConsecutiveFailures = 0
	} else {
		h.Status = StatusDown
	}
	h.MinResponseTime = minResponseTime
	h.LastChecked = checkedAt
	metrics.SetProcessorUp(p.String(), up)

	if old != h.Status {
		b.log.Info("GATEWAY_STATE_CHANGE", "processor", p, "from", old.String(), "to", h.Status.String())
	}
}

// Snapshot returns a copy of the current health of every processor.
func (b *Breaker) Snapshot() map[payment.Processor]Health {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[payment.Processor]Health, len(b.health))
	for p, h := range b.health {
		out[p] = *h
	}
	return out
}
