package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"rinha-payment-pipeline/internal/cache"
	"rinha-payment-pipeline/internal/metrics"
	"rinha-payment-pipeline/internal/payment"
)

// HealthChecker calls a processor's health endpoint.
type HealthChecker interface {
	Health(ctx context.Context, p payment.Processor) (*payment.HealthResponse, error)
}

// HealthStore shares probe results between instances.
type HealthStore interface {
	TryLead(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	Publish(ctx context.Context, statuses []cache.ProcessorStatus) error
	Read(ctx context.Context) ([]cache.ProcessorStatus, error)
}

type ProberConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	// Owner identifies this instance in the probe lock.
	Owner string
}

// Prober periodically refreshes the breaker from the processors' health
// endpoints. With a store, only the instance holding the probe lock calls
// the processors; the others adopt what it published.
type Prober struct {
	checker HealthChecker
	store   HealthStore
	breaker *Breaker
	config  ProberConfig
	now     func() time.Time
	log     logr.Logger
}

// NewProber builds a prober. store may be nil, in which case every round
// probes the processors directly.
func NewProber(checker HealthChecker, store HealthStore, breaker *Breaker, config ProberConfig, log logr.Logger) *Prober {
	return &Prober{
		checker: checker,
		store:   store,
		breaker: breaker,
		config:  config,
		now:     time.Now,
		log:     log.WithName("prober"),
	}
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.log.Info("HEALTH_CHECKER_STARTED", "interval", p.config.Interval.String())
	p.Round(ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("HEALTH_CHECKER_STOPPED")
			return
		case <-ticker.C:
			p.Round(ctx)
		}
	}
}

// Round runs a single probe cycle.
func (p *Prober) Round(ctx context.Context) {
	if p.store == nil {
		p.apply(p.probeAll(ctx))
		return
	}

	lead, err := p.store.TryLead(ctx, p.config.Owner, p.config.Interval)
	if err != nil {
		// Without the store there is nobody to follow; probe locally.
		p.log.Error(err, "HEALTH_LOCK_FAILED")
		p.apply(p.probeAll(ctx))
		return
	}

	if lead {
		statuses := p.probeAll(ctx)
		p.apply(statuses)
		if err := p.store.Publish(ctx, statuses); err != nil {
			p.log.Error(err, "HEALTH_PUBLISH_FAILED")
		}
		return
	}

	statuses, err := p.store.Read(ctx)
	if err != nil {
		p.log.Error(err, "HEALTH_READ_FAILED")
		return
	}
	p.apply(statuses)
}

func (p *Prober) apply(statuses []cache.ProcessorStatus) {
	for _, st := range statuses {
		p.breaker.Observe(st.Processor, st.Up, time.Duration(st.MinResponseTime)*time.Millisecond, st.CheckedAt)
	}
}

// probeAll checks both processors in parallel. Rate-limited processors are
// left out so their previous status stands.
func (p *Prober) probeAll(ctx context.Context) []cache.ProcessorStatus {
	results := make([]*cache.ProcessorStatus, len(payment.Processors))

	var wg sync.WaitGroup
	for i, proc := range payment.Processors {
		wg.Add(1)
		go func(i int, proc payment.Processor) {
			defer wg.Done()
			results[i] = p.probe(ctx, proc)
		}(i, proc)
	}
	wg.Wait()

	statuses := make([]cache.ProcessorStatus, 0, len(results))
	for _, st := range results {
		if st != nil {
			statuses = append(statuses, *st)
		}
	}
	return statuses
}

func (p *Prober) probe(ctx context.Context, proc payment.Processor) *cache.ProcessorStatus {
	reqCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	health, err := p.checker.Health(reqCtx, proc)
	checkedAt := p.now()

	switch {
	case errors.Is(err, payment.ErrRateLimited):
		p.log.V(1).Info("HEALTH_CHECK_RATE_LIMITED", "processor", proc)
		metrics.RecordProbe(proc.String(), "rate_limited")
		return nil
	case err != nil:
		p.log.V(1).Info("HEALTH_CHECK_FAILED", "processor", proc, "error", err.Error())
		metrics.RecordProbe(proc.String(), "down")
		return &cache.ProcessorStatus{Processor: proc, Up: false, CheckedAt: checkedAt}
	case health.Failing:
		metrics.RecordProbe(proc.String(), "failing")
		return &cache.ProcessorStatus{Processor: proc, Up: false, MinResponseTime: health.MinResponseTime, CheckedAt: checkedAt}
	default:
		metrics.RecordProbe(proc.String(), "up")
		return &cache.ProcessorStatus{Processor: proc, Up: true, MinResponseTime: health.MinResponseTime, CheckedAt: checkedAt}
	}
}
