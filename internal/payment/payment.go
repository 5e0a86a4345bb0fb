package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Processor identifies one of the two upstream payment processors.
type Processor string

const (
	ProcessorDefault  Processor = "default"
	ProcessorFallback Processor = "fallback"
)

// Processors lists the processors in order of preference.
var Processors = []Processor{ProcessorDefault, ProcessorFallback}

func (p Processor) Valid() bool {
	return p == ProcessorDefault || p == ProcessorFallback
}

func (p Processor) String() string {
	return string(p)
}

// Request is a unit of work on the payment queue.
type Request struct {
	CorrelationID string          `json:"correlationId"`
	Amount        decimal.Decimal `json:"amount"`
	RequestedAt   time.Time       `json:"requestedAt"`
	RetryCount    int             `json:"retryCount"`
	LockToken     string          `json:"lockToken"`
}

// ProcessorPayload is the body sent to POST {processor}/payments.
type ProcessorPayload struct {
	CorrelationID string  `json:"correlationId"`
	Amount        float64 `json:"amount"`
	RequestedAt   string  `json:"requestedAt"`
}

// TimestampLayout is ISO-8601 UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// NewProcessorPayload stamps req with a fresh attempt time.
func NewProcessorPayload(req Request, attemptedAt time.Time) ProcessorPayload {
	return ProcessorPayload{
		CorrelationID: req.CorrelationID,
		Amount:        req.Amount.InexactFloat64(),
		RequestedAt:   attemptedAt.UTC().Format(TimestampLayout),
	}
}

// HealthResponse is returned by GET {processor}/payments/service-health.
type HealthResponse struct {
	Failing         bool `json:"failing"`
	MinResponseTime int  `json:"minResponseTime"`
}

// ProcessorSummary is the per-processor aggregate used by the summary endpoints.
type ProcessorSummary struct {
	TotalRequests int64   `json:"totalRequests"`
	TotalAmount   float64 `json:"totalAmount"`
}

// Summary is the response of GET /payments-summary.
type Summary struct {
	Default  ProcessorSummary `json:"default"`
	Fallback ProcessorSummary `json:"fallback"`
}

// For returns the summary of processor p.
func (s Summary) For(p Processor) ProcessorSummary {
	if p == ProcessorFallback {
		return s.Fallback
	}
	return s.Default
}
