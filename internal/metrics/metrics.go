package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rinha"

var (
	admissionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Count of payment submissions by admission result.",
		},
		[]string{"result"},
	)
	attemptCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processor_attempts_total",
			Help:      "Count of payment submissions sent to a processor, by outcome.",
		},
		[]string{"processor", "outcome"},
	)
	requeueCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requeued_total",
			Help:      "Count of payments pushed back onto the queue after a failed attempt.",
		},
	)
	dropCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Count of payments dropped without being ledgered, by reason.",
		},
		[]string{"reason"},
	)
	ledgerCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_records_total",
			Help:      "Count of ledger writes by processor and result.",
		},
		[]string{"processor", "result"},
	)
	ledgerFailureCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_write_failures_total",
			Help:      "Count of ledger writes that failed after the processor accepted the payment.",
		},
		[]string{"processor"},
	)
	probeCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Count of processor health probes by result.",
		},
		[]string{"processor", "result"},
	)
	healthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processor_up",
			Help:      "1 when the processor is considered UP, 0 otherwise.",
		},
		[]string{"processor"},
	)
)

var registerMetrics sync.Once

// Register all metrics on the default registry.
func Register() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(
			admissionCounter,
			attemptCounter,
			requeueCounter,
			dropCounter,
			ledgerCounter,
			ledgerFailureCounter,
			probeCounter,
			healthGauge,
		)
	})
}

func RecordAdmission(result string) {
	admissionCounter.WithLabelValues(result).Inc()
}

func RecordAttempt(processor, outcome string) {
	attemptCounter.WithLabelValues(processor, outcome).Inc()
}

func RecordRequeue() {
	requeueCounter.Inc()
}

func RecordDrop(reason string) {
	dropCounter.WithLabelValues(reason).Inc()
}

func RecordLedger(processor, result string) {
	ledgerCounter.WithLabelValues(processor, result).Inc()
}

// RecordLedgerFailure counts an accounting gap an operator has to reconcile.
func RecordLedgerFailure(processor string) {
	ledgerFailureCounter.WithLabelValues(processor).Inc()
}

func RecordProbe(processor, result string) {
	probeCounter.WithLabelValues(processor, result).Inc()
}

func SetProcessorUp(processor string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	healthGauge.WithLabelValues(processor).Set(v)
}
