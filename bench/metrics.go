package bench

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus metrics for the execution core, all
// namespaced with "biasbench_".
//
// Exposed series:
//
//  1. llm_calls_total (counter): LLM attempts by outcome.
//     Labels: model, outcome (ok, parse_error, out_of_range,
//     transport_error, schema_error).
//
//  2. llm_latency_seconds (histogram): generation wall time.
//     Labels: model.
//
//  3. results_persisted_total (counter): accepted result rows.
//
//  4. persist_batch_seconds (histogram): batch write duration.
//
//  5. retries_total (counter): work items re-enqueued after a failed
//     attempt. Labels: kind.
//
//  6. runs_inflight (gauge): benchmark runs currently executing.
//
//  7. tasks_total (counter): queue tasks by terminal status.
//     Labels: type, status (completed, failed, cancelled).
//
// All methods are nil-safe; a nil *Metrics records nothing, so wiring
// metrics stays optional for tests and one-off scripts.
type Metrics struct {
	llmCalls     *prometheus.CounterVec
	llmLatency   *prometheus.HistogramVec
	persisted    prometheus.Counter
	persistBatch prometheus.Histogram
	retries      *prometheus.CounterVec
	runsInflight prometheus.Gauge
	tasks        *prometheus.CounterVec
}

// NewMetrics creates and registers the metric set. Pass
// prometheus.DefaultRegisterer for the global registry or a private
// registry for isolation in tests.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		llmCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "biasbench",
			Name:      "llm_calls_total",
			Help:      "LLM generation attempts by outcome",
		}, []string{"model", "outcome"}),
		llmLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "biasbench",
			Name:      "llm_latency_seconds",
			Help:      "Generation wall time per LLM call",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"model"}),
		persisted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "biasbench",
			Name:      "results_persisted_total",
			Help:      "Result rows accepted by the store",
		}),
		persistBatch: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "biasbench",
			Name:      "persist_batch_seconds",
			Help:      "Duration of result batch writes",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "biasbench",
			Name:      "retries_total",
			Help:      "Work items re-enqueued after a failed attempt",
		}, []string{"kind"}),
		runsInflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "biasbench",
			Name:      "runs_inflight",
			Help:      "Benchmark runs currently executing",
		}),
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "biasbench",
			Name:      "tasks_total",
			Help:      "Queue tasks by terminal status",
		}, []string{"type", "status"}),
	}
}

// RecordCall records one LLM attempt.
func (m *Metrics) RecordCall(model, outcome string, genTime time.Duration) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(model, outcome).Inc()
	m.llmLatency.WithLabelValues(model).Observe(genTime.Seconds())
}

// RecordPersist records one batch write of accepted rows.
func (m *Metrics) RecordPersist(accepted int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.persisted.Add(float64(accepted))
	m.persistBatch.Observe(elapsed.Seconds())
}

// RecordRetry records one re-enqueued work item.
func (m *Metrics) RecordRetry(kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(kind).Inc()
}

// RunStarted and RunFinished track the in-flight run gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsInflight.Inc()
}

func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.runsInflight.Dec()
}

// RecordTask records a task reaching a terminal status.
func (m *Metrics) RecordTask(taskType, status string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(taskType, status).Inc()
}
