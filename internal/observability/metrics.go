// File: internal/observability/metrics.go
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates the Prometheus instruments for the automation pipeline.
// A nil *Collector is valid: every Record method is a no-op on it, so components
// can be constructed without metrics in tests.
type Collector struct {
	// Interaction cascade.
	interactionsTotal   *prometheus.CounterVec
	interactionDuration *prometheus.HistogramVec

	// State validation.
	validationsTotal     *prometheus.CounterVec
	validationConfidence *prometheus.HistogramVec

	// Context synchronization.
	syncOpsTotal *prometheus.CounterVec
	desyncsTotal *prometheus.CounterVec

	// Workflow engine.
	workflowsTotal     *prometheus.CounterVec
	workflowDuration   *prometheus.HistogramVec
	workflowStepsTotal *prometheus.CounterVec

	// LLM calls.
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec

	// HTTP API.
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers the pipeline metrics with reg and returns the collector.
func NewCollector(reg prometheus.Registerer, logger *zap.Logger) *Collector {
	const namespace = "webpilot"
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.Named("Metrics"),
	}

	c.interactionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interactions_total",
			Help:      "Total number of element interactions by cascade tier",
		},
		[]string{"action", "tier", "status"},
	)

	c.interactionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "interaction_duration_seconds",
			Help:      "Element interaction duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"action"},
	)

	c.validationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validations_total",
			Help:      "Total number of state validations",
		},
		[]string{"source", "status"},
	)

	c.validationConfidence = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "validation_confidence",
			Help:      "Confidence reported by state validations",
			Buckets:   []float64{0.0, 0.1, 0.3, 0.5, 0.7, 0.9, 1.0},
		},
		[]string{"source"},
	)

	c.syncOpsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_sync_operations_total",
			Help:      "Total number of context store operations",
		},
		[]string{"operation", "target", "status"},
	)

	c.desyncsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_desyncs_total",
			Help:      "Total number of detected context desynchronizations",
		},
		[]string{"reason"},
	)

	c.workflowsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Total number of executed workflows",
		},
		[]string{"status"},
	)

	c.workflowDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	c.workflowStepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_steps_total",
			Help:      "Total number of executed workflow steps",
		},
		[]string{"action", "status"},
	)

	c.llmRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "model", "status"},
	)

	c.llmRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.logger.Debug("Metrics collector initialized.")
	return c
}

// RecordInteraction records one cascade interaction outcome.
func (c *Collector) RecordInteraction(action, tier string, success bool, duration time.Duration) {
	if c == nil {
		return
	}
	c.interactionsTotal.WithLabelValues(action, tier, statusLabel(success)).Inc()
	c.interactionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordValidation records a state validation and its confidence.
// Source names the judgment path, e.g. "llm" or "heuristic".
func (c *Collector) RecordValidation(source string, success bool, confidence float64) {
	if c == nil {
		return
	}
	c.validationsTotal.WithLabelValues(source, statusLabel(success)).Inc()
	c.validationConfidence.WithLabelValues(source).Observe(confidence)
}

// RecordSyncOp records a context store operation against a target ("local" or "remote").
func (c *Collector) RecordSyncOp(operation, target string, err error) {
	if c == nil {
		return
	}
	c.syncOpsTotal.WithLabelValues(operation, target, statusLabel(err == nil)).Inc()
}

// RecordDesync records one detected desynchronization with its reason.
func (c *Collector) RecordDesync(reason string) {
	if c == nil {
		return
	}
	c.desyncsTotal.WithLabelValues(reason).Inc()
}

// RecordWorkflow records a finished workflow run.
func (c *Collector) RecordWorkflow(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.workflowsTotal.WithLabelValues(status).Inc()
	c.workflowDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordWorkflowStep records a single executed workflow step.
func (c *Collector) RecordWorkflowStep(action string, success bool) {
	if c == nil {
		return
	}
	c.workflowStepsTotal.WithLabelValues(action, statusLabel(success)).Inc()
}

// RecordLLMRequest records an LLM call.
func (c *Collector) RecordLLMRequest(provider, model string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(provider, model, statusLabel(err == nil)).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordHTTPRequest records a served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// statusClass collapses an HTTP status code into its class ("2xx", "4xx", ...).
func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
