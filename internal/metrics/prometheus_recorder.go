package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once             sync.Once
	registry         *prom.Registry
	stateGauge       *prom.GaugeVec
	transitions      *prom.CounterVec
	retries          *prom.CounterVec
	retriesExhausted *prom.CounterVec
	updateDuration   *prom.HistogramVec
	updateResults    *prom.CounterVec
	httpDuration     *prom.HistogramVec
	httpRequests     *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the engine metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{registry: reg}
	pr.once.Do(func() {
		pr.stateGauge = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "hell",
			Name:      "daemons_in_state",
			Help:      "Number of daemons currently in each lifecycle state",
		}, []string{"state"})
		pr.transitions = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "hell",
			Name:      "daemon_transitions_total",
			Help:      "Daemon state transitions by edge",
		}, []string{"from", "to"})
		pr.retries = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "hell",
			Name:      "operation_retries_total",
			Help:      "Retries of lifecycle operations (transient failures)",
		}, []string{"operation"})
		pr.retriesExhausted = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "hell",
			Name:      "operation_retry_exhausted_total",
			Help:      "Operations whose retry budget was exhausted",
		}, []string{"operation"})
		pr.updateDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "hell",
			Name:      "update_duration_seconds",
			Help:      "Duration of update jobs by source",
			Buckets:   prom.DefBuckets,
		}, []string{"source", "result"})
		pr.updateResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "hell",
			Name:      "update_results_total",
			Help:      "Update job outcomes by source",
		}, []string{"source", "result"})
		pr.httpDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "hell",
			Name:      "http_request_duration_seconds",
			Help:      "API request latency",
			Buckets:   prom.DefBuckets,
		}, []string{"method", "path"})
		pr.httpRequests = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "hell",
			Name:      "http_requests_total",
			Help:      "API requests by method, path, and status",
		}, []string{"method", "path", "status"})
		reg.MustRegister(pr.stateGauge, pr.transitions, pr.retries, pr.retriesExhausted,
			pr.updateDuration, pr.updateResults, pr.httpDuration, pr.httpRequests)
	})
	return pr
}

// Handler returns the exposition endpoint for this recorder's registry.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (p *PrometheusRecorder) SetStateCount(state string, n int) {
	if p == nil || p.stateGauge == nil {
		return
	}
	p.stateGauge.WithLabelValues(state).Set(float64(n))
}

func (p *PrometheusRecorder) IncTransition(from, to string) {
	if p == nil || p.transitions == nil {
		return
	}
	p.transitions.WithLabelValues(from, to).Inc()
}

func (p *PrometheusRecorder) IncRetry(op string) {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.WithLabelValues(op).Inc()
}

func (p *PrometheusRecorder) IncRetryExhausted(op string) {
	if p == nil || p.retriesExhausted == nil {
		return
	}
	p.retriesExhausted.WithLabelValues(op).Inc()
}

func (p *PrometheusRecorder) ObserveUpdate(source string, d time.Duration, failed bool) {
	if p == nil || p.updateDuration == nil {
		return
	}
	result := "success"
	if failed {
		result = "failed"
	}
	p.updateDuration.WithLabelValues(source, result).Observe(d.Seconds())
	p.updateResults.WithLabelValues(source, result).Inc()
}

func (p *PrometheusRecorder) ObserveHTTPRequest(method, path string, status int, d time.Duration) {
	if p == nil || p.httpRequests == nil {
		return
	}
	p.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
	p.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
