package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the service's private Prometheus registry.
type Metrics struct {
	registry           *prometheus.Registry
	invocationsTotal   *prometheus.CounterVec
	deploymentsTotal   prometheus.Counter
	transfersTotal     *prometheus.CounterVec
	tokenRetriesTotal  *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	dlqDepth           prometheus.Gauge
}

func NewMetrics() *Metrics {
	invocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fairpay_invocations_total",
		Help: "Contract invocations by entry point and outcome",
	}, []string{"entrypoint", "status"})

	deployments := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fairpay_deployments_total",
		Help: "Contract instances deployed",
	})

	transfers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fairpay_token_transfers_total",
		Help: "Token transfers committed by invocations",
	}, []string{"entrypoint"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fairpay_token_retry_attempts_total",
		Help: "Retry attempts for on-chain token transfers",
	}, []string{"result"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fairpay_invocation_duration_seconds",
		Help:    "Wall time spent inside the host per invocation",
		Buckets: prometheus.DefBuckets,
	}, []string{"entrypoint"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fairpay_dlq_depth",
		Help: "Number of failed invocations waiting in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(invocations, deployments, transfers, retries, duration, dlq)

	return &Metrics{
		registry:           r,
		invocationsTotal:   invocations,
		deploymentsTotal:   deployments,
		transfersTotal:     transfers,
		tokenRetriesTotal:  retries,
		invocationDuration: duration,
		dlqDepth:           dlq,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) incInvocation(entrypoint, status string) {
	m.invocationsTotal.WithLabelValues(entrypoint, status).Inc()
}

func (m *Metrics) incDeployment() {
	m.deploymentsTotal.Inc()
}

func (m *Metrics) addTransfers(entrypoint string, n int) {
	m.transfersTotal.WithLabelValues(entrypoint).Add(float64(n))
}

func (m *Metrics) observeDuration(entrypoint string, seconds float64) {
	m.invocationDuration.WithLabelValues(entrypoint).Observe(seconds)
}

// IncTokenRetry is wired to the chain token provider's retry hook.
func (m *Metrics) IncTokenRetry(result string) {
	m.tokenRetriesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
