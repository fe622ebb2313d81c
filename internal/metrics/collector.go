// Package metrics provides the gateway's Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// Collector holds every Prometheus series the gateway exports.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	admissionsTotal *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec

	rpmCurrent *prometheus.GaugeVec
	tpmCurrent *prometheus.GaugeVec
	rpdCurrent *prometheus.GaugeVec
}

// NewCollector registers and returns the gateway's metrics collector under
// the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by the gateway",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.admissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Total number of Governor admission decisions",
		},
		[]string{"provider", "result"}, // result: accepted, rpm, tpm, rpd, tpr, error_limited
	)

	c.errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total number of upstream failures recorded against a provider",
		},
		[]string{"provider"},
	)

	c.rpmCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpm_current",
			Help:      "Current requests-per-minute window size per provider",
		},
		[]string{"provider"},
	)

	c.tpmCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tpm_current",
			Help:      "Current tokens-per-minute window sum per provider",
		},
		[]string{"provider"},
	)

	c.rpdCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpd_current",
			Help:      "Current requests-per-day count per provider",
		},
		[]string{"provider"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one inbound HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAdmission records one Governor admission decision.
func (c *Collector) RecordAdmission(provider, result string) {
	c.admissionsTotal.WithLabelValues(provider, result).Inc()
}

// RecordUpstreamError records one upstream failure against provider.
func (c *Collector) RecordUpstreamError(provider string) {
	c.errorsTotal.WithLabelValues(provider).Inc()
}

// SetProviderUsage publishes a provider's current window sizes, called
// periodically from a Governor snapshot.
func (c *Collector) SetProviderUsage(provider string, rpm, tpm, rpd int) {
	c.rpmCurrent.WithLabelValues(provider).Set(float64(rpm))
	c.tpmCurrent.WithLabelValues(provider).Set(float64(tpm))
	c.rpdCurrent.WithLabelValues(provider).Set(float64(rpd))
}

// UpstreamErrorCount returns the current upstream_errors_total value for
// provider, for tests and admin diagnostics outside this package.
func (c *Collector) UpstreamErrorCount(provider string) float64 {
	var m dto.Metric
	if err := c.errorsTotal.WithLabelValues(provider).Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func statusCode(code int) string {
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
