// Package metrics provides Prometheus instrumentation for the PeaceLink platform.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peacelink",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peacelink",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SettlementsTotal counts settlement transitions by operation and result.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peacelink",
			Name:      "settlements_total",
			Help:      "Settlement operations by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// CancellationsTotal counts cancellations by initiating party.
	CancellationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peacelink",
			Name:      "cancellations_total",
			Help:      "Cancellations by initiating party.",
		},
		[]string{"party"},
	)

	// CashoutsTotal counts cashout requests by outcome.
	CashoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peacelink",
			Name:      "cashouts_total",
			Help:      "Cashout requests by outcome.",
		},
		[]string{"outcome"},
	)

	// LedgerEntriesTotal counts ledger entries by type.
	LedgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peacelink",
			Name:      "ledger_entries_total",
			Help:      "Ledger entries appended by entry type.",
		},
		[]string{"type"},
	)

	// PlatformProfit tracks the running profit account balance in EGP.
	PlatformProfit = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peacelink",
			Name:      "platform_profit_egp",
			Help:      "Current platform profit account balance.",
		},
	)

	// ActiveHolds tracks SPH holds currently active.
	ActiveHolds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peacelink",
			Name:      "active_sph_holds",
			Help:      "Number of SPH holds currently active.",
		},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry.
// Idempotent so tests can construct servers freely.
func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SettlementsTotal,
		CancellationsTotal,
		CashoutsTotal,
		LedgerEntriesTotal,
		PlatformProfit,
		ActiveHolds,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
