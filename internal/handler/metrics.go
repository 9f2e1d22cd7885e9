package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/freshledger/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freshledger_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "freshledger_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	blocksSealedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freshledger_blocks_sealed_total",
		Help: "Total ledger blocks sealed by namespace.",
	}, []string{"namespace"})

	chainLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "freshledger_chain_length",
		Help: "Number of blocks in the ledger chain, genesis included, by namespace.",
	}, []string{"namespace"})

	storeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freshledger_store_failures_total",
		Help: "Total ledger operations that failed on the block store, by namespace.",
	}, []string{"namespace"})

	itemEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freshledger_item_events_total",
		Help: "Total recorded item lifecycle events by kind and action.",
	}, []string{"kind", "action"})

	chainAuditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freshledger_chain_audits_total",
		Help: "Total periodic chain verifications by result.",
	}, []string{"result"})

	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freshledger_webhook_deliveries_total",
		Help: "Total webhook delivery attempts by result.",
	}, []string{"status"})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "freshledger_health_checks_total",
		Help: "Total health check probes by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordBlockSealed is a ledger.SealHook that counts sealed blocks and tracks
// the chain length of their namespace.
func RecordBlockSealed(_ context.Context, namespace string, b *ledger.Block) error {
	blocksSealedTotal.WithLabelValues(namespace).Inc()
	chainLength.WithLabelValues(namespace).Set(float64(b.Index + 1))
	return nil
}

// SetChainLength sets the chain length gauge for a namespace.
func SetChainLength(namespace string, n int) {
	chainLength.WithLabelValues(namespace).Set(float64(n))
}

// RecordStoreFailure records a ledger operation that failed on the block store.
func RecordStoreFailure(namespace string) {
	storeFailuresTotal.WithLabelValues(namespace).Inc()
}

// RecordItemEvent records an item lifecycle event.
func RecordItemEvent(kind, action string) {
	itemEventsTotal.WithLabelValues(kind, action).Inc()
}

// RecordHealthCheck records a health check probe result.
func RecordHealthCheck(success bool) {
	healthChecksTotal.WithLabelValues(result(success)).Inc()
}

// RecordChainAudit records a periodic chain verification result.
func RecordChainAudit(success bool) {
	chainAuditsTotal.WithLabelValues(result(success)).Inc()
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	webhookDeliveriesTotal.WithLabelValues(result(success)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
