package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relaygate/gateway/internal/models"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status", "group"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"group"},
	)

	llmTokenUsage = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_llm_token_usage_total",
			Help: "Total number of LLM tokens processed",
		},
		[]string{"group", "type"},
	)

	llmTTFT = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_llm_ttft_seconds",
			Help:    "Time To First Token latency in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"group"},
	)
)

// MetricsMiddleware records per-request counters and latency histograms,
// grouped by the requested model/group name rather than by tenant id since
// this gateway has no tenant concept — group is set by gatewayapi handlers
// once the model/group has been resolved.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		group := "unknown"
		if val, exists := c.Get("group"); exists {
			if g, ok := val.(string); ok {
				group = g
			}
		}

		httpRequestsTotal.WithLabelValues(method, status, group).Inc()
		httpRequestDuration.WithLabelValues(group).Observe(duration)
	}
}

// RecordTokenUsage allows gatewayapi/proxy to record token metrics once a
// response's usage is known.
func RecordTokenUsage(group string, inputTokens, outputTokens int) {
	llmTokenUsage.WithLabelValues(group, "input").Add(float64(inputTokens))
	llmTokenUsage.WithLabelValues(group, "output").Add(float64(outputTokens))
}

// RecordTTFT records the Time To First Token for a streaming response.
func RecordTTFT(group string, durationSeconds float64) {
	llmTTFT.WithLabelValues(group).Observe(durationSeconds)
}

// apiKeyFromContext is a small helper shared by gatewayapi handlers and
// tests that need the authenticated key stashed by AuthMiddleware.
func apiKeyFromContext(c *gin.Context) (models.ApiKey, bool) {
	val, exists := c.Get("api_key")
	if !exists {
		return models.ApiKey{}, false
	}
	key, ok := val.(models.ApiKey)
	return key, ok
}
