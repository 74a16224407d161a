package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application collectors; the default registry is not used.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shopchat",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shopchat",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shopchat",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shopchat",
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Currently registered WebSocket connections.",
		},
	)

	wsEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shopchat",
			Subsystem: "ws",
			Name:      "heartbeat_evictions_total",
			Help:      "Connections closed by the heartbeat loop.",
		},
	)

	llmStreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shopchat",
			Subsystem: "llm",
			Name:      "stream_duration_seconds",
			Help:      "Duration of LLM replies relayed to clients.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"provider", "status"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		wsConnections,
		wsEvictions,
		llmStreamDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request count and latency. The matched route pattern
// is used as the path label to keep cardinality bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		httpInFlight.Inc()
		c.Next()
		httpInFlight.Dec()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func WSConnected()    { wsConnections.Inc() }
func WSDisconnected() { wsConnections.Dec() }

func HeartbeatEvicted() { wsEvictions.Inc() }

// ObserveLLMStream records one relayed reply.
func ObserveLLMStream(provider string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	llmStreamDuration.WithLabelValues(provider, status).Observe(d.Seconds())
}
