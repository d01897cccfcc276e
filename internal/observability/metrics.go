package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imaged",
			Subsystem: "transport",
			Name:      "connect_total",
			Help:      "Connection attempts by outcome stage.",
		},
		[]string{"stage"},
	)
	transportBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imaged",
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Bytes moved over open connections.",
		},
		[]string{"direction"},
	)
	readTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "imaged",
			Subsystem: "transport",
			Name:      "read_timeouts_total",
			Help:      "Bounded reads that gave up at their deadline.",
		},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imaged",
			Subsystem: "protocol",
			Name:      "messages_total",
			Help:      "Messages encoded or decoded by opcode.",
		},
		[]string{"direction", "opcode"},
	)
	decodeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imaged",
			Subsystem: "protocol",
			Name:      "decode_failures_total",
			Help:      "Failed frame decodes by decoder state.",
		},
		[]string{"state"},
	)
	decodeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "imaged",
			Subsystem: "protocol",
			Name:      "decode_duration_seconds",
			Help:      "Wall time spent decoding one frame off a connection.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imaged",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "imaged",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectAttempts, transportBytes, readTimeouts,
			messages, decodeFailures, decodeDuration,
			httpRequests, httpDuration,
		)
	})
}

// RecordConnect counts one connect outcome; stage is "ok" on success or the
// failing stage name.
func RecordConnect(stage string) {
	RegisterMetrics()
	connectAttempts.WithLabelValues(stage).Inc()
}

func RecordBytesSent(n int) {
	RegisterMetrics()
	transportBytes.WithLabelValues("sent").Add(float64(n))
}

func RecordBytesReceived(n int) {
	RegisterMetrics()
	transportBytes.WithLabelValues("received").Add(float64(n))
}

func RecordReadTimeout() {
	RegisterMetrics()
	readTimeouts.Inc()
}

func RecordMessage(direction, opcode string) {
	RegisterMetrics()
	messages.WithLabelValues(direction, opcode).Inc()
}

func RecordDecode(state string, duration time.Duration, ok bool) {
	RegisterMetrics()
	if !ok {
		decodeFailures.WithLabelValues(state).Inc()
		return
	}
	decodeDuration.Observe(duration.Seconds())
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
