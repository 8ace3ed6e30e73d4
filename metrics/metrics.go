package metrics

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
			Namespace: "jkble",
			Subsystem: "session",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by outcome.",
		},
		[]string{"success"},
	)
	exchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jkble",
			Subsystem: "exchange",
			Name:      "total",
			Help:      "Send/receive exchanges by command and outcome.",
		},
		[]string{"command", "outcome"},
	)
	exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jkble",
			Subsystem: "exchange",
			Name:      "duration_seconds",
			Help:      "Send/receive exchange duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"command"},
	)
	recordBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jkble",
			Subsystem: "exchange",
			Name:      "record_bytes",
			Help:      "Size of the last record returned per command.",
		},
		[]string{"command"},
	)
	fragments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jkble",
			Subsystem: "collector",
			Name:      "fragments_total",
			Help:      "Notification fragments seen by the collector.",
		},
		[]string{"accepted"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jkble",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(connectAttempts, exchanges, exchangeDuration, recordBytes, fragments, httpRequests)
	})
}

func RecordConnectAttempt(success bool) {
	RegisterMetrics()
	connectAttempts.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func RecordExchange(command, outcome string, duration time.Duration, size int) {
	RegisterMetrics()
	exchanges.WithLabelValues(command, outcome).Inc()
	exchangeDuration.WithLabelValues(command).Observe(duration.Seconds())
	if outcome == "ok" {
		recordBytes.WithLabelValues(command).Set(float64(size))
	}
}

func RecordFragment(accepted bool) {
	RegisterMetrics()
	fragments.WithLabelValues(strconv.FormatBool(accepted)).Inc()
}

func RecordHTTPRequest(method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
