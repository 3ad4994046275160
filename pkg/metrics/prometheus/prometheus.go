package prometheus

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oarkflow/minidrive/pkg/metrics"
)

// serverMetrics is the Prometheus implementation of metrics.Metrics.
type serverMetrics struct {
	sessionsActive   *prometheus.GaugeVec
	sessionsTotal    *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	handshakeFailed  prometheus.Counter
	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	bytesTransferred *prometheus.CounterVec
}

// New registers the server metrics on reg.
func New(reg prometheus.Registerer) metrics.Metrics {
	return &serverMetrics{
		sessionsActive: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "minidrive_sessions_active",
				Help: "Number of open sessions by front end",
			},
			[]string{"frontend"},
		),
		sessionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "minidrive_sessions_total",
				Help: "Total number of sessions opened by front end",
			},
			[]string{"frontend"},
		),
		sessionDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "minidrive_session_duration_seconds",
				Help:    "Lifetime of sessions in seconds",
				Buckets: []float64{1, 10, 60, 300, 1800, 3600, 4 * 3600},
			},
			[]string{"frontend"},
		),
		handshakeFailed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "minidrive_handshake_failures_total",
				Help: "Total number of rejected handshakes",
			},
		),
		commandsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "minidrive_commands_total",
				Help: "Total number of commands by name and outcome",
			},
			[]string{"command", "outcome"},
		),
		commandDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "minidrive_command_duration_milliseconds",
				Help: "Duration of commands in milliseconds",
				Buckets: []float64{
					1,     // metadata
					10,    // small directories
					100,   // small transfers
					1000,  // 1s
					10000, // large transfers
					60000, // 1m
				},
			},
			[]string{"command"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "minidrive_bytes_transferred_total",
				Help: "Total payload bytes moved by direction",
			},
			[]string{"direction"},
		),
	}
}

func (m *serverMetrics) SessionOpened(frontend string) {
	m.sessionsActive.WithLabelValues(frontend).Inc()
	m.sessionsTotal.WithLabelValues(frontend).Inc()
}

func (m *serverMetrics) SessionClosed(frontend string, d time.Duration) {
	m.sessionsActive.WithLabelValues(frontend).Dec()
	m.sessionDuration.WithLabelValues(frontend).Observe(d.Seconds())
}

func (m *serverMetrics) HandshakeFailed() {
	m.handshakeFailed.Inc()
}

func (m *serverMetrics) CommandHandled(cmd, outcome string, d time.Duration) {
	m.commandsTotal.WithLabelValues(cmd, outcome).Inc()
	m.commandDuration.WithLabelValues(cmd).Observe(float64(d.Milliseconds()))
}

func (m *serverMetrics) BytesTransferred(direction string, n uint64) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
