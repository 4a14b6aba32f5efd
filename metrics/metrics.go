// Package metrics exports Prometheus metrics for SMTP sessions.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wren_smtp_session_total",
			Help: "SMTP sessions by how they ended.",
		},
		[]string{
			"result", // quit, terminated, error, eof
		},
	)
	metricSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wren_smtp_sessions_active",
			Help: "SMTP sessions currently running.",
		},
	)
	metricCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wren_smtp_command_total",
			Help: "SMTP commands received, by verb. Unparsable lines count as \"error\".",
		},
		[]string{
			"cmd",
		},
	)
	metricReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wren_smtp_reply_total",
			Help: "SMTP replies sent, by code.",
		},
		[]string{
			"code",
		},
	)
	metricMessageSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wren_smtp_message_size_bytes",
			Help:    "Size of message bodies received with DATA, after unstuffing.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)
	metricHookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wren_smtp_hook_duration_seconds",
			Help:    "Time spent in decision hooks.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 30},
		},
		[]string{
			"hook",
			"verdict", // accept, reject, terminate, panic
		},
	)
	metricConnectionsRefused = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wren_smtp_connection_refused_total",
			Help: "Connections closed before a session started.",
		},
		[]string{
			"reason", // limit, shutdown
		},
	)
	metricSpooled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wren_spool_message_total",
			Help: "Messages written to the spool.",
		},
		[]string{
			"result", // ok, error
		},
	)
)

func SessionStarted() {
	metricSessionsActive.Inc()
}

func SessionEnded(result string) {
	metricSessionsActive.Dec()
	metricSessions.WithLabelValues(result).Inc()
}

func CommandInc(cmd string) {
	metricCommands.WithLabelValues(cmd).Inc()
}

func ReplyInc(code int) {
	metricReplies.WithLabelValues(strconv.Itoa(code)).Inc()
}

func MessageSizeObserve(size int64) {
	metricMessageSize.Observe(float64(size))
}

func HookObserve(hook, verdict string, d time.Duration) {
	metricHookDuration.WithLabelValues(hook, verdict).Observe(d.Seconds())
}

func ConnectionRefusedInc(reason string) {
	metricConnectionsRefused.WithLabelValues(reason).Inc()
}

func SpoolInc(result string) {
	metricSpooled.WithLabelValues(result).Inc()
}
