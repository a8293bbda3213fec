package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "panelcast"
)

var (
	// CommandsTotal counts dispatched commands
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of dispatched commands",
		},
		[]string{"cmd", "status"}, // status: ok/failed/error/usage
	)

	// CommandDuration measures command latency
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command latency in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"cmd"},
	)

	// SendAttempts counts per-slot send attempts by outcome
	SendAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "Per-slot send attempts by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: acked/failed/timed_out/skipped
	)

	// BytesSent counts payload bytes written to displays
	BytesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_sent_total",
			Help:      "Payload bytes written to displays",
		},
		[]string{"kind"},
	)

	// RetryRounds counts retry rounds performed
	RetryRounds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_rounds_total",
			Help:      "Total number of retry rounds performed",
		},
	)

	// UndeliveredSlots counts slots still missing an ACK after all retries
	UndeliveredSlots = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "undelivered_slots_total",
			Help:      "Slots without ACK after the last retry round",
		},
	)

	// BarrierMissingGo counts slots that never reported GO
	BarrierMissingGo = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barrier_missing_go_total",
			Help:      "Slots that did not send GO before the barrier deadline",
		},
	)

	// BarrierDuration measures READY to DONE latency
	BarrierDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "barrier_duration_seconds",
			Help:      "Time from READY broadcast to trailer broadcast",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20},
		},
	)

	// BroadcastFailures counts per-slot broadcast write failures
	BroadcastFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Per-slot broadcast write failures",
		},
	)

	// ConnectedSlots tracks occupied slots
	ConnectedSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_slots",
			Help:      "Number of occupied display slots",
		},
	)

	// RegistrationsTotal counts registration attempts
	RegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Display registration attempts",
		},
		[]string{"result"}, // accepted/rejected
	)

	// SlotsPruned counts slots vacated by liveness or transport errors
	SlotsPruned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_vacated_total",
			Help:      "Slots vacated, by reason",
		},
		[]string{"reason"}, // prune/transport/disconnect/replaced
	)
)

// RecordCommand records a dispatched command
func RecordCommand(cmd string, status string, duration time.Duration) {
	CommandsTotal.WithLabelValues(cmd, status).Inc()
	CommandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordAttempt records one per-slot send attempt
func RecordAttempt(kind string, outcome string, bytes int) {
	SendAttempts.WithLabelValues(kind, outcome).Inc()
	if bytes > 0 {
		BytesSent.WithLabelValues(kind).Add(float64(bytes))
	}
}

// RecordRetryRound records one retry round
func RecordRetryRound() {
	RetryRounds.Inc()
}

// RecordUndelivered records slots left without ACK
func RecordUndelivered(n int) {
	UndeliveredSlots.Add(float64(n))
}

// RecordBarrier records a finished barrier
func RecordBarrier(duration time.Duration, missing int) {
	BarrierDuration.Observe(duration.Seconds())
	BarrierMissingGo.Add(float64(missing))
}

// RecordBroadcastFailure records a failed broadcast write
func RecordBroadcastFailure() {
	BroadcastFailures.Inc()
}

// SetConnectedSlots sets the occupied slot gauge
func SetConnectedSlots(n int) {
	ConnectedSlots.Set(float64(n))
}

// RecordRegistration records a registration attempt
func RecordRegistration(accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	RegistrationsTotal.WithLabelValues(result).Inc()
}

// RecordVacated records a vacated slot
func RecordVacated(reason string) {
	SlotsPruned.WithLabelValues(reason).Inc()
}

// Handler returns the Prometheus scrape handler
func Handler() http.Handler {
	return promhttp.Handler()
}
