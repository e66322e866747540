package bridge

import (
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects bridge activity counters for Prometheus exposition.
type Metrics struct {
	// Admin room / command lifecycle
	adminRoomsAdopted atomic.Int64
	commandsProcessed atomic.Int64
	loginAttempts     atomic.Int64
	loginSuccesses    atomic.Int64
	loginFailures     atomic.Int64

	// Message forwarding counters
	matrixToRocketchatForwarded atomic.Int64
	rocketchatToMatrixForwarded atomic.Int64
	webhooksProcessed           atomic.Int64
	webhooksDropped             atomic.Int64

	// Puppet/room lifecycle
	puppetsCreated atomic.Int64
	roomsCreated   atomic.Int64

	// Error counters
	rocketchatErrors atomic.Int64

	// Latency histograms
	matrixToRocketchatLatency *histogram
	rocketchatToMatrixLatency *histogram

	startTime time.Time
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:                 time.Now(),
		matrixToRocketchatLatency: newHistogram(defaultBuckets),
		rocketchatToMatrixLatency: newHistogram(defaultBuckets),
	}
}

// --- Counter increments ---

func (m *Metrics) IncrAdminRoomsAdopted()           { m.adminRoomsAdopted.Add(1) }
func (m *Metrics) IncrCommandsProcessed()           { m.commandsProcessed.Add(1) }
func (m *Metrics) IncrLoginAttempts()               { m.loginAttempts.Add(1) }
func (m *Metrics) IncrLoginSuccesses()              { m.loginSuccesses.Add(1) }
func (m *Metrics) IncrLoginFailures()               { m.loginFailures.Add(1) }
func (m *Metrics) IncrMatrixToRocketchatForwarded() { m.matrixToRocketchatForwarded.Add(1) }
func (m *Metrics) IncrRocketchatToMatrixForwarded() { m.rocketchatToMatrixForwarded.Add(1) }
func (m *Metrics) IncrWebhooksProcessed()           { m.webhooksProcessed.Add(1) }
func (m *Metrics) IncrWebhooksDropped()             { m.webhooksDropped.Add(1) }
func (m *Metrics) IncrPuppetsCreated()              { m.puppetsCreated.Add(1) }
func (m *Metrics) IncrRoomsCreated()                { m.roomsCreated.Add(1) }
func (m *Metrics) IncrRocketchatErrors()            { m.rocketchatErrors.Add(1) }

// --- Latency observations ---

// ObserveMatrixToRocketchatLatency records the time taken to forward a
// Matrix message to a Rocket.Chat channel via chat.postMessage.
func (m *Metrics) ObserveMatrixToRocketchatLatency(d time.Duration) {
	m.matrixToRocketchatLatency.observe(d.Seconds())
}

// ObserveRocketchatToMatrixLatency records the time taken to deliver an
// incoming webhook as a Matrix event.
func (m *Metrics) ObserveRocketchatToMatrixLatency(d time.Duration) {
	m.rocketchatToMatrixLatency.observe(d.Seconds())
}

// --- Health ---

// HealthStatus returns a structured health status for the health endpoint.
func (m *Metrics) HealthStatus() map[string]interface{} {
	return map[string]interface{}{
		"uptime_secs": time.Since(m.startTime).Seconds(),
		"commands": map[string]int64{
			"admin_rooms_adopted": m.adminRoomsAdopted.Load(),
			"processed":           m.commandsProcessed.Load(),
		},
		"logins": map[string]int64{
			"attempts":  m.loginAttempts.Load(),
			"successes": m.loginSuccesses.Load(),
			"failures":  m.loginFailures.Load(),
		},
		"messages": map[string]int64{
			"matrix_to_rocketchat": m.matrixToRocketchatForwarded.Load(),
			"rocketchat_to_matrix": m.rocketchatToMatrixForwarded.Load(),
			"webhooks_processed":   m.webhooksProcessed.Load(),
			"webhooks_dropped":     m.webhooksDropped.Load(),
		},
		"errors": map[string]int64{
			"rocketchat": m.rocketchatErrors.Load(),
		},
	}
}

// --- Prometheus exposition ---

// Handler returns an HTTP handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		m.writeMetrics(w)
	})
}

func (m *Metrics) writeMetrics(w http.ResponseWriter) {
	uptime := time.Since(m.startTime).Seconds()

	writeGauge(w, "mautrix_rocketchat_uptime_seconds", "Bridge uptime in seconds", uptime)

	writeCounter(w, "mautrix_rocketchat_admin_rooms_adopted_total", "Total admin rooms adopted", float64(m.adminRoomsAdopted.Load()))
	writeCounter(w, "mautrix_rocketchat_commands_processed_total", "Total admin room commands processed", float64(m.commandsProcessed.Load()))

	writeCounter(w, "mautrix_rocketchat_login_attempts_total", "Total login attempts", float64(m.loginAttempts.Load()))
	writeCounter(w, "mautrix_rocketchat_login_successes_total", "Total successful logins", float64(m.loginSuccesses.Load()))
	writeCounter(w, "mautrix_rocketchat_login_failures_total", "Total failed logins", float64(m.loginFailures.Load()))

	writeCounter(w, "mautrix_rocketchat_matrix_to_rocketchat_total", "Total messages forwarded from Matrix to Rocket.Chat", float64(m.matrixToRocketchatForwarded.Load()))
	writeCounter(w, "mautrix_rocketchat_rocketchat_to_matrix_total", "Total messages forwarded from Rocket.Chat to Matrix", float64(m.rocketchatToMatrixForwarded.Load()))
	writeCounter(w, "mautrix_rocketchat_webhooks_processed_total", "Total incoming webhooks delivered to Matrix", float64(m.webhooksProcessed.Load()))
	writeCounter(w, "mautrix_rocketchat_webhooks_dropped_total", "Total incoming webhooks dropped (loopback or unroutable)", float64(m.webhooksDropped.Load()))

	writeCounter(w, "mautrix_rocketchat_puppets_created_total", "Total virtual users created", float64(m.puppetsCreated.Load()))
	writeCounter(w, "mautrix_rocketchat_rooms_created_total", "Total Matrix rooms created", float64(m.roomsCreated.Load()))

	writeCounter(w, "mautrix_rocketchat_rocketchat_errors_total", "Total Rocket.Chat API errors", float64(m.rocketchatErrors.Load()))

	m.matrixToRocketchatLatency.writePrometheus(w, "mautrix_rocketchat_matrix_to_rocketchat_latency_seconds", "Latency forwarding a Matrix message to Rocket.Chat")
	m.rocketchatToMatrixLatency.writePrometheus(w, "mautrix_rocketchat_rocketchat_to_matrix_latency_seconds", "Latency delivering a Rocket.Chat webhook to Matrix")
}

// --- Helpers ---

func writeCounter(w http.ResponseWriter, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %g\n\n", name, value)
}

func writeGauge(w http.ResponseWriter, name, help string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	fmt.Fprintf(w, "%s %g\n\n", name, value)
}

// --- Histogram (lightweight, no external deps) ---

// Default latency buckets in seconds: 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s
var defaultBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64 // counts[i] = observations <= buckets[i]
	total   uint64
	sum     float64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.total++
	h.sum += value

	for i, b := range h.buckets {
		if value <= b {
			h.counts[i]++
		}
	}
}

func (h *histogram) writePrometheus(w http.ResponseWriter, name, help string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)

	for i, b := range h.buckets {
		label := fmt.Sprintf("%g", b)
		fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, label, h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", name, h.total)
	fmt.Fprintf(w, "%s_sum %s\n", name, formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count %d\n\n", name, h.total)
}

func formatFloat(f float64) string {
	if f == 0 {
		return "0"
	}
	if f == math.Trunc(f) {
		return fmt.Sprintf("%.1f", f)
	}
	return fmt.Sprintf("%g", f)
}
