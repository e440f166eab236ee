package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertAuthFailureSpike AlertType = "auth_failure_spike"
	AlertRevocationBurst  AlertType = "revocation_burst"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	authFailures window
	revocations  window
	alertFn      AlertFunc
	now          func() time.Time
}

// window is a sliding count of event times.
type window struct {
	times     []time.Time
	span      time.Duration
	threshold int
}

const (
	defaultAuthFailureWindow    = 1 * time.Minute
	defaultAuthFailureThreshold = 50
	defaultRevocationWindow     = 5 * time.Minute
	defaultRevocationThreshold  = 25
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		authFailures: window{span: defaultAuthFailureWindow, threshold: defaultAuthFailureThreshold},
		revocations:  window{span: defaultRevocationWindow, threshold: defaultRevocationThreshold},
		alertFn:      alertFn,
		now:          time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditAuthFailure:
		m.record(&m.authFailures, AlertAuthFailureSpike, "certificate authentication failure rate exceeds threshold")
	case AuditCertRevoked:
		m.record(&m.revocations, AlertRevocationBurst, "certificate revocation rate exceeds threshold")
	}
}

func (m *metricsCollector) record(w *window, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w.times = append(w.times, now)
	w.times = trimWindow(w.times, now, w.span)

	if len(w.times) >= w.threshold {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     len(w.times),
			Threshold: w.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		w.times = w.times[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
