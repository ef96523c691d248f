// Package monitoring exposes the server's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments. A nil *Metrics is valid and
// records nothing, which keeps unit tests free of registry collisions.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ActiveDocuments   prometheus.Gauge

	FramesTotal          *prometheus.CounterVec
	BlockedEdits         prometheus.Counter
	AuthFailures         *prometheus.CounterVec
	PersistenceTotal     *prometheus.CounterVec
	PersistenceDuration  prometheus.Histogram
	PermissionBroadcasts *prometheus.CounterVec
	DroppedAwareness     prometheus.Counter
}

// NewMetrics registers every instrument on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "collab_active_connections",
			Help: "Currently attached WebSocket connections",
		}),
		ActiveDocuments: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "collab_active_documents",
			Help: "Live document hubs",
		}),
		FramesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_frames_total",
			Help: "Inbound frames by classification",
		}, []string{"classification"}),
		BlockedEdits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "collab_blocked_edits_total",
			Help: "Content updates rejected on permission grounds",
		}),
		AuthFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_auth_failures_total",
			Help: "Handshake failures by kind",
		}, []string{"kind"}),
		PersistenceTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_persistence_total",
			Help: "Debounced snapshot saves by outcome",
		}, []string{"outcome"}),
		PersistenceDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "collab_persistence_duration_seconds",
			Help:    "Snapshot save latency",
			Buckets: prometheus.DefBuckets,
		}),
		PermissionBroadcasts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_permission_broadcasts_total",
			Help: "Permission changes pushed through the broadcast API",
		}, []string{"delivered"}),
		DroppedAwareness: promauto.NewCounter(prometheus.CounterOpts{
			Name: "collab_dropped_awareness_total",
			Help: "Awareness frames dropped for slow consumers",
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) HubOpened() {
	if m == nil {
		return
	}
	m.ActiveDocuments.Inc()
}

func (m *Metrics) HubClosed() {
	if m == nil {
		return
	}
	m.ActiveDocuments.Dec()
}

func (m *Metrics) RecordFrame(classification string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(classification).Inc()
}

func (m *Metrics) RecordBlockedEdit() {
	if m == nil {
		return
	}
	m.BlockedEdits.Inc()
}

func (m *Metrics) RecordAuthFailure(kind string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordPersistence(ok bool, seconds float64) {
	if m == nil {
		return
	}
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	m.PersistenceTotal.WithLabelValues(outcome).Inc()
	m.PersistenceDuration.Observe(seconds)
}

func (m *Metrics) RecordPermissionBroadcast(delivered bool) {
	if m == nil {
		return
	}
	label := "false"
	if delivered {
		label = "true"
	}
	m.PermissionBroadcasts.WithLabelValues(label).Inc()
}

func (m *Metrics) RecordDroppedAwareness() {
	if m == nil {
		return
	}
	m.DroppedAwareness.Inc()
}
