package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a lampsync node.
type Metrics struct {
	// Counters
	DatagramsReceived prometheus.CounterVec
	DatagramsDropped  prometheus.CounterVec
	SendsTotal        prometheus.CounterVec
	PeerEvictions     prometheus.Counter
	PeersDiscovered   prometheus.Counter
	TransitionsTotal  prometheus.CounterVec
	RemoteApplied     prometheus.Counter
	PersistenceErrors prometheus.CounterVec
	EventsDropped     prometheus.Counter
	ActuatorErrors    prometheus.CounterVec

	// Gauges
	PeersKnown  prometheus.Gauge
	CurrentMode prometheus.GaugeVec
	LampOn      prometheus.GaugeVec

	// Histograms
	BroadcastDuration prometheus.Histogram
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics registers the process-wide metrics on first use.
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			DatagramsReceived: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lampsync_datagrams_received_total",
					Help: "Datagrams received by message type",
				},
				[]string{"socket", "type"},
			),
			DatagramsDropped: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lampsync_datagrams_dropped_total",
					Help: "Datagrams dropped before reaching the coordinator",
				},
				[]string{"reason"},
			),
			SendsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lampsync_sends_total",
					Help: "Point-to-point state update sends",
				},
				[]string{"status"},
			),
			PeerEvictions: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "lampsync_peer_evictions_total",
					Help: "Peers removed after a failed send",
				},
			),
			PeersDiscovered: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "lampsync_peers_discovered_total",
					Help: "Peers added by discovery",
				},
			),
			TransitionsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lampsync_mode_transitions_total",
					Help: "Local mode change requests by outcome",
				},
				[]string{"from", "to", "status"},
			),
			RemoteApplied: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "lampsync_remote_updates_applied_total",
					Help: "Remote state updates that changed local state",
				},
			),
			PersistenceErrors: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lampsync_persistence_errors_total",
					Help: "Failed signal store writes",
				},
				[]string{"op"},
			),
			EventsDropped: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "lampsync_events_dropped_total",
					Help: "Coordinator events dropped because a subscriber was slow",
				},
			),
			ActuatorErrors: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lampsync_actuator_errors_total",
					Help: "Lamp output failures by sink",
				},
				[]string{"sink"},
			),
			PeersKnown: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "lampsync_peers_known",
					Help: "Current size of the peer set",
				},
			),
			CurrentMode: *promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "lampsync_mode",
					Help: "1 for the active PWF mode, 0 otherwise",
				},
				[]string{"mode"},
			),
			LampOn: *promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "lampsync_lamp_on",
					Help: "1 when the lamp for a protocol is lit",
				},
				[]string{"protocol"},
			),
			BroadcastDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "lampsync_broadcast_duration_seconds",
					Help:    "Time to fan a state update out to every peer",
					Buckets: prometheus.DefBuckets,
				},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

func (m *Metrics) RecordDatagram(socket, msgType string) {
	if m == nil {
		return
	}
	m.DatagramsReceived.WithLabelValues(socket, msgType).Inc()
}

// RecordDrop counts a datagram dropped for reason (malformed, self_echo, duplicate, oversize).
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordSend(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.SendsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.PeerEvictions.Inc()
}

func (m *Metrics) RecordPeerDiscovered() {
	if m == nil {
		return
	}
	m.PeersDiscovered.Inc()
}

func (m *Metrics) SetPeersKnown(n int) {
	if m == nil {
		return
	}
	m.PeersKnown.Set(float64(n))
}

func (m *Metrics) RecordTransition(from, to, status string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to, status).Inc()
}

func (m *Metrics) RecordRemoteApplied() {
	if m == nil {
		return
	}
	m.RemoteApplied.Inc()
}

func (m *Metrics) RecordPersistenceError(op string) {
	if m == nil {
		return
	}
	m.PersistenceErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) RecordActuatorError(sink string) {
	if m == nil {
		return
	}
	m.ActuatorErrors.WithLabelValues(sink).Inc()
}

// SetMode marks mode as the only active mode.
func (m *Metrics) SetMode(mode string, all []string) {
	if m == nil {
		return
	}
	for _, candidate := range all {
		v := 0.0
		if candidate == mode {
			v = 1
		}
		m.CurrentMode.WithLabelValues(candidate).Set(v)
	}
}

func (m *Metrics) SetLamp(protocol string, on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.LampOn.WithLabelValues(protocol).Set(v)
}

func (m *Metrics) ObserveBroadcast(seconds float64) {
	if m == nil {
		return
	}
	m.BroadcastDuration.Observe(seconds)
}
