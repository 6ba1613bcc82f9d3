package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	events        *prometheus.CounterVec
	broadcasts    *prometheus.CounterVec
	coalesced     *prometheus.CounterVec
	reconnects    prometheus.Counter
	clients       prometheus.Gauge
	droppedFrames prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Change events received from the feed.",
		}, []string{"operation"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "realtime",
			Name:      "broadcasts_total",
			Help:      "Payloads handed to the broadcast sink.",
		}, []string{"channel"}),
		coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "realtime",
			Name:      "coalesced_total",
			Help:      "Pending events superseded inside a throttle window.",
		}, []string{"channel"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "realtime",
			Name:      "reconnects_total",
			Help:      "Change feed interruptions; each one schedules a re-subscription.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "masomo",
			Subsystem: "realtime",
			Name:      "websocket_clients",
			Help:      "Connected websocket clients.",
		}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "masomo",
			Subsystem: "realtime",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped because a client send buffer was full.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.events, m.broadcasts, m.coalesced, m.reconnects, m.clients, m.droppedFrames,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) event(op OperationKind) {
	if m != nil {
		m.events.WithLabelValues(string(op)).Inc()
	}
}

func (m *Metrics) broadcast(channel string) {
	if m != nil {
		m.broadcasts.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) coalesce(channel string) {
	if m != nil {
		m.coalesced.WithLabelValues(channel).Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

// ClientConnected tracks a websocket client joining.
func (m *Metrics) ClientConnected() {
	if m != nil {
		m.clients.Inc()
	}
}

// ClientDisconnected tracks a websocket client leaving.
func (m *Metrics) ClientDisconnected() {
	if m != nil {
		m.clients.Dec()
	}
}

// FrameDropped counts a frame a slow client never received.
func (m *Metrics) FrameDropped() {
	if m != nil {
		m.droppedFrames.Inc()
	}
}
