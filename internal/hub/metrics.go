package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	LiveConnections prometheus.Gauge
	PixelsPlaced    prometheus.Counter
	Rejections      *prometheus.CounterVec
	Dropped         prometheus.Counter
}

// NewMetrics registers hub metrics with reg. A nil reg creates unregistered
// collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "myplace_live_connections",
			Help: "Current number of live canvas connections",
		}),
		PixelsPlaced: f.NewCounter(prometheus.CounterOpts{
			Name: "myplace_pixels_placed_total",
			Help: "Total number of accepted pixel writes",
		}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "myplace_rejections_total",
			Help: "Requests and connections answered with an error, by reason",
		}, []string{"reason"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "myplace_broadcast_dropped_total",
			Help: "Connections removed because a broadcast could not be queued",
		}),
	}
}

func (m *Metrics) connected() {
	if m == nil {
		return
	}
	m.LiveConnections.Inc()
}

func (m *Metrics) disconnected() {
	if m == nil {
		return
	}
	m.LiveConnections.Dec()
}

func (m *Metrics) placed() {
	if m == nil {
		return
	}
	m.PixelsPlaced.Inc()
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) droppedOne() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}
