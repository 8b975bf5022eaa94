package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink counts events by name.
type MetricsSink struct {
	events *prometheus.CounterVec
}

// NewMetricsSink registers its collectors on reg.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chsk",
			Subsystem: "broker",
			Name:      "events_total",
			Help:      "Broker telemetry events by name.",
		},
		[]string{"event"},
	)
	if err := reg.Register(events); err != nil {
		return nil, err
	}
	return &MetricsSink{events: events}, nil
}

func (s *MetricsSink) Emit(event string, _ Fields) {
	s.events.WithLabelValues(event).Inc()
}

// RegisterGauge exposes a live value such as the connection count.
func RegisterGauge(reg prometheus.Registerer, name, help string, fn func() float64) error {
	return reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "chsk",
		Subsystem: "broker",
		Name:      name,
		Help:      help,
	}, fn))
}
