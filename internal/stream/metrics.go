package stream

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/bluegreen/internal/domain"
)

// Metrics counts stream activity. A nil *Metrics records nothing.
type Metrics struct {
	frames        *prometheus.CounterVec
	decodeErrors  prometheus.Counter
	reconnects    prometheus.Counter
	terminals     *prometheus.CounterVec
	openStreams   prometheus.Gauge
	watchdogFires prometheus.Counter
}

// NewMetrics registers stream collectors with reg. Collectors that are already
// registered are reused, so several clients may share one registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bluegreen",
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "Decoded deployment stream frames by event type",
		}, []string{"event"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bluegreen",
			Subsystem: "stream",
			Name:      "decode_errors_total",
			Help:      "Frames dropped because the payload could not be decoded",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bluegreen",
			Subsystem: "stream",
			Name:      "reconnect_attempts_total",
			Help:      "Transitions into the connecting state after a transport failure",
		}),
		terminals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bluegreen",
			Subsystem: "stream",
			Name:      "terminal_total",
			Help:      "Deployment streams that reached a terminal outcome",
		}, []string{"outcome"}),
		openStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bluegreen",
			Subsystem: "stream",
			Name:      "open",
			Help:      "Deployment streams currently open",
		}),
		watchdogFires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bluegreen",
			Subsystem: "stream",
			Name:      "watchdog_expired_total",
			Help:      "Reconnect watchdog expirations",
		}),
	}
	if reg == nil {
		return m
	}
	m.frames = register(reg, m.frames)
	m.decodeErrors = register(reg, m.decodeErrors)
	m.reconnects = register(reg, m.reconnects)
	m.terminals = register(reg, m.terminals)
	m.openStreams = register(reg, m.openStreams)
	m.watchdogFires = register(reg, m.watchdogFires)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}

// frame counts a decoded frame. Tags outside the vocabulary share one label.
func (m *Metrics) frame(t domain.EventType) {
	if m == nil {
		return
	}
	label := string(t)
	if !t.Known() {
		label = "unknown"
	}
	m.frames.WithLabelValues(label).Inc()
}

func (m *Metrics) decodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) terminal(outcome string) {
	if m == nil {
		return
	}
	m.terminals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) opened() {
	if m == nil {
		return
	}
	m.openStreams.Inc()
}

func (m *Metrics) closed() {
	if m == nil {
		return
	}
	m.openStreams.Dec()
}

func (m *Metrics) watchdog() {
	if m == nil {
		return
	}
	m.watchdogFires.Inc()
}
