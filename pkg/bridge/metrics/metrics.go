// Package metrics exposes the bridge's Prometheus instrumentation. A nil
// *Metrics is valid and records nothing, so components never need to guard.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	StreamFrames  *prometheus.CounterVec
	ModelEvents   *prometheus.CounterVec
	Instructions  *prometheus.CounterVec
	ToolDispatch  *prometheus.CounterVec
	BargeIns      prometheus.Counter
	SessionsTotal prometheus.Counter
	ActiveCalls   prometheus.Gauge
}

// New registers the bridge collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StreamFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callbridge_stream_frames_total",
			Help: "Inbound media stream frames by kind.",
		}, []string{"kind"}),
		ModelEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callbridge_model_events_total",
			Help: "Model channel events by type.",
		}, []string{"type"}),
		Instructions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callbridge_call_instructions_total",
			Help: "Outbound call instructions by kind.",
		}, []string{"kind"}),
		ToolDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callbridge_tool_dispatch_total",
			Help: "Tool dispatches by function name and outcome.",
		}, []string{"name", "outcome"}),
		BargeIns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callbridge_barge_ins_total",
			Help: "Caller interruptions of model speech.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callbridge_sessions_total",
			Help: "Call sessions created.",
		}),
		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callbridge_active_calls",
			Help: "Currently registered call sessions.",
		}),
	}
	reg.MustRegister(m.StreamFrames, m.ModelEvents, m.Instructions, m.ToolDispatch,
		m.BargeIns, m.SessionsTotal, m.ActiveCalls)
	return m
}

func (m *Metrics) ObserveStreamFrame(kind string) {
	if m == nil {
		return
	}
	m.StreamFrames.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveModelEvent(typ string) {
	if m == nil {
		return
	}
	m.ModelEvents.WithLabelValues(typ).Inc()
}

func (m *Metrics) ObserveInstruction(kind string) {
	if m == nil {
		return
	}
	m.Instructions.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveToolDispatch(name, outcome string) {
	if m == nil {
		return
	}
	m.ToolDispatch.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) ObserveBargeIn() {
	if m == nil {
		return
	}
	m.BargeIns.Inc()
}

func (m *Metrics) ObserveSessionStart() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.ActiveCalls.Inc()
}

func (m *Metrics) ObserveSessionEnd() {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
}
