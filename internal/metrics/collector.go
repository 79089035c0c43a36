// Package metrics exposes bridge activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements the observer interfaces of the relay, recorder,
// dispatcher and session manager.
type Collector struct {
	sessionsActive   prometheus.Gauge
	stateTransitions *prometheus.CounterVec
	sessionCreates   *prometheus.CounterVec

	framesRelayed  *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	silenceSeconds *prometheus.CounterVec
	relayFaults    *prometheus.CounterVec

	functionCalls *prometheus.CounterVec

	eventsRecorded      *prometheus.CounterVec
	persistenceFailures prometheus.Counter
}

// NewCollector registers all metrics on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of bridge sessions in the active state",
		}),
		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Bridge session state transitions by target state",
		}, []string{"state"}),
		sessionCreates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_creates_total",
			Help:      "Create-or-replace calls by result",
		}, []string{"result"}),
		framesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_total",
			Help:      "Audio frames relayed by direction",
		}, []string{"direction"}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_dropped_total",
			Help:      "Audio frames dropped by direction and reason",
		}, []string{"direction", "reason"}),
		silenceSeconds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_silence_seconds_total",
			Help:      "Silence inserted to cover source gaps",
		}, []string{"direction"}),
		relayFaults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_faults_total",
			Help:      "Frames that could not be normalized",
		}, []string{"direction"}),
		functionCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Function calls answered by name and outcome",
		}, []string{"name", "outcome"}),
		eventsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_recorded_total",
			Help:      "Realtime events recorded by type",
		}, []string{"type"}),
		persistenceFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_persistence_failures_total",
			Help:      "Events broadcast without being persisted",
		}),
	}
}

func (c *Collector) FrameRelayed(direction string) { c.framesRelayed.WithLabelValues(direction).Inc() }

func (c *Collector) FrameDropped(direction, reason string) {
	c.framesDropped.WithLabelValues(direction, reason).Inc()
}

func (c *Collector) SilenceInserted(direction string, d time.Duration) {
	c.silenceSeconds.WithLabelValues(direction).Add(d.Seconds())
}

func (c *Collector) RelayFault(direction string) { c.relayFaults.WithLabelValues(direction).Inc() }

func (c *Collector) EventRecorded(typ string) { c.eventsRecorded.WithLabelValues(typ).Inc() }

func (c *Collector) PersistenceFailed() { c.persistenceFailures.Inc() }

func (c *Collector) FunctionCallCompleted(name, outcome string) {
	c.functionCalls.WithLabelValues(name, outcome).Inc()
}

// SessionStateChanged counts a transition and keeps the active gauge in step.
func (c *Collector) SessionStateChanged(from, to string) {
	c.stateTransitions.WithLabelValues(to).Inc()
	if to == "active" {
		c.sessionsActive.Inc()
	}
	if from == "active" {
		c.sessionsActive.Dec()
	}
}

func (c *Collector) SessionCreateFinished(result string) {
	c.sessionCreates.WithLabelValues(result).Inc()
}
