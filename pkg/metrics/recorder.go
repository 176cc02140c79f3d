// Package metrics provides Prometheus-based metrics recording for heal runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records bug-lifecycle and heal-run metrics into Prometheus.
type Recorder struct {
	stepsTotal     *prometheus.CounterVec
	terminalTotal  *prometheus.CounterVec
	overridesTotal prometheus.Counter
	stepDuration   *prometheus.HistogramVec
	healDuration   prometheus.Histogram
	filesHealed    prometheus.Counter
	bugsDetected   prometheus.Counter
}

// NewRecorder creates a Recorder registered against the given registerer.
// A nil registerer falls back to the default registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triangulum_steps_total",
				Help: "Total number of lifecycle steps by agent and outcome",
			},
			[]string{"agent", "outcome"},
		),
		terminalTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "triangulum_terminal_total",
				Help: "Total number of bugs reaching a terminal phase",
			},
			[]string{"phase"},
		),
		overridesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "triangulum_loop_overrides_total",
				Help: "Total number of loop-detection agent overrides",
			},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "triangulum_step_duration_seconds",
				Help:    "Duration of lifecycle steps in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		healDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "triangulum_heal_duration_seconds",
				Help:    "Duration of whole heal runs in seconds",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
		),
		filesHealed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "triangulum_files_healed_total",
				Help: "Total number of files healed across runs",
			},
		),
		bugsDetected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "triangulum_bugs_detected_total",
				Help: "Total number of bugs detected across runs",
			},
		),
	}
}

// ObserveStep records one lifecycle step for the given agent.
func (r *Recorder) ObserveStep(agent, outcome string, duration time.Duration) {
	r.stepsTotal.WithLabelValues(agent, outcome).Inc()
	r.stepDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// IncTerminal records a bug reaching the given terminal phase.
func (r *Recorder) IncTerminal(phase string) {
	r.terminalTotal.WithLabelValues(phase).Inc()
}

// IncLoopOverride records one loop-detection agent override.
func (r *Recorder) IncLoopOverride() {
	r.overridesTotal.Inc()
}

// ObserveHealRun records the outcome of a whole heal run.
func (r *Recorder) ObserveHealRun(filesHealed, bugsDetected int, duration time.Duration) {
	r.filesHealed.Add(float64(filesHealed))
	r.bugsDetected.Add(float64(bugsDetected))
	r.healDuration.Observe(duration.Seconds())
}
