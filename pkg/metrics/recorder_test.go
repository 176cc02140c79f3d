package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderObserveStep(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder := NewRecorder(registry)

	recorder.ObserveStep("patcher", "ok", 50*time.Millisecond)
	recorder.ObserveStep("patcher", "ok", 30*time.Millisecond)
	recorder.ObserveStep("verifier", "recoverable_error", 10*time.Millisecond)

	if got := testutil.ToFloat64(recorder.stepsTotal.WithLabelValues("patcher", "ok")); got != 2 {
		t.Errorf("Expected 2 patcher ok steps, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.stepsTotal.WithLabelValues("verifier", "recoverable_error")); got != 1 {
		t.Errorf("Expected 1 verifier error step, got %v", got)
	}
}

func TestRecorderTerminalAndOverrides(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder := NewRecorder(registry)

	recorder.IncTerminal("DONE")
	recorder.IncTerminal("DONE")
	recorder.IncTerminal("ESCALATE")
	recorder.IncLoopOverride()

	if got := testutil.ToFloat64(recorder.terminalTotal.WithLabelValues("DONE")); got != 2 {
		t.Errorf("Expected 2 DONE terminals, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.overridesTotal); got != 1 {
		t.Errorf("Expected 1 loop override, got %v", got)
	}
}

func TestRecorderObserveHealRun(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder := NewRecorder(registry)

	recorder.ObserveHealRun(3, 7, 2*time.Second)

	if got := testutil.ToFloat64(recorder.filesHealed); got != 3 {
		t.Errorf("Expected 3 files healed, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.bugsDetected); got != 7 {
		t.Errorf("Expected 7 bugs detected, got %v", got)
	}
}

func TestRecorderSeparateRegistries(t *testing.T) {
	// Two recorders on separate registries must not collide.
	a := NewRecorder(prometheus.NewRegistry())
	b := NewRecorder(prometheus.NewRegistry())

	a.IncLoopOverride()
	if got := testutil.ToFloat64(b.overridesTotal); got != 0 {
		t.Errorf("Registries leaked state: %v", got)
	}
}
