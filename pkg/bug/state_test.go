package bug

import (
	"errors"
	"testing"
)

func TestNewBugInvariants(t *testing.T) {
	b := New("bug_1", "pkg/foo.go", 20)

	if b.Phase != PhaseWait {
		t.Errorf("Expected initial phase WAIT, got %s", b.Phase)
	}
	if b.Attempts != 0 {
		t.Errorf("Expected 0 attempts, got %d", b.Attempts)
	}
	if len(b.History) != 1 {
		t.Errorf("Expected initial history entry, got %d entries", len(b.History))
	}
	if err := b.CheckInvariants(); err != nil {
		t.Errorf("Fresh bug violates invariants: %v", err)
	}
}

func TestStepHappyPath(t *testing.T) {
	b := New("bug_2", "main.go", 20)

	steps := []struct {
		to    Phase
		agent string
	}{
		{PhaseRepro, "observer"},
		{PhaseAnalyze, "observer"},
		{PhasePatch, "analyst"},
		{PhaseVerify, "patcher"},
		{PhaseDone, "verifier"},
	}

	for i, step := range steps {
		if err := b.Step(step.to, "ok", step.agent); err != nil {
			t.Fatalf("Step %d to %s failed: %v", i+1, step.to, err)
		}
		if b.Attempts != i+1 {
			t.Errorf("After step %d expected attempts %d, got %d", i+1, i+1, b.Attempts)
		}
		if len(b.History) != i+2 {
			t.Errorf("After step %d expected %d history entries, got %d", i+1, i+2, len(b.History))
		}
	}

	if !b.IsTerminal() {
		t.Error("Bug should be terminal at DONE")
	}
	if err := b.CheckInvariants(); err != nil {
		t.Errorf("Invariants violated: %v", err)
	}
}

func TestStepRejectsInvalidEdge(t *testing.T) {
	b := New("bug_3", "a.go", 20)

	err := b.Step(PhaseVerify, "skip ahead", "observer")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	if b.Attempts != 0 || len(b.History) != 1 {
		t.Error("Failed step must not mutate the bug")
	}
}

func TestStepRejectsTerminal(t *testing.T) {
	b := New("bug_4", "a.go", 20)
	for _, to := range []Phase{PhaseRepro, PhaseEscalate} {
		if err := b.Step(to, "x", "observer"); err != nil {
			t.Fatal(err)
		}
	}

	if err := b.Step(PhaseRepro, "resurrect", "observer"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition on terminal bug, got %v", err)
	}
}

func TestSelfEdgeAllowedOnWorkingPhases(t *testing.T) {
	b := New("bug_5", "a.go", 20)
	if err := b.Step(PhaseRepro, "activated", "observer"); err != nil {
		t.Fatal(err)
	}

	// No progress: stay in REPRO, still one attempt
	if err := b.Step(PhaseRepro, "retry", "observer"); err != nil {
		t.Errorf("Self-edge on REPRO should be valid: %v", err)
	}
	if b.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", b.Attempts)
	}
}

func TestVerifyBackEdge(t *testing.T) {
	if !IsValidTransition(PhaseVerify, PhasePatch) {
		t.Error("VERIFY -> PATCH back-edge must be permitted")
	}
	if IsValidTransition(PhaseDone, PhaseWait) {
		t.Error("DONE must have no outgoing edges")
	}
	if IsValidTransition(PhaseEscalate, PhaseEscalate) {
		t.Error("Terminal self-edge must be rejected")
	}
}

func TestEscalateReachableFromEveryWorkingPhase(t *testing.T) {
	for _, from := range []Phase{PhaseWait, PhaseRepro, PhaseAnalyze, PhasePatch, PhaseVerify} {
		if !IsValidTransition(from, PhaseEscalate) {
			t.Errorf("ESCALATE must be reachable from %s", from)
		}
	}
}

func TestLoopDetection(t *testing.T) {
	b := New("bug_6", "a.go", 20)
	if err := b.Step(PhaseRepro, "activated", "observer"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < LoopWindowSize-1; i++ {
		b.RecordSelection("observer")
		if b.LoopDetected() {
			t.Fatalf("Loop detected too early at selection %d", i+1)
		}
	}
	b.RecordSelection("observer")
	if !b.LoopDetected() {
		t.Error("Expected loop detection after 4 identical selections in same phase")
	}

	b.ResetLoopWindow()
	if b.LoopDetected() {
		t.Error("Reset window should disarm the detector")
	}
}

func TestLoopDetectionRequiresSamePhase(t *testing.T) {
	b := New("bug_7", "a.go", 20)
	if err := b.Step(PhaseRepro, "activated", "observer"); err != nil {
		t.Fatal(err)
	}

	b.RecordSelection("observer")
	b.RecordSelection("observer")
	if err := b.Step(PhaseAnalyze, "reproduced", "observer"); err != nil {
		t.Fatal(err)
	}
	b.RecordSelection("observer")
	b.RecordSelection("observer")

	if b.LoopDetected() {
		t.Error("Phase change within the window must disarm loop detection")
	}
}

func TestParsePhase(t *testing.T) {
	if p, err := ParsePhase("VERIFY"); err != nil || p != PhaseVerify {
		t.Errorf("Expected VERIFY, got %v (%v)", p, err)
	}
	if _, err := ParsePhase("LIMBO"); err == nil {
		t.Error("Expected error for unknown phase")
	}
}

func TestTimerDecrement(t *testing.T) {
	b := New("bug_8", "a.go", 2)
	_ = b.Step(PhaseRepro, "x", "observer")
	_ = b.Step(PhaseAnalyze, "x", "observer")
	_ = b.Step(PhasePatch, "x", "analyst")

	if b.Timer != 0 {
		t.Errorf("Timer should floor at 0, got %d", b.Timer)
	}
}
