// Package bug defines the unit-of-work record tracked through the healing
// lifecycle, and the phase machine governing its transitions.
package bug

import (
	"fmt"
)

// Phase is a named stage in the bug lifecycle.
type Phase string

// Bug phase constants. This file is the single source of truth for all
// phase transitions; tests must match this table exactly.
const (
	// Entry phase
	PhaseWait Phase = "WAIT"

	// Working phases
	PhaseRepro   Phase = "REPRO"
	PhaseAnalyze Phase = "ANALYZE"
	PhasePatch   Phase = "PATCH"
	PhaseVerify  Phase = "VERIFY"

	// Terminal phases
	PhaseDone     Phase = "DONE"
	PhaseEscalate Phase = "ESCALATE"
)

// phaseTransitions defines the canonical phase transition map.
// ESCALATE is reachable from every non-terminal phase because escalation
// preempts the normal policy. A phase may also repeat itself: a step that
// makes no progress stays in place and still consumes one attempt.
var phaseTransitions = map[Phase][]Phase{
	// WAIT activates into reproduction
	PhaseWait: {PhaseRepro, PhaseEscalate},

	// REPRO hands off to analysis once the bug is reproduced
	PhaseRepro: {PhaseAnalyze, PhaseEscalate},

	// ANALYZE hands off to patching
	PhaseAnalyze: {PhasePatch, PhaseEscalate},

	// PATCH hands off to verification
	PhasePatch: {PhaseVerify, PhaseEscalate},

	// VERIFY closes the bug, bounces back to PATCH on failure, or escalates
	PhaseVerify: {PhaseDone, PhasePatch, PhaseEscalate},

	// Terminal phases have no outgoing edges
	PhaseDone:     {},
	PhaseEscalate: {},
}

// ValidPhases returns all phases in lifecycle order.
func ValidPhases() []Phase {
	return []Phase{
		PhaseWait, PhaseRepro, PhaseAnalyze, PhasePatch, PhaseVerify,
		PhaseDone, PhaseEscalate,
	}
}

// ValidatePhase checks if a phase is known.
func ValidatePhase(phase Phase) error {
	for _, valid := range ValidPhases() {
		if phase == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid bug phase: %s", phase)
}

// ValidNextPhases returns the allowed next phases for a given phase,
// excluding the implicit self-edge.
func ValidNextPhases(from Phase) []Phase {
	return phaseTransitions[from]
}

// IsValidTransition checks if a transition between two phases is allowed.
// Self-edges on non-terminal phases are always valid.
func IsValidTransition(from, to Phase) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, phase := range phaseTransitions[from] {
		if phase == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the phase admits no further steps.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseEscalate
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// ParsePhase parses a string into a Phase with validation.
func ParsePhase(s string) (Phase, error) {
	phase := Phase(s)
	if err := ValidatePhase(phase); err != nil {
		return "", err
	}
	return phase, nil
}
