package bug

import (
	"fmt"
	"time"
)

// LoopWindowSize is the number of recent agent selections kept per bug for
// loop detection.
const LoopWindowSize = 4

// ErrInvalidTransition indicates an attempt to move along an edge the phase
// machine does not permit. This is a policy violation: it signals an
// orchestrator defect and must abort the run rather than coerce state.
var ErrInvalidTransition = fmt.Errorf("invalid phase transition")

// HistoryEntry records a single orchestration step taken against a bug.
// History is append-only and totally ordered by step.
type HistoryEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	FromPhase   Phase     `json:"from_phase"`
	ToPhase     Phase     `json:"to_phase"`
	Reason      string    `json:"reason"`
	ActingAgent string    `json:"acting_agent"`
}

// Selection records one agent selection and the phase it was made in,
// kept in the sliding loop-detection window.
type Selection struct {
	Agent string
	Phase Phase
}

// State is the unit-of-work record driven through the lifecycle. It is
// mutated exclusively by the orchestrator's step function; the engine
// enforces the single-writer discipline with a per-bug lock.
type State struct {
	ID       string `json:"id"`
	Target   string `json:"target"` // Opaque artifact reference, resolved by collaborators
	Phase    Phase  `json:"phase"`
	Attempts int    `json:"attempts"`
	Timer    int    `json:"timer"` // Remaining soft budget, decremented per step

	History     []HistoryEntry `json:"history"`
	LastAgents  []Selection    `json:"-"`
	BugsFound   int            `json:"bugs_found"` // Detect report size, for run metrics only
	ScheduledAt time.Time      `json:"scheduled_at"`
}

// New creates a bug at phase WAIT with the initial history entry, so the
// invariant len(History) == Attempts+1 holds from birth.
func New(id, target string, timer int) *State {
	return &State{
		ID:       id,
		Target:   target,
		Phase:    PhaseWait,
		Attempts: 0,
		Timer:    timer,
		History: []HistoryEntry{{
			Timestamp:   time.Now().UTC(),
			FromPhase:   PhaseWait,
			ToPhase:     PhaseWait,
			Reason:      "created",
			ActingAgent: "scheduler",
		}},
		ScheduledAt: time.Now().UTC(),
	}
}

// Step applies one orchestration step: exactly one attempt consumed and
// exactly one history entry appended. Returns ErrInvalidTransition when the
// requested edge is not in the table.
func (s *State) Step(to Phase, reason, actingAgent string) error {
	if s.Phase.IsTerminal() {
		return fmt.Errorf("%w: bug %s is terminal at %s", ErrInvalidTransition, s.ID, s.Phase)
	}
	if !IsValidTransition(s.Phase, to) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, s.Phase, to)
	}

	s.History = append(s.History, HistoryEntry{
		Timestamp:   time.Now().UTC(),
		FromPhase:   s.Phase,
		ToPhase:     to,
		Reason:      reason,
		ActingAgent: actingAgent,
	})
	s.Phase = to
	s.Attempts++
	if s.Timer > 0 {
		s.Timer--
	}
	return nil
}

// RecordSelection pushes an agent selection into the sliding window.
func (s *State) RecordSelection(agentType string) {
	s.LastAgents = append(s.LastAgents, Selection{Agent: agentType, Phase: s.Phase})
	if len(s.LastAgents) > LoopWindowSize {
		s.LastAgents = s.LastAgents[len(s.LastAgents)-LoopWindowSize:]
	}
}

// LoopDetected reports whether the same agent type was selected on the last
// LoopWindowSize consecutive steps with no phase change.
func (s *State) LoopDetected() bool {
	if len(s.LastAgents) < LoopWindowSize {
		return false
	}
	first := s.LastAgents[0]
	for _, sel := range s.LastAgents[1:] {
		if sel.Agent != first.Agent || sel.Phase != first.Phase {
			return false
		}
	}
	return true
}

// ResetLoopWindow clears the selection window, used after a forced override
// so the detector re-arms instead of firing on every subsequent step.
func (s *State) ResetLoopWindow() {
	s.LastAgents = nil
}

// IsTerminal reports whether the bug takes no further steps.
func (s *State) IsTerminal() bool {
	return s.Phase.IsTerminal()
}

// LastEntry returns the most recent history entry.
func (s *State) LastEntry() HistoryEntry {
	return s.History[len(s.History)-1]
}

// CheckInvariants validates the record-keeping invariants. A violation is
// an orchestrator defect, not a data condition.
func (s *State) CheckInvariants() error {
	if err := ValidatePhase(s.Phase); err != nil {
		return err
	}
	if len(s.History) != s.Attempts+1 {
		return fmt.Errorf("bug %s: history length %d != attempts+1 (%d)",
			s.ID, len(s.History), s.Attempts+1)
	}
	return nil
}
