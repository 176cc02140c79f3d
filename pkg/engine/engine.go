// Package engine owns the bug arena and the tick loop that drives every
// active bug through the orchestrator.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"triangulum/pkg/bug"
	"triangulum/pkg/logx"
	"triangulum/pkg/orch"
)

// DefaultMaxTicks bounds a run when bugs never settle. With one step per
// bug per tick and escalation at the attempts ceiling, healthy runs finish
// well under this.
const DefaultMaxTicks = 100

// entry pairs a bug with its step lock. The lock enforces the single-writer
// rule: no two steps for the same bug ever overlap, even across ticks.
//
// Lock order: ent.mu before e.mu. A step goroutine holds ent.mu while
// recording its outcome under e.mu, so nothing may acquire ent.mu while
// holding e.mu; readers snapshot the entry list first and lock entries
// only after releasing the engine lock.
type entry struct {
	mu  sync.Mutex
	id  string
	bug *bug.State
}

// Stats is a snapshot of run progress.
type Stats struct {
	Ticks     int
	Active    int
	Done      int
	Escalated int
	Steps     int
	Fatal     bool
}

// Engine runs the tick loop over the arena. Bugs are referenced by ID;
// callers never hold *bug.State across ticks.
type Engine struct {
	orch     *orch.Orchestrator
	logger   *logx.Logger
	workers  int
	maxTicks int

	mu    sync.Mutex
	arena map[string]*entry
	order []string // insertion order, for deterministic tick sweeps
	stats Stats
	fatal error
}

// New creates an Engine. workers bounds per-tick parallelism; values below
// 1 mean sequential. maxTicks below 1 selects the default budget.
func New(o *orch.Orchestrator, workers, maxTicks int) *Engine {
	if workers < 1 {
		workers = 1
	}
	if maxTicks < 1 {
		maxTicks = DefaultMaxTicks
	}
	return &Engine{
		orch:     o,
		logger:   logx.NewLogger("engine"),
		workers:  workers,
		maxTicks: maxTicks,
		arena:    make(map[string]*entry),
	}
}

// AddBug registers a bug in the arena. Adding mid-run is allowed; the bug
// joins the sweep on the next tick. Duplicate IDs are rejected.
func (e *Engine) AddBug(b *bug.State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.arena[b.ID]; exists {
		return fmt.Errorf("bug %s already in arena", b.ID)
	}
	e.arena[b.ID] = &entry{id: b.ID, bug: b}
	e.order = append(e.order, b.ID)
	return nil
}

// Bug returns the state for an ID, or nil. The engine still owns the
// record; callers treat it as read-only between ticks.
func (e *Engine) Bug(id string) *bug.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.arena[id]; ok {
		return ent.bug
	}
	return nil
}

// BugIDs returns the arena IDs in insertion order.
func (e *Engine) BugIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.order...)
}

// entries returns the arena entries in insertion order. The copy lets
// callers lock individual entries without holding the engine lock.
func (e *Engine) entries() []*entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*entry, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.arena[id])
	}
	return out
}

// active returns the entries still taking steps, in insertion order.
func (e *Engine) active() []*entry {
	var out []*entry
	for _, ent := range e.entries() {
		ent.mu.Lock()
		terminal := ent.bug.IsTerminal()
		ent.mu.Unlock()
		if !terminal {
			out = append(out, ent)
		}
	}
	return out
}

// Tick runs one orchestration step for every active bug. Steps for
// distinct bugs run concurrently up to the worker bound. A fatal outcome
// poisons the run; remaining bugs are left untouched from the next tick on.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.Lock()
	if e.fatal != nil {
		e.mu.Unlock()
		return
	}
	e.stats.Ticks++
	e.mu.Unlock()

	pending := e.active()
	if len(pending) == 0 {
		return
	}

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	for _, ent := range pending {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(ent *entry) {
			defer wg.Done()
			defer func() { <-sem }()

			ent.mu.Lock()
			defer ent.mu.Unlock()
			if ent.bug.IsTerminal() {
				return
			}
			outcome := e.orch.Step(ctx, ent.bug)
			e.record(ent.bug, outcome)
		}(ent)
	}
	wg.Wait()
}

func (e *Engine) record(b *bug.State, outcome orch.Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Steps++
	switch outcome.Kind {
	case orch.FatalError:
		// Failures are isolated per bug unless the policy itself broke.
		if outcome.Reason == "policy_violation" && e.fatal == nil {
			e.fatal = outcome.Err
			e.stats.Fatal = true
			e.logger.Error("Run poisoned: %v", outcome.Err)
		} else {
			e.logger.Warn("Bug %s failed fatally: %v", b.ID, outcome.Err)
		}
	case orch.RecoverableError:
		e.logger.Debug("Bug %s: recoverable: %v", b.ID, outcome.Err)
	}
}

// Done reports whether the run is finished: every bug terminal, the tick
// budget exhausted, or the run poisoned by a policy violation.
func (e *Engine) Done() bool {
	e.mu.Lock()
	finished := e.fatal != nil || e.stats.Ticks >= e.maxTicks
	e.mu.Unlock()
	if finished {
		return true
	}
	for _, ent := range e.entries() {
		ent.mu.Lock()
		terminal := ent.bug.IsTerminal()
		ent.mu.Unlock()
		if !terminal {
			return false
		}
	}
	return true
}

// Err returns the poisoning error, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

// Run ticks until Done or the context is canceled. Cancellation is
// observed between ticks; in-flight steps finish first.
func (e *Engine) Run(ctx context.Context) error {
	for !e.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.Tick(ctx)
	}
	return e.Err()
}

// Snapshot returns current run stats plus per-phase counts.
func (e *Engine) Snapshot() (Stats, map[bug.Phase]int) {
	e.mu.Lock()
	stats := e.stats
	e.mu.Unlock()

	phases := make(map[bug.Phase]int)
	stats.Active, stats.Done, stats.Escalated = 0, 0, 0
	for _, ent := range e.entries() {
		ent.mu.Lock()
		phase := ent.bug.Phase
		ent.mu.Unlock()
		phases[phase]++
		switch phase {
		case bug.PhaseDone:
			stats.Done++
		case bug.PhaseEscalate:
			stats.Escalated++
		default:
			stats.Active++
		}
	}
	return stats, phases
}

// TerminalBugs returns the IDs of bugs in the given terminal phase, sorted
// for stable reporting.
func (e *Engine) TerminalBugs(phase bug.Phase) []string {
	var ids []string
	for _, ent := range e.entries() {
		ent.mu.Lock()
		match := ent.bug.Phase == phase
		ent.mu.Unlock()
		if match {
			ids = append(ids, ent.id)
		}
	}
	sort.Strings(ids)
	return ids
}
