package agent

import (
	"context"
	"sync"
	"time"
)

// Scripted collaborators for tests and demos. They answer from fixed
// tables instead of doing any real analysis.

// ScriptedDetector reports a fixed bug list per target. Delay, when set,
// stalls each call to simulate a slow collaborator.
type ScriptedDetector struct {
	mu    sync.Mutex
	Bugs  map[string][]string // target -> bugs
	Delay time.Duration
	Err   error
	Calls int
}

func (d *ScriptedDetector) Detect(ctx context.Context, target, _ string) (*DetectReport, error) {
	if d.Delay > 0 {
		select {
		case <-time.After(d.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
	if d.Err != nil {
		return nil, d.Err
	}
	return &DetectReport{Bugs: d.Bugs[target]}, nil
}

// ScriptedAnalyzer reports fixed relationships per target.
type ScriptedAnalyzer struct {
	mu      sync.Mutex
	Related map[string][]string // target -> related
	Hints   map[string]float64  // target -> priority hint
	Err     error
	Calls   int
}

func (a *ScriptedAnalyzer) Analyze(_ context.Context, target string, _ int) (*RelationReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls++
	if a.Err != nil {
		return nil, a.Err
	}
	return &RelationReport{
		Related:      a.Related[target],
		PriorityHint: a.Hints[target],
	}, nil
}

// ScriptedApplier records patch writes so tests can assert on dry-run.
type ScriptedApplier struct {
	mu      sync.Mutex
	Err     error
	Patched []string // Targets written, in call order
}

func (p *ScriptedApplier) Patch(_ context.Context, target, _ string) (*PatchReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	p.Patched = append(p.Patched, target)
	return &PatchReport{Patched: true, Diff: "--- " + target}, nil
}

// PatchedTargets returns a copy of the recorded writes.
func (p *ScriptedApplier) PatchedTargets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.Patched...)
}

// ScriptedVerifier answers with a fixed pass/fail script. An empty script
// always passes; otherwise answers cycle through Script and the last entry
// repeats.
type ScriptedVerifier struct {
	mu     sync.Mutex
	Script []string // Sequence of "pass"/"fail" answers
	Err    error
	Calls  int
}

func (v *ScriptedVerifier) Verify(_ context.Context, _ string) (*VerifyReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.Err != nil {
		return nil, v.Err
	}

	status := "pass"
	if len(v.Script) > 0 {
		idx := v.Calls
		if idx >= len(v.Script) {
			idx = len(v.Script) - 1
		}
		status = v.Script[idx]
	}
	v.Calls++
	return &VerifyReport{Status: status, Detail: "scripted"}, nil
}

// ScriptedCollaborators assembles a full scripted set with benign defaults:
// no bugs anywhere, no relationships, verification always passes.
func ScriptedCollaborators() (*Collaborators, *ScriptedDetector, *ScriptedApplier, *ScriptedVerifier) {
	detector := &ScriptedDetector{Bugs: map[string][]string{}}
	analyzer := &ScriptedAnalyzer{Related: map[string][]string{}, Hints: map[string]float64{}}
	applier := &ScriptedApplier{}
	verifier := &ScriptedVerifier{}

	return &Collaborators{
		Detector: detector,
		Analyzer: analyzer,
		Applier:  applier,
		Verifier: verifier,
	}, detector, applier, verifier
}
