package engine

import (
	"context"
	"testing"
	"time"

	"triangulum/pkg/agent"
	"triangulum/pkg/bug"
	"triangulum/pkg/bus"
	"triangulum/pkg/orch"
)

func newTestEngine(t *testing.T, workers int) (*Engine, *agent.ScriptedDetector, *agent.ScriptedVerifier) {
	t.Helper()
	collabs, detector, _, verifier := agent.ScriptedCollaborators()
	o := orch.New(bus.New(nil), nil, orch.Config{MaxIterations: 15})
	o.AttachWorkers(context.Background(), collabs, false)
	return New(o, workers, 0), detector, verifier
}

func TestRunDrivesAllBugsToDone(t *testing.T) {
	e, _, _ := newTestEngine(t, 1)
	for _, id := range []string{"bug_1", "bug_2", "bug_3"} {
		if err := e.AddBug(bug.New(id, id+".go", 20)); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	stats, phases := e.Snapshot()
	if stats.Done != 3 || stats.Active != 0 {
		t.Errorf("Expected 3 done bugs, got %+v", stats)
	}
	if phases[bug.PhaseDone] != 3 {
		t.Errorf("Expected 3 bugs in DONE, got %v", phases)
	}
	// Five steps per bug on the happy path.
	if stats.Steps != 15 {
		t.Errorf("Expected 15 steps, got %d", stats.Steps)
	}
}

func TestRunWithWorkersParallel(t *testing.T) {
	e, _, _ := newTestEngine(t, 4)
	for i := 0; i < 8; i++ {
		id := string(rune('a' + i))
		if err := e.AddBug(bug.New("bug_"+id, id+".go", 20)); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	stats, _ := e.Snapshot()
	if stats.Done != 8 {
		t.Errorf("Expected 8 done bugs, got %+v", stats)
	}
	for _, id := range e.BugIDs() {
		if err := e.Bug(id).CheckInvariants(); err != nil {
			t.Error(err)
		}
	}
}

func TestFailureIsolation(t *testing.T) {
	e, _, verifier := newTestEngine(t, 2)
	verifier.Script = []string{"fail"} // every bug escalates

	if err := e.AddBug(bug.New("bug_1", "a.go", 30)); err != nil {
		t.Fatal(err)
	}
	if err := e.AddBug(bug.New("bug_2", "b.go", 30)); err != nil {
		t.Fatal(err)
	}

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Escalations must not poison the run: %v", err)
	}

	stats, _ := e.Snapshot()
	if stats.Escalated != 2 {
		t.Errorf("Expected 2 escalated bugs, got %+v", stats)
	}
	for _, id := range []string{"bug_1", "bug_2"} {
		b := e.Bug(id)
		if b.Attempts != 15 || len(b.History) != 16 {
			t.Errorf("Bug %s: attempts=%d history=%d", id, b.Attempts, len(b.History))
		}
	}
}

func TestDuplicateBugRejected(t *testing.T) {
	e, _, _ := newTestEngine(t, 1)
	if err := e.AddBug(bug.New("bug_1", "a.go", 10)); err != nil {
		t.Fatal(err)
	}
	if err := e.AddBug(bug.New("bug_1", "other.go", 10)); err == nil {
		t.Error("Expected duplicate ID rejection")
	}
}

func TestAddBugMidRun(t *testing.T) {
	e, _, _ := newTestEngine(t, 1)
	if err := e.AddBug(bug.New("bug_1", "a.go", 20)); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	e.Tick(ctx)
	e.Tick(ctx)

	// A late arrival joins the sweep on the next tick.
	if err := e.AddBug(bug.New("bug_2", "b.go", 20)); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	stats, _ := e.Snapshot()
	if stats.Done != 2 {
		t.Errorf("Expected both bugs done, got %+v", stats)
	}
}

func TestMaxTickBudget(t *testing.T) {
	collabs, detector, _, _ := agent.ScriptedCollaborators()
	detector.Err = context.DeadlineExceeded // keep the bug spinning in WAIT
	o := orch.New(bus.New(nil), nil, orch.Config{MaxIterations: 1000})
	o.AttachWorkers(context.Background(), collabs, false)

	e := New(o, 1, 5)
	if err := e.AddBug(bug.New("bug_1", "a.go", 10)); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Budget exhaustion is not an error: %v", err)
	}

	stats, _ := e.Snapshot()
	if stats.Ticks != 5 {
		t.Errorf("Expected exactly 5 ticks, got %d", stats.Ticks)
	}
	if stats.Active != 1 {
		t.Errorf("Bug should still be active, got %+v", stats)
	}
}

func TestCancellationBetweenTicks(t *testing.T) {
	e, detector, _ := newTestEngine(t, 1)
	detector.Err = context.DeadlineExceeded
	if err := e.AddBug(bug.New("bug_1", "a.go", 10)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := e.Run(ctx); err == nil {
		t.Error("Expected cancellation error from Run")
	}
}

func TestDonePollDuringSlowSteps(t *testing.T) {
	// The healer polls Done and Snapshot from its own goroutine while Run
	// ticks. Polls must not block against an in-flight step that is holding
	// a per-bug lock.
	e, detector, _ := newTestEngine(t, 1)
	detector.Delay = 30 * time.Millisecond
	if err := e.AddBug(bug.New("bug_1", "a.go", 20)); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				e.Done()
				e.Snapshot()
				time.Sleep(time.Millisecond)
			}
		}
	}()

	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(context.Background()) }()

	select {
	case err := <-runDone:
		close(stop)
		if err != nil {
			t.Fatalf("Run failed under concurrent polling: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run never finished while Done was polled concurrently")
	}

	stats, _ := e.Snapshot()
	if stats.Done != 1 {
		t.Errorf("Expected 1 done bug, got %+v", stats)
	}
}

func TestTerminalBugsSorted(t *testing.T) {
	e, _, _ := newTestEngine(t, 1)
	for _, id := range []string{"bug_c", "bug_a", "bug_b"} {
		if err := e.AddBug(bug.New(id, id+".go", 20)); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := e.TerminalBugs(bug.PhaseDone)
	want := []string{"bug_a", "bug_b", "bug_c"}
	for i, id := range want {
		if done[i] != id {
			t.Fatalf("Expected sorted IDs %v, got %v", want, done)
		}
	}
}
