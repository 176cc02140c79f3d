package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"triangulum/pkg/proto"
)

func TestObserverHandle(t *testing.T) {
	detector := &ScriptedDetector{Bugs: map[string][]string{
		"a.go": {"div-by-zero"},
	}}
	observer := NewObserver(detector)

	request := proto.NewTaskRequest("coordinator", observer.ID(), proto.ActionDetect, "bug_1", "a.go")
	result, err := observer.Handle(context.Background(), request)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if result.Type != proto.MsgTypeTaskResult {
		t.Errorf("Expected TASK_RESULT, got %s", result.Type)
	}
	if proto.BugCount(result) != 1 {
		t.Errorf("Expected 1 bug in result, got %d", proto.BugCount(result))
	}
	if result.CorrelationID != request.CorrelationID {
		t.Error("Result must keep the request correlation ID")
	}
}

func TestObserverRejectsWrongAction(t *testing.T) {
	observer := NewObserver(&ScriptedDetector{})
	request := proto.NewTaskRequest("coordinator", observer.ID(), proto.ActionPatch, "bug_1", "a.go")

	if _, err := observer.Handle(context.Background(), request); !errors.Is(err, ErrUnsupportedAction) {
		t.Errorf("Expected ErrUnsupportedAction, got %v", err)
	}
}

func TestAnalystHandleDepth(t *testing.T) {
	analyzer := &ScriptedAnalyzer{
		Related: map[string][]string{"a.go": {"b.go", "c.go"}},
		Hints:   map[string]float64{"a.go": 2.5},
	}
	analyst := NewAnalyst(analyzer)

	request := proto.NewTaskRequest("coordinator", analyst.ID(), proto.ActionAnalyze, "bug_1", "a.go")
	request.SetPayload(proto.KeyDepth, 3)

	result, err := analyst.Handle(context.Background(), request)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if hint, _ := result.GetPayload(proto.KeyPriorityHint); hint != 2.5 {
		t.Errorf("Expected priority hint 2.5, got %v", hint)
	}
}

func TestPatcherDryRunSkipsWrite(t *testing.T) {
	applier := &ScriptedApplier{}
	patcher := NewPatcher(applier, true)

	request := proto.NewTaskRequest("coordinator", patcher.ID(), proto.ActionPatch, "bug_1", "a.go")
	result, err := patcher.Handle(context.Background(), request)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if result.GetPayloadString(proto.KeyStatus) != proto.StatusPass {
		t.Error("Dry-run patch should report pass")
	}
	if len(applier.PatchedTargets()) != 0 {
		t.Error("Dry-run must not invoke the collaborator write")
	}
}

func TestPatcherWetRunWrites(t *testing.T) {
	applier := &ScriptedApplier{}
	patcher := NewPatcher(applier, false)

	request := proto.NewTaskRequest("coordinator", patcher.ID(), proto.ActionPatch, "bug_1", "a.go")
	if _, err := patcher.Handle(context.Background(), request); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if targets := applier.PatchedTargets(); len(targets) != 1 || targets[0] != "a.go" {
		t.Errorf("Expected one patch write for a.go, got %v", targets)
	}
}

func TestVerifierFailIsResultNotError(t *testing.T) {
	verifier := NewVerifier(&ScriptedVerifier{Script: []string{"fail"}})

	request := proto.NewTaskRequest("coordinator", verifier.ID(), proto.ActionVerify, "bug_1", "a.go")
	result, err := verifier.Handle(context.Background(), request)
	if err != nil {
		t.Fatalf("Failing verification must not be an error: %v", err)
	}
	if result.GetPayloadString(proto.KeyStatus) != proto.StatusFail {
		t.Errorf("Expected status fail, got %s", result.GetPayloadString(proto.KeyStatus))
	}
	if !result.IsError() {
		t.Error("Fail result should report IsError")
	}
}

func TestCoordinatorForwardsToSink(t *testing.T) {
	var got *proto.AgentMsg
	coordinator := NewCoordinator(func(msg *proto.AgentMsg) { got = msg })

	msg := proto.NewAgentMsg(proto.MsgTypeTaskResult, "verifier", coordinator.ID())
	result, err := coordinator.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if result != nil {
		t.Error("Coordinator should not produce a reply")
	}
	if got == nil || got.ID != msg.ID {
		t.Error("Sink did not receive the message")
	}
}

type slowAgent struct{}

func (s *slowAgent) ID() string      { return "slow" }
func (s *slowAgent) AgentType() Type { return TypeObserver }
func (s *slowAgent) Handle(ctx context.Context, _ *proto.AgentMsg) (*proto.AgentMsg, error) {
	select {
	case <-time.After(5 * time.Second):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestWithTimeout(t *testing.T) {
	wrapped := WithTimeout(&slowAgent{}, 20*time.Millisecond)

	msg := proto.NewAgentMsg(proto.MsgTypeTaskRequest, "coordinator", "slow")
	start := time.Now()
	_, err := wrapped.Handle(context.Background(), msg)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Timeout took too long: %v", elapsed)
	}
}

func TestFileProbeDetectAndPatch(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "buggy.go")
	content := "package main\n// FIXME divide by zero\nfunc main() {}\n"
	if err := os.WriteFile(target, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	probe := NewFileProbe()
	ctx := context.Background()

	report, err := probe.Detect(ctx, target, "")
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(report.Bugs) != 1 {
		t.Fatalf("Expected 1 bug, got %d", len(report.Bugs))
	}

	verify, err := probe.Verify(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if verify.Status != "fail" {
		t.Error("Verification should fail while markers remain")
	}

	patch, err := probe.Patch(ctx, target, "")
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if !patch.Patched {
		t.Error("Expected patch to report a write")
	}

	verify, err = probe.Verify(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if verify.Status != "pass" {
		t.Error("Verification should pass after patching")
	}
}

func TestValidateType(t *testing.T) {
	if _, ok := ValidateType("patcher"); !ok {
		t.Error("patcher should be a valid type")
	}
	if _, ok := ValidateType("wizard"); ok {
		t.Error("wizard should not be a valid type")
	}
}
