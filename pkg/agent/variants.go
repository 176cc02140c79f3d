package agent

import (
	"context"
	"fmt"

	"triangulum/pkg/logx"
	"triangulum/pkg/proto"
)

// Observer reproduces and detects bugs via the detection collaborator.
type Observer struct {
	detector BugDetector
	logger   *logx.Logger
}

func NewObserver(detector BugDetector) *Observer {
	return &Observer{
		detector: detector,
		logger:   logx.NewLogger(string(TypeObserver)),
	}
}

func (o *Observer) ID() string      { return string(TypeObserver) }
func (o *Observer) AgentType() Type { return TypeObserver }

func (o *Observer) Handle(ctx context.Context, msg *proto.AgentMsg) (*proto.AgentMsg, error) {
	target, err := requireAction(msg, proto.ActionDetect)
	if err != nil {
		return nil, err
	}

	bugType := msg.GetPayloadString(proto.KeyBugType)
	report, err := o.detector.Detect(ctx, target, bugType)
	if err != nil {
		return nil, fmt.Errorf("detect %s: %w", target, err)
	}

	o.logger.Debug("Detected %d bug(s) in %s", len(report.Bugs), target)

	result := proto.NewTaskResult(msg, o.ID(), proto.StatusPass)
	result.SetPayload(proto.KeyBugs, report.Bugs)
	return result, nil
}

// Analyst maps the target's relationships via the analysis collaborator.
type Analyst struct {
	analyzer RelationshipAnalyzer
	logger   *logx.Logger
}

func NewAnalyst(analyzer RelationshipAnalyzer) *Analyst {
	return &Analyst{
		analyzer: analyzer,
		logger:   logx.NewLogger(string(TypeAnalyst)),
	}
}

func (a *Analyst) ID() string      { return string(TypeAnalyst) }
func (a *Analyst) AgentType() Type { return TypeAnalyst }

func (a *Analyst) Handle(ctx context.Context, msg *proto.AgentMsg) (*proto.AgentMsg, error) {
	target, err := requireAction(msg, proto.ActionAnalyze)
	if err != nil {
		return nil, err
	}

	depth := 1
	if raw, ok := msg.GetPayload(proto.KeyDepth); ok {
		switch v := raw.(type) {
		case int:
			depth = v
		case float64: // JSON round-trip turns ints into float64
			depth = int(v)
		}
	}

	report, err := a.analyzer.Analyze(ctx, target, depth)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", target, err)
	}

	result := proto.NewTaskResult(msg, a.ID(), proto.StatusPass)
	result.SetPayload(proto.KeyRelated, report.Related)
	result.SetPayload(proto.KeyPriorityHint, report.PriorityHint)
	return result, nil
}

// Patcher applies fixes via the patch collaborator. In dry-run mode the
// side-effecting write is suppressed and a simulated result is reported;
// everything upstream behaves identically.
type Patcher struct {
	applier PatchApplier
	dryRun  bool
	logger  *logx.Logger
}

func NewPatcher(applier PatchApplier, dryRun bool) *Patcher {
	return &Patcher{
		applier: applier,
		dryRun:  dryRun,
		logger:  logx.NewLogger(string(TypePatcher)),
	}
}

func (p *Patcher) ID() string      { return string(TypePatcher) }
func (p *Patcher) AgentType() Type { return TypePatcher }

func (p *Patcher) Handle(ctx context.Context, msg *proto.AgentMsg) (*proto.AgentMsg, error) {
	target, err := requireAction(msg, proto.ActionPatch)
	if err != nil {
		return nil, err
	}

	if p.dryRun {
		p.logger.Info("Dry-run: skipping patch write for %s", target)
		result := proto.NewTaskResult(msg, p.ID(), proto.StatusPass)
		result.SetPayload(proto.KeyPatched, false)
		result.SetPayload(proto.KeyDiff, "")
		return result, nil
	}

	strategy := msg.GetPayloadString(proto.KeyStrategy)
	report, err := p.applier.Patch(ctx, target, strategy)
	if err != nil {
		return nil, fmt.Errorf("patch %s: %w", target, err)
	}

	result := proto.NewTaskResult(msg, p.ID(), proto.StatusPass)
	result.SetPayload(proto.KeyPatched, report.Patched)
	result.SetPayload(proto.KeyDiff, report.Diff)
	return result, nil
}

// Verifier checks patched targets via the verification collaborator. A
// failing verification is a normal result with status "fail", not an error.
type Verifier struct {
	verifier PatchVerifier
	logger   *logx.Logger
}

func NewVerifier(verifier PatchVerifier) *Verifier {
	return &Verifier{
		verifier: verifier,
		logger:   logx.NewLogger(string(TypeVerifier)),
	}
}

func (v *Verifier) ID() string      { return string(TypeVerifier) }
func (v *Verifier) AgentType() Type { return TypeVerifier }

func (v *Verifier) Handle(ctx context.Context, msg *proto.AgentMsg) (*proto.AgentMsg, error) {
	target, err := requireAction(msg, proto.ActionVerify)
	if err != nil {
		return nil, err
	}

	report, err := v.verifier.Verify(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", target, err)
	}

	status := proto.StatusFail
	if report.Status == proto.StatusPass {
		status = proto.StatusPass
	}

	result := proto.NewTaskResult(msg, v.ID(), status)
	result.SetPayload(proto.KeyDetail, report.Detail)
	return result, nil
}

// Coordinator is the orchestrator's inbox adapter: it consumes TASK_RESULT
// and ERROR traffic addressed to the coordination policy and forwards each
// message into the provided sink. It produces no reply of its own.
type Coordinator struct {
	sink func(msg *proto.AgentMsg)
}

func NewCoordinator(sink func(msg *proto.AgentMsg)) *Coordinator {
	return &Coordinator{sink: sink}
}

func (c *Coordinator) ID() string      { return string(TypeCoordinator) }
func (c *Coordinator) AgentType() Type { return TypeCoordinator }

func (c *Coordinator) Handle(_ context.Context, msg *proto.AgentMsg) (*proto.AgentMsg, error) {
	if c.sink != nil {
		c.sink(msg)
	}
	return nil, nil
}
