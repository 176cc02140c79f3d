// Package orch implements the per-bug orchestration policy: agent
// selection, loop breaking, bounded retries and escalation.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"triangulum/pkg/agent"
	"triangulum/pkg/bug"
	"triangulum/pkg/bus"
	"triangulum/pkg/logx"
	"triangulum/pkg/metrics"
	"triangulum/pkg/proto"
)

// coordinatorID is the bus subscriber identity the orchestrator answers to.
const coordinatorID = "coordinator"

// Kind classifies a step outcome. Errors are values here: a recoverable
// error keeps the bug in play, a fatal error aborts the run.
type Kind int

const (
	Ok Kind = iota
	RecoverableError
	FatalError
)

func (k Kind) String() string {
	switch k {
	case Ok:
		return "ok"
	case RecoverableError:
		return "recoverable_error"
	case FatalError:
		return "fatal_error"
	default:
		return "unknown"
	}
}

// Outcome is the result of one orchestration step.
type Outcome struct {
	Kind   Kind
	Reason string
	Err    error
}

// Config carries the policy knobs.
type Config struct {
	MaxIterations int    // Escalation ceiling on attempts, default 15
	Depth         int    // Relationship analysis depth passed to the Analyst
	BugType       string // Optional detector filter passed to the Observer
	Strategy      string // Optional patch strategy passed to the Patcher
}

// DefaultMaxIterations is the attempts ceiling before forced escalation.
const DefaultMaxIterations = 15

// Orchestrator drives single bugs through the lifecycle by publishing one
// task request per step and consuming the answer before the step returns.
// It is safe for concurrent use across distinct bugs; the engine guarantees
// no two steps for the same bug overlap.
type Orchestrator struct {
	bus      *bus.MessageBus
	logger   *logx.Logger
	recorder *metrics.Recorder // optional
	cfg      Config

	mu    sync.Mutex
	inbox map[string]*proto.AgentMsg // correlation ID -> reply
}

// New creates an Orchestrator subscribed to the bus as "coordinator".
func New(b *bus.MessageBus, recorder *metrics.Recorder, cfg Config) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	o := &Orchestrator{
		bus:      b,
		logger:   logx.NewLogger(coordinatorID),
		recorder: recorder,
		cfg:      cfg,
		inbox:    make(map[string]*proto.AgentMsg),
	}
	coordinator := agent.NewCoordinator(func(msg *proto.AgentMsg) {
		o.mu.Lock()
		o.inbox[msg.CorrelationID] = msg
		o.mu.Unlock()
	})
	sink := func(msg *proto.AgentMsg) error {
		_, err := coordinator.Handle(context.Background(), msg)
		return err
	}
	b.RegisterHandler(coordinatorID, proto.MsgTypeTaskResult, sink)
	b.RegisterHandler(coordinatorID, proto.MsgTypeError, sink)
	return o
}

// AttachAgent subscribes an agent's Handle method to task requests on the
// bus. Agent errors become ERROR envelopes with a severity matching the
// error kind, so the policy can distinguish timeout, recoverable and fatal
// failures without unwinding through the bus.
func (o *Orchestrator) AttachAgent(ctx context.Context, a agent.Agent) {
	o.bus.RegisterHandler(a.ID(), proto.MsgTypeTaskRequest, func(msg *proto.AgentMsg) error {
		reply, err := a.Handle(ctx, msg)
		if err != nil {
			severity := proto.SeverityRecoverable
			switch {
			case errors.Is(err, agent.ErrFatal):
				severity = proto.SeverityFatal
			case errors.Is(err, agent.ErrTimeout):
				severity = proto.SeverityTimeout
			}
			o.bus.Publish(proto.NewErrorMsg(msg, a.ID(), err, severity))
			return nil
		}
		if reply != nil {
			o.bus.Publish(reply)
		}
		return nil
	})
}

// AttachWorkers builds the four worker agents over the collaborator bundle
// and subscribes them to the bus.
func (o *Orchestrator) AttachWorkers(ctx context.Context, collabs *agent.Collaborators, dryRun bool) {
	o.AttachAgent(ctx, agent.NewObserver(collabs.Detector))
	o.AttachAgent(ctx, agent.NewAnalyst(collabs.Analyzer))
	o.AttachAgent(ctx, agent.NewPatcher(collabs.Applier, dryRun))
	o.AttachAgent(ctx, agent.NewVerifier(collabs.Verifier))
}

// agentFor maps the current phase to the canonical next agent.
func agentFor(phase bug.Phase) (agent.Type, string, bool) {
	switch phase {
	case bug.PhaseWait, bug.PhaseRepro:
		return agent.TypeObserver, proto.ActionDetect, true
	case bug.PhaseAnalyze:
		return agent.TypeAnalyst, proto.ActionAnalyze, true
	case bug.PhasePatch:
		return agent.TypePatcher, proto.ActionPatch, true
	case bug.PhaseVerify:
		return agent.TypeVerifier, proto.ActionVerify, true
	default:
		return "", "", false
	}
}

// Step runs one orchestration step for the given bug: escalation check,
// loop check, agent selection, one task request published, one reply
// consumed, one phase transition applied. Exactly one attempt is consumed
// on every path.
func (o *Orchestrator) Step(ctx context.Context, b *bug.State) Outcome {
	if b.IsTerminal() {
		return Outcome{Kind: FatalError, Reason: "policy_violation",
			Err: fmt.Errorf("step on terminal bug %s (%s)", b.ID, b.Phase)}
	}
	if err := ctx.Err(); err != nil {
		return Outcome{Kind: RecoverableError, Reason: "canceled", Err: err}
	}

	// Escalation preempts the normal policy.
	if b.Attempts >= o.cfg.MaxIterations {
		return o.escalate(b, fmt.Sprintf("max iterations reached (%d)", o.cfg.MaxIterations))
	}

	agentType, action, ok := agentFor(b.Phase)
	if !ok {
		return Outcome{Kind: FatalError, Reason: "policy_violation",
			Err: fmt.Errorf("no agent mapping for phase %s", b.Phase)}
	}

	// Loop breaker: four consecutive selections of the same agent with no
	// phase change force the Patcher, whatever the default policy says.
	forced := false
	if b.LoopDetected() {
		forced = true
		agentType = agent.TypePatcher
		action = proto.ActionPatch
		b.ResetLoopWindow()
		if o.recorder != nil {
			o.recorder.IncLoopOverride()
		}
		o.logger.Warn("Loop detected on bug %s at %s, forcing patcher", b.ID, b.Phase)
	}
	b.RecordSelection(string(agentType))

	request := proto.NewTaskRequest(coordinatorID, string(agentType), action, b.ID, b.Target)
	switch action {
	case proto.ActionDetect:
		if o.cfg.BugType != "" {
			request.SetPayload(proto.KeyBugType, o.cfg.BugType)
		}
	case proto.ActionAnalyze:
		request.SetPayload(proto.KeyDepth, o.cfg.Depth)
	case proto.ActionPatch:
		if o.cfg.Strategy != "" {
			request.SetPayload(proto.KeyStrategy, o.cfg.Strategy)
		}
	}

	start := time.Now()
	o.bus.Publish(request)
	reply := o.takeReply(request.CorrelationID)

	outcome := o.applyReply(b, agentType, forced, reply)
	if o.recorder != nil {
		o.recorder.ObserveStep(string(agentType), outcome.Kind.String(), time.Since(start))
		if b.IsTerminal() {
			o.recorder.IncTerminal(string(b.Phase))
		}
	}
	if err := b.CheckInvariants(); err != nil {
		return Outcome{Kind: FatalError, Reason: "policy_violation", Err: err}
	}
	return outcome
}

// applyReply turns the agent's answer into exactly one phase transition.
func (o *Orchestrator) applyReply(b *bug.State, agentType agent.Type, forced bool, reply *proto.AgentMsg) Outcome {
	actor := string(agentType)

	if reply == nil {
		// The bus swallowed the request: no subscriber or a broken one.
		if err := b.Step(b.Phase, "no response from "+actor, actor); err != nil {
			return o.violation(b, err)
		}
		return Outcome{Kind: RecoverableError, Reason: "no_response",
			Err: fmt.Errorf("no reply for bug %s from %s", b.ID, actor)}
	}

	if reply.Type == proto.MsgTypeError {
		severity, _ := reply.GetMetadata(proto.KeySeverity)
		detail := reply.GetPayloadString(proto.KeyError)
		switch severity {
		case proto.SeverityFatal:
			if err := b.Step(bug.PhaseEscalate, "fatal agent error: "+detail, actor); err != nil {
				return o.violation(b, err)
			}
			return Outcome{Kind: FatalError, Reason: "fatal_agent_error",
				Err: fmt.Errorf("bug %s: %s failed fatally: %s", b.ID, actor, detail)}
		case proto.SeverityTimeout:
			if err := b.Step(b.Phase, "agent timeout: "+detail, actor); err != nil {
				return o.violation(b, err)
			}
			return Outcome{Kind: RecoverableError, Reason: "timeout",
				Err: fmt.Errorf("bug %s: %s timed out: %s", b.ID, actor, detail)}
		default:
			if err := b.Step(b.Phase, "agent error: "+detail, actor); err != nil {
				return o.violation(b, err)
			}
			return Outcome{Kind: RecoverableError, Reason: "agent_error",
				Err: fmt.Errorf("bug %s: %s failed: %s", b.ID, actor, detail)}
		}
	}

	// A successful reply advances the lifecycle.
	var to bug.Phase
	reason := "completed " + actor
	switch {
	case forced && b.Phase != bug.PhasePatch:
		// The forced patch happened out of phase; the lifecycle position
		// does not move, only the loop window was broken.
		to = b.Phase
		reason = "loop override: forced patcher"
	case b.Phase == bug.PhaseWait || b.Phase == bug.PhaseRepro:
		if b.Phase == bug.PhaseWait {
			to = bug.PhaseRepro
		} else {
			to = bug.PhaseAnalyze
		}
		b.BugsFound = proto.BugCount(reply)
	case b.Phase == bug.PhaseAnalyze:
		to = bug.PhasePatch
	case b.Phase == bug.PhasePatch:
		to = bug.PhaseVerify
	case b.Phase == bug.PhaseVerify:
		if reply.GetPayloadString(proto.KeyStatus) == proto.StatusPass {
			to = bug.PhaseDone
			reason = "verification passed"
		} else if b.Attempts+1 < o.cfg.MaxIterations {
			to = bug.PhasePatch
			reason = "verification failed, retrying patch"
		} else {
			to = bug.PhaseEscalate
			reason = "verification failed, budget exhausted"
		}
	default:
		return o.violation(b, fmt.Errorf("unexpected phase %s after %s", b.Phase, actor))
	}

	if err := b.Step(to, reason, actor); err != nil {
		return o.violation(b, err)
	}
	o.logger.Debug("Bug %s: %s, now %s (attempt %d)", b.ID, reason, b.Phase, b.Attempts)
	return Outcome{Kind: Ok, Reason: reason}
}

// escalate moves the bug to ESCALATE outside the normal policy. The
// escalation step consumes an attempt like any other.
func (o *Orchestrator) escalate(b *bug.State, reason string) Outcome {
	if err := b.Step(bug.PhaseEscalate, reason, coordinatorID); err != nil {
		return o.violation(b, err)
	}
	o.logger.Warn("Bug %s escalated: %s (attempts %d)", b.ID, reason, b.Attempts)
	if o.recorder != nil {
		o.recorder.IncTerminal(string(bug.PhaseEscalate))
	}
	return Outcome{Kind: Ok, Reason: "escalated"}
}

func (o *Orchestrator) violation(b *bug.State, err error) Outcome {
	o.logger.Error("Policy violation on bug %s: %v", b.ID, err)
	return Outcome{Kind: FatalError, Reason: "policy_violation", Err: err}
}

func (o *Orchestrator) takeReply(correlationID string) *proto.AgentMsg {
	o.mu.Lock()
	defer o.mu.Unlock()
	reply := o.inbox[correlationID]
	delete(o.inbox, correlationID)
	return reply
}
