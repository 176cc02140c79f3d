// Package agent defines the capability abstraction invoked by the
// orchestrator to advance a bug, and its five concrete variants.
package agent

import (
	"context"
	"fmt"

	"triangulum/pkg/proto"
)

// Type identifies an agent capability.
type Type string

const (
	TypeObserver    Type = "observer"
	TypeAnalyst     Type = "analyst"
	TypePatcher     Type = "patcher"
	TypeVerifier    Type = "verifier"
	TypeCoordinator Type = "coordinator"
)

// String returns the string representation of the agent type.
func (t Type) String() string {
	return string(t)
}

// ValidateType checks if a string is a known agent type.
func ValidateType(s string) (Type, bool) {
	switch Type(s) {
	case TypeObserver, TypeAnalyst, TypePatcher, TypeVerifier, TypeCoordinator:
		return Type(s), true
	default:
		return "", false
	}
}

// Sentinel errors for agent execution.
var (
	// ErrTimeout indicates a collaborator call exceeded its per-call bound.
	// Treated as recoverable with a distinct reason code.
	ErrTimeout = fmt.Errorf("agent call timed out")

	// ErrFatal marks an unrecoverable agent failure. Bugs hitting a fatal
	// error escalate immediately.
	ErrFatal = fmt.Errorf("fatal agent error")

	// ErrUnsupportedAction indicates a task request whose action the agent
	// does not implement.
	ErrUnsupportedAction = fmt.Errorf("unsupported action")
)

// Agent consumes a task request and produces a result or an error. The
// content of its decision is owned by an external collaborator; the agent
// only wraps the call in the message envelope.
type Agent interface {
	// ID returns the bus subscriber identifier.
	ID() string

	// AgentType returns the capability variant.
	AgentType() Type

	// Handle executes one task request. A nil result with nil error means
	// the message was consumed without producing a reply (sink agents).
	Handle(ctx context.Context, msg *proto.AgentMsg) (*proto.AgentMsg, error)
}

// requireAction validates the request envelope for a concrete variant.
func requireAction(msg *proto.AgentMsg, want string) (target string, err error) {
	if msg.Type != proto.MsgTypeTaskRequest {
		return "", fmt.Errorf("%w: expected TASK_REQUEST, got %s", ErrUnsupportedAction, msg.Type)
	}
	action := msg.GetPayloadString(proto.KeyAction)
	if action != want {
		return "", fmt.Errorf("%w: %q (want %q)", ErrUnsupportedAction, action, want)
	}
	target = msg.GetPayloadString(proto.KeyTarget)
	if target == "" {
		return "", fmt.Errorf("%w: missing target", ErrUnsupportedAction)
	}
	return target, nil
}
