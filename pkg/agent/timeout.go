package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"triangulum/pkg/proto"
)

// DefaultCallTimeout bounds a single collaborator call.
const DefaultCallTimeout = 120 * time.Second

type timeoutAgent struct {
	inner   Agent
	timeout time.Duration
}

// WithTimeout wraps an agent so every Handle call is bounded. Expiry is
// reported as ErrTimeout; the abandoned call's eventual result is dropped.
func WithTimeout(inner Agent, timeout time.Duration) Agent {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &timeoutAgent{inner: inner, timeout: timeout}
}

func (t *timeoutAgent) ID() string      { return t.inner.ID() }
func (t *timeoutAgent) AgentType() Type { return t.inner.AgentType() }

func (t *timeoutAgent) Handle(ctx context.Context, msg *proto.AgentMsg) (*proto.AgentMsg, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type callResult struct {
		msg *proto.AgentMsg
		err error
	}
	done := make(chan callResult, 1)

	go func() {
		result, err := t.inner.Handle(ctx, msg)
		done <- callResult{msg: result, err: err}
	}()

	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, t.inner.ID(), t.timeout)
		}
		return nil, fmt.Errorf("agent call cancelled: %w", ctx.Err())
	}
}
