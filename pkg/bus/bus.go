// Package bus provides the typed publish/subscribe channel used for all
// inter-agent communication during a run.
package bus

import (
	"fmt"
	"sync"

	"triangulum/pkg/eventlog"
	"triangulum/pkg/logx"
	"triangulum/pkg/proto"
)

// Handler consumes a message addressed to its subscriber. A returned error
// is converted by the bus into an ERROR message back to the original
// sender; it never propagates out of Publish.
type Handler func(msg *proto.AgentMsg) error

type registration struct {
	subscriberID string
	msgType      proto.MsgType
	handler      Handler
}

// MessageBus delivers messages synchronously to registered handlers,
// in handler-registration order. The registry is the only shared state and
// is guarded by a single mutex.
type MessageBus struct {
	mu            sync.Mutex
	registrations []registration
	eventLog      *eventlog.Writer // Optional JSONL trace of all traffic
	logger        *logx.Logger
}

// New creates a message bus. The event log may be nil; traffic is then not
// traced to disk.
func New(eventLog *eventlog.Writer) *MessageBus {
	return &MessageBus{
		eventLog: eventLog,
		logger:   logx.NewLogger("bus"),
	}
}

// RegisterHandler subscribes a handler for (subscriberID, msgType).
// Re-registering the same pair replaces the handler in place, keeping its
// original position in delivery order.
func (b *MessageBus) RegisterHandler(subscriberID string, msgType proto.MsgType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.registrations {
		if b.registrations[i].subscriberID == subscriberID && b.registrations[i].msgType == msgType {
			b.registrations[i].handler = handler
			b.logger.Debug("Replaced handler for (%s, %s)", subscriberID, msgType)
			return
		}
	}

	b.registrations = append(b.registrations, registration{
		subscriberID: subscriberID,
		msgType:      msgType,
		handler:      handler,
	})
	b.logger.Debug("Registered handler for (%s, %s)", subscriberID, msgType)
}

// Unregister removes every handler held by a subscriber.
func (b *MessageBus) Unregister(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.registrations[:0]
	for _, reg := range b.registrations {
		if reg.subscriberID != subscriberID {
			kept = append(kept, reg)
		}
	}
	b.registrations = kept
}

// Publish delivers a message synchronously to every handler matching
// (msg.ToAgent, msg.Type). Delivery to zero handlers is a no-op, not an
// error. A handler failure or panic is caught and converted to an ERROR
// message addressed back to the original sender; it never crashes the
// caller's tick.
func (b *MessageBus) Publish(msg *proto.AgentMsg) {
	if msg == nil {
		return
	}

	if b.eventLog != nil {
		if err := b.eventLog.WriteMessage(msg); err != nil {
			b.logger.Error("Failed to log message %s: %v", msg.ID, err)
			// Continue delivery even if tracing fails
		}
	}

	for _, handler := range b.matching(msg.ToAgent, msg.Type) {
		b.deliver(handler, msg)
	}
}

func (b *MessageBus) matching(receiver string, msgType proto.MsgType) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()

	var handlers []Handler
	for _, reg := range b.registrations {
		if reg.subscriberID == receiver && reg.msgType == msgType {
			handlers = append(handlers, reg.handler)
		}
	}
	return handlers
}

func (b *MessageBus) deliver(handler Handler, msg *proto.AgentMsg) {
	var handlerErr error

	func() {
		defer func() {
			if r := recover(); r != nil {
				handlerErr = fmt.Errorf("handler panic: %v", r)
			}
		}()
		handlerErr = handler(msg)
	}()

	if handlerErr == nil {
		return
	}

	b.logger.Warn("Handler for (%s, %s) failed on message %s: %v",
		msg.ToAgent, msg.Type, msg.ID, handlerErr)

	// Do not answer a failed ERROR delivery with another ERROR; that way
	// a broken error handler cannot ping-pong with itself.
	if msg.Type == proto.MsgTypeError {
		return
	}

	errMsg := proto.NewErrorMsg(msg, msg.ToAgent, handlerErr, proto.SeverityRecoverable)
	b.Publish(errMsg)
}

// SubscriberCount returns the number of registered handlers, for stats.
func (b *MessageBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.registrations)
}
