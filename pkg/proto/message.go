// Package proto defines the message contract used for all inter-agent
// communication on the bus.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

type MsgType string

const (
	MsgTypeTaskRequest MsgType = "TASK_REQUEST" // Work order: "run this action against this bug"
	MsgTypeTaskResult  MsgType = "TASK_RESULT"  // Completed work: "here is the outcome"
	MsgTypeError       MsgType = "ERROR"
)

// Common payload and metadata keys used in agent messages.
const (
	// Envelope keys
	KeyAction = "action"
	KeyBugID  = "bug_id"
	KeyTarget = "target"
	KeyStatus = "status"
	KeyError  = "error"
	KeyReason = "reason"
	KeyDetail = "detail"

	// Collaborator argument keys
	KeyDepth    = "depth"
	KeyStrategy = "strategy"
	KeyBugType  = "bug_type"

	// Collaborator result keys
	KeyBugs         = "bugs"
	KeyRelated      = "related"
	KeyPriorityHint = "priority_hint"
	KeyPatched      = "patched"
	KeyDiff         = "diff"

	// Metadata keys
	KeySeverity = "severity"
)

// Action identifiers for collaborator task requests.
const (
	ActionDetect  = "detect"
	ActionAnalyze = "analyze"
	ActionPatch   = "patch"
	ActionVerify  = "verify"
)

// Result status values. The core inspects status (and error) only; all
// other payload fields are opaque collaborator content.
const (
	StatusPass = "pass"
	StatusFail = "fail"
)

// Severity values carried in ERROR message metadata.
const (
	SeverityRecoverable = "recoverable"
	SeverityFatal       = "fatal"
	SeverityTimeout     = "timeout"
)

type AgentMsg struct {
	ID            string            `json:"id"`
	Type          MsgType           `json:"type"`
	FromAgent     string            `json:"from_agent"`
	ToAgent       string            `json:"to_agent"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ParentMsgID   string            `json:"parent_msg_id,omitempty"`
	Payload       map[string]any    `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func NewAgentMsg(msgType MsgType, fromAgent, toAgent string) *AgentMsg {
	return &AgentMsg{
		ID:        generateID(),
		Type:      msgType,
		FromAgent: fromAgent,
		ToAgent:   toAgent,
		Timestamp: time.Now().UTC(),
		Payload:   make(map[string]any),
		Metadata:  make(map[string]string),
	}
}

// NewTaskRequest builds a TASK_REQUEST envelope for a collaborator action.
func NewTaskRequest(fromAgent, toAgent, action, bugID, target string) *AgentMsg {
	msg := NewAgentMsg(MsgTypeTaskRequest, fromAgent, toAgent)
	msg.CorrelationID = GenerateCorrelationID()
	msg.SetPayload(KeyAction, action)
	msg.SetPayload(KeyBugID, bugID)
	msg.SetPayload(KeyTarget, target)
	return msg
}

// NewTaskResult builds a TASK_RESULT envelope answering the given request.
func NewTaskResult(request *AgentMsg, fromAgent, status string) *AgentMsg {
	msg := NewAgentMsg(MsgTypeTaskResult, fromAgent, request.FromAgent)
	msg.CorrelationID = request.CorrelationID
	msg.ParentMsgID = request.ID
	msg.SetPayload(KeyStatus, status)
	if bugID, ok := request.GetPayload(KeyBugID); ok {
		msg.SetPayload(KeyBugID, bugID)
	}
	return msg
}

// NewErrorMsg builds an ERROR envelope answering the given request.
func NewErrorMsg(request *AgentMsg, fromAgent string, err error, severity string) *AgentMsg {
	msg := NewAgentMsg(MsgTypeError, fromAgent, request.FromAgent)
	msg.CorrelationID = request.CorrelationID
	msg.ParentMsgID = request.ID
	msg.SetPayload(KeyError, err.Error())
	msg.SetMetadata(KeySeverity, severity)
	if bugID, ok := request.GetPayload(KeyBugID); ok {
		msg.SetPayload(KeyBugID, bugID)
	}
	return msg
}

func (msg *AgentMsg) ToJSON() ([]byte, error) {
	return json.Marshal(msg)
}

func (msg *AgentMsg) FromJSON(data []byte) error {
	return json.Unmarshal(data, msg)
}

func FromJSON(data []byte) (*AgentMsg, error) {
	var msg AgentMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal AgentMsg: %w", err)
	}
	return &msg, nil
}

func (msg *AgentMsg) SetPayload(key string, value any) {
	if msg.Payload == nil {
		msg.Payload = make(map[string]any)
	}
	msg.Payload[key] = value
}

func (msg *AgentMsg) GetPayload(key string) (any, bool) {
	if msg.Payload == nil {
		return nil, false
	}
	val, exists := msg.Payload[key]
	return val, exists
}

// GetPayloadString extracts a string payload value, returning "" when absent
// or not a string.
func (msg *AgentMsg) GetPayloadString(key string) string {
	if val, ok := msg.GetPayload(key); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

func (msg *AgentMsg) SetMetadata(key, value string) {
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	msg.Metadata[key] = value
}

func (msg *AgentMsg) GetMetadata(key string) (string, bool) {
	if msg.Metadata == nil {
		return "", false
	}
	val, exists := msg.Metadata[key]
	return val, exists
}

func (msg *AgentMsg) Clone() *AgentMsg {
	clone := &AgentMsg{
		ID:            msg.ID,
		Type:          msg.Type,
		FromAgent:     msg.FromAgent,
		ToAgent:       msg.ToAgent,
		Timestamp:     msg.Timestamp,
		CorrelationID: msg.CorrelationID,
		ParentMsgID:   msg.ParentMsgID,
	}

	if msg.Payload != nil {
		clone.Payload = make(map[string]any, len(msg.Payload))
		for k, v := range msg.Payload {
			clone.Payload[k] = v
		}
	}

	if msg.Metadata != nil {
		clone.Metadata = make(map[string]string, len(msg.Metadata))
		for k, v := range msg.Metadata {
			clone.Metadata[k] = v
		}
	}

	return clone
}

func (msg *AgentMsg) Validate() error {
	if msg.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}
	if msg.FromAgent == "" {
		return fmt.Errorf("from_agent is required")
	}
	if msg.ToAgent == "" {
		return fmt.Errorf("to_agent is required")
	}
	if msg.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if _, valid := ValidateMsgType(string(msg.Type)); !valid {
		return fmt.Errorf("invalid message type: %s", msg.Type)
	}

	return nil
}

// IsError reports whether the message carries an error envelope: either an
// ERROR message or a TASK_RESULT with status "fail".
func (msg *AgentMsg) IsError() bool {
	if msg.Type == MsgTypeError {
		return true
	}
	return msg.Type == MsgTypeTaskResult && msg.GetPayloadString(KeyStatus) == StatusFail
}

var (
	idCounter int64
	idMutex   sync.Mutex
)

// generateID creates a simple unique ID for messages.
func generateID() string {
	idMutex.Lock()
	defer idMutex.Unlock()

	idCounter++
	return fmt.Sprintf("msg_%d_%d", time.Now().UnixNano(), idCounter)
}

// GenerateCorrelationID creates a unique ID for a request/response pair.
func GenerateCorrelationID() string {
	idMutex.Lock()
	defer idMutex.Unlock()

	idCounter++
	return fmt.Sprintf("c_%d_%d", time.Now().UnixNano(), idCounter)
}

// ValidateMsgType validates if a string is a valid message type.
func ValidateMsgType(msgType string) (MsgType, bool) {
	switch MsgType(msgType) {
	case MsgTypeTaskRequest, MsgTypeTaskResult, MsgTypeError:
		return MsgType(msgType), true
	default:
		return "", false
	}
}

// ParseMsgType parses a string into a MsgType with validation.
func ParseMsgType(s string) (MsgType, error) {
	normalized := strings.ToUpper(s)
	if msgType, valid := ValidateMsgType(normalized); valid {
		return msgType, nil
	}
	return "", fmt.Errorf("unknown message type: %s", s)
}

// String returns the string representation of MsgType.
func (mt MsgType) String() string {
	return string(mt)
}

// ValidateAction validates if a string is a known collaborator action.
func ValidateAction(action string) bool {
	switch action {
	case ActionDetect, ActionAnalyze, ActionPatch, ActionVerify:
		return true
	default:
		return false
	}
}

// BugCount extracts the number of bugs reported in a detect TASK_RESULT.
// Used for metrics aggregation only, never for phase decisions.
func BugCount(msg *AgentMsg) int {
	val, ok := msg.GetPayload(KeyBugs)
	if !ok {
		return 0
	}
	switch bugs := val.(type) {
	case []string:
		return len(bugs)
	case []any:
		return len(bugs)
	default:
		return 0
	}
}
