package models

import "encoding/json"

// EventKind discriminates the event-stream payload emitted to the host
// application (spec "External Interfaces").
type EventKind string

const (
	EventUserMessage        EventKind = "user_message"
	EventAgentTextDelta     EventKind = "agent_text_delta"
	EventAgentReasoningDelta EventKind = "agent_reasoning_delta"
	EventToolCallBegin      EventKind = "tool_call_begin"
	EventToolCallEnd        EventKind = "tool_call_end"
	EventApprovalRequest    EventKind = "approval_request"
	EventContextCompacted   EventKind = "context_compacted"
	EventTurnComplete       EventKind = "turn_complete"
	EventTurnAborted        EventKind = "turn_aborted"
	EventError              EventKind = "error"
)

// Event is the envelope for every item in the host-facing event stream.
// Exactly one of the typed payload fields is populated, matching Kind.
type Event struct {
	Kind EventKind `json:"kind"`

	UserMessage        *UserMessageEvent        `json:"user_message,omitempty"`
	AgentTextDelta     *TextDeltaEvent          `json:"agent_text_delta,omitempty"`
	AgentReasoningDelta *TextDeltaEvent         `json:"agent_reasoning_delta,omitempty"`
	ToolCallBegin      *ToolCallBeginEvent      `json:"tool_call_begin,omitempty"`
	ToolCallEnd        *ToolCallEndEvent        `json:"tool_call_end,omitempty"`
	ApprovalRequest    *ApprovalRequestEvent    `json:"approval_request,omitempty"`
	ContextCompacted   *ContextCompactedEvent   `json:"context_compacted,omitempty"`
	TurnComplete       *TurnCompleteEvent       `json:"turn_complete,omitempty"`
	TurnAborted        *TurnAbortedEvent        `json:"turn_aborted,omitempty"`
	Error              *ErrorEvent              `json:"error,omitempty"`
}

type UserMessageEvent struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type TextDeltaEvent struct {
	TurnID  string `json:"turn_id"`
	PartID  string `json:"part_id"`
	Content string `json:"content"`
}

type ToolCallBeginEvent struct {
	TurnID    string          `json:"turn_id"`
	CallID    string          `json:"call_id"`
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ToolCallEndEvent struct {
	TurnID   string            `json:"turn_id"`
	CallID   string            `json:"call_id"`
	State    ToolCallState     `json:"state"`
	Metadata *ToolCallMetadata `json:"metadata,omitempty"`
}

// ApprovalRequestEvent is emitted to the host when a tool call needs a
// user decision before it may proceed.
type ApprovalRequestEvent struct {
	CallID        string          `json:"call_id"`
	ToolName      string          `json:"tool_name"`
	Arguments     json.RawMessage `json:"arguments"`
	PolicyReason  string          `json:"policy_reason"`
	AffectedPaths []string        `json:"affected_paths,omitempty"`
}

// ApprovalResponse is the host's reply to an ApprovalRequestEvent.
type ApprovalResponse struct {
	CallID   string           `json:"call_id"`
	Decision ApprovalDecision `json:"decision"`
}

type ContextCompactedEvent struct {
	MessagesRemoved int `json:"messages_removed"`
	TokensSaved     int `json:"tokens_saved"`
}

type TurnCompleteEvent struct {
	TurnID      string  `json:"turn_id"`
	LastMessage Message `json:"last_message"`
}

type TurnAbortedEvent struct {
	TurnID string `json:"turn_id"`
	Reason string `json:"reason"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
}
