package tools

import (
	"encoding/json"
	"strings"
)

// ResultStatus is the normalized status of one tool invocation.
type ResultStatus string

const (
	ResultStatusSuccess ResultStatus = "success"
	ResultStatusError   ResultStatus = "error"
	ResultStatusTimeout ResultStatus = "timeout"
)

// ErrorCode is a stable, machine-readable tool error code.
type ErrorCode string

const (
	ErrorCodeInvalidArguments ErrorCode = "INVALID_ARGUMENTS"
	ErrorCodeUnknownTool      ErrorCode = "UNKNOWN_TOOL"
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodeTimeout          ErrorCode = "TIMEOUT"
	ErrorCodeCanceled         ErrorCode = "CANCELED"
	ErrorCodeUnavailable      ErrorCode = "UNAVAILABLE"
	ErrorCodeUnknown          ErrorCode = "UNKNOWN"
)

// ToolError carries structured tool failure metadata. It is what the model
// sees when a tool fails.
type ToolError struct {
	Code           ErrorCode      `json:"code"`
	Message        string         `json:"message"`
	Retryable      bool           `json:"retryable,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Message
}

func (e *ToolError) Normalize() {
	if e == nil {
		return
	}
	e.Message = strings.TrimSpace(e.Message)
	if e.Message == "" {
		e.Message = "Tool failed"
	}
	if e.Code == "" {
		e.Code = ErrorCodeUnknown
	}
	if len(e.SuggestedFixes) > 0 {
		out := make([]string, 0, len(e.SuggestedFixes))
		seen := make(map[string]struct{}, len(e.SuggestedFixes))
		for _, it := range e.SuggestedFixes {
			v := strings.TrimSpace(it)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
		e.SuggestedFixes = out
	}
	if len(e.Meta) == 0 {
		e.Meta = nil
	}
}

// invalidArgs builds the error returned by Validate implementations.
func invalidArgs(msg string, fixes ...string) *ToolError {
	return &ToolError{Code: ErrorCodeInvalidArguments, Message: msg, Retryable: true, SuggestedFixes: fixes}
}

// ActionKind tells whether a mutation has been persisted.
type ActionKind string

const (
	ActionPending   ActionKind = "pending"
	ActionCommitted ActionKind = "committed"
)

// Action is the side effect of a mutating tool. Pending actions carry the
// normalized arguments in Payload so they can be committed later without
// consulting the model again.
type Action struct {
	ID        string          `json:"action_id"`
	Kind      ActionKind      `json:"kind"`
	ToolName  string          `json:"tool_name"`
	Summary   string          `json:"summary"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RecordIDs []string        `json:"record_ids,omitempty"`
}

// Invocation identifies who a tool runs for. The user id never comes from
// model-supplied arguments.
type Invocation struct {
	UserID         string
	ConversationID string
	ToolName       string
}

// Output is what a handler returns. Data is marshaled into the full result;
// Action is set by mutating tools only.
type Output struct {
	Data    any
	Summary string
	Action  *Action
}
