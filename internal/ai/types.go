// Package ai runs one coaching turn: classify the message, answer trivial
// ones from canned replies, and drive the tool-calling loop against the
// provider bound to the chosen tier.
package ai

import (
	"context"
	"encoding/json"

	"github.com/floegence/coach-agent/internal/ai/router"
	"github.com/floegence/coach-agent/internal/ai/tools"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Attachment is an image sent with a user message. URL is either an
// http(s) URL or a data: URL carrying base64 content.
type Attachment struct {
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url"`
}

// Message is one entry of the model-facing transcript.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text,omitempty"`

	// Images is only meaningful on user messages.
	Images []Attachment `json:"images,omitempty"`
	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID and ToolName identify the call a tool message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	// ToolFailed marks a tool message whose call did not succeed.
	ToolFailed bool `json:"tool_failed,omitempty"`
}

type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type Usage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	CacheReadTokens int64 `json:"cache_read_tokens,omitempty"`
}

func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

func (u *Usage) add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
}

type CompletionRequest struct {
	// Model is the provider-native model name.
	Model           string
	// System is the static, cacheable instruction block. Context is
	// per-request background placed after it.
	System          string
	Context         string
	Messages        []Message
	Tools           []tools.Def
	MaxOutputTokens int
}

type Completion struct {
	Text       string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason string
}

// Provider is one capability endpoint. Implementations must be safe for
// concurrent use.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// ToolInvocation records one tool call of a turn, in call order.
type ToolInvocation struct {
	ID         string             `json:"id"`
	ToolName   string             `json:"tool_name"`
	Args       json.RawMessage    `json:"args,omitempty"`
	Status     tools.ResultStatus `json:"status"`
	Result     json.RawMessage    `json:"result,omitempty"`
	Compressed string             `json:"compressed,omitempty"`
	Summary    string             `json:"summary,omitempty"`
	Error      *tools.ToolError   `json:"error,omitempty"`
	Action     *tools.Action      `json:"action,omitempty"`
	Iteration  int                `json:"iteration"`
	DurationMs int64              `json:"duration_ms"`
}

type Request struct {
	UserID         string       `json:"user_id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Result is what a caller gets back for one message.
type Result struct {
	ConversationID   string         `json:"conversation_id"`
	Reply            string         `json:"reply"`
	PendingActions   []tools.Action `json:"pending_actions,omitempty"`
	CommittedActions []tools.Action `json:"committed_actions,omitempty"`
	SourcesUsed      []string       `json:"sources_used,omitempty"`
	TokensUsed       int64          `json:"tokens_used"`
	CostEstimate     float64        `json:"cost_estimate"`
	Tier             router.Tier    `json:"tier"`

	Classification router.Classification `json:"classification"`
	State          LoopState             `json:"state,omitempty"`
	Model          string                `json:"model,omitempty"`
	Iterations     int                   `json:"iterations,omitempty"`
	Invocations    []ToolInvocation      `json:"invocations,omitempty"`
}
