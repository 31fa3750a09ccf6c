package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/floegence/coach-agent/internal/ai"
	"github.com/floegence/coach-agent/internal/ai/tools"
)

type handlers struct {
	engine  Engine
	catalog Catalog
	userID  string
	log     *slog.Logger
}

type chatRequest struct {
	Text           string   `json:"text"`
	ConversationID string   `json:"conversation_id,omitempty"`
	ImageURLs      []string `json:"image_urls,omitempty"`
}

type confirmRequest struct {
	Action tools.Action `json:"action"`
}

// chatReply drops invocation internals; callers only need what the user sees.
type chatReply struct {
	ConversationID   string         `json:"conversation_id"`
	Reply            string         `json:"reply"`
	PendingActions   []tools.Action `json:"pending_actions,omitempty"`
	CommittedActions []tools.Action `json:"committed_actions,omitempty"`
	SourcesUsed      []string       `json:"sources_used,omitempty"`
	Tier             string         `json:"tier"`
	TokensUsed       int64          `json:"tokens_used"`
	CostEstimate     float64        `json:"cost_estimate"`
}

func (h *handlers) HandleChat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in, err := decode[chatRequest](req)
	if err != nil {
		return errorResult("INVALID_ARGUMENTS", err.Error()), nil
	}
	atts := make([]ai.Attachment, 0, len(in.ImageURLs))
	for _, u := range in.ImageURLs {
		if u = strings.TrimSpace(u); u != "" {
			atts = append(atts, ai.Attachment{URL: u})
		}
	}
	res, err := h.engine.HandleMessage(ctx, ai.Request{
		UserID:         h.userID,
		ConversationID: strings.TrimSpace(in.ConversationID),
		Text:           in.Text,
		Attachments:    atts,
	})
	if err != nil {
		return engineErrorResult(err), nil
	}
	return mcp.NewToolResultJSON(chatReply{
		ConversationID:   res.ConversationID,
		Reply:            res.Reply,
		PendingActions:   res.PendingActions,
		CommittedActions: res.CommittedActions,
		SourcesUsed:      res.SourcesUsed,
		Tier:             string(res.Tier),
		TokensUsed:       res.TokensUsed,
		CostEstimate:     res.CostEstimate,
	})
}

func (h *handlers) HandleConfirm(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in, err := decode[confirmRequest](req)
	if err != nil {
		return errorResult("INVALID_ARGUMENTS", err.Error()), nil
	}
	committed, err := h.engine.ConfirmAction(ctx, h.userID, in.Action)
	if err != nil {
		return engineErrorResult(err), nil
	}
	return mcp.NewToolResultJSON(committed)
}

func (h *handlers) readTool(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := json.Marshal(req.GetArguments())
		if err != nil {
			return errorResult("INVALID_ARGUMENTS", err.Error()), nil
		}
		res := h.catalog.Call(ctx, tools.Invocation{UserID: h.userID, ToolName: name}, raw)
		if res.Status != tools.ResultStatusSuccess {
			h.log.Warn("mcp tool failed", "user_id", h.userID, "tool", name, "status", res.Status)
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(res.Full)}},
				IsError: true,
			}, nil
		}
		return mcp.NewToolResultText(string(res.Full)), nil
	}
}

// decode unmarshals MCP request arguments into a typed struct.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var out T
	b, err := json.Marshal(req.GetArguments())
	if err != nil {
		return out, fmt.Errorf("marshal args: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("unmarshal args: %w", err)
	}
	return out, nil
}

// engineErrorResult only exposes the user-safe message of typed errors.
func engineErrorResult(err error) *mcp.CallToolResult {
	var aerr *ai.Error
	if errors.As(err, &aerr) {
		return errorResult(strings.ToUpper(string(aerr.Kind)), aerr.Message)
	}
	return errorResult("INTERNAL", "an internal error occurred")
}

func errorResult(code string, message string) *mcp.CallToolResult {
	content, _ := json.Marshal(map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}
