// Package mcpserver exposes the coaching engine over MCP stdio: one chat
// tool, one confirmation tool, and the engine's read-only data tools.
//
// A server is bound to a single user chosen when it starts; no tool accepts
// a user id from its arguments.
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

const (
	ToolChat    = "coach_chat"
	ToolConfirm = "coach_confirm"
)

// Engine is the part of the agent the chat tools need.
type Engine interface {
	HandleMessage(ctx context.Context, req ai.Request) (ai.Result, error)
	ConfirmAction(ctx context.Context, userID string, act tools.Action) (tools.Action, error)
}

// Catalog is the tool registry. *tools.Registry implements it.
type Catalog interface {
	ReadOnly() []tools.Def
	Call(ctx context.Context, inv tools.Invocation, raw json.RawMessage) tools.Result
}

type Options struct {
	Engine  Engine
	Catalog Catalog
	UserID  string
	Version string
	Logger  *slog.Logger
}

// NewServer registers every tool on a fresh MCP server.
func NewServer(opts Options) (*server.MCPServer, error) {
	h, err := newHandlers(opts)
	if err != nil {
		return nil, err
	}
	s := server.NewMCPServer(
		"coach-agent",
		opts.Version,
		server.WithToolCapabilities(true),
	)
	s.AddTool(chatToolDef, h.HandleChat)
	s.AddTool(confirmToolDef, h.HandleConfirm)
	for _, def := range opts.Catalog.ReadOnly() {
		schema, err := json.Marshal(def.Schema)
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", def.Name, err)
		}
		s.AddTool(mcp.NewToolWithRawSchema(def.Name, def.Description, schema), h.readTool(def.Name))
	}
	return s, nil
}

// Run serves over stdio until the client disconnects.
func Run(opts Options) error {
	s, err := NewServer(opts)
	if err != nil {
		return err
	}
	return server.ServeStdio(s)
}

var chatToolDef = mcp.NewTool(ToolChat,
	mcp.WithDescription("Send one message to the coach and get its reply. Meals, workouts and measurements mentioned may come back as pending actions to confirm with coach_confirm."),
	mcp.WithString("text",
		mcp.Required(),
		mcp.Description("The user's message"),
	),
	mcp.WithString("conversation_id",
		mcp.Description("Continue an existing conversation. Omit to start a new one."),
	),
	mcp.WithArray("image_urls",
		mcp.Description("Optional image URLs or data URLs (for example a meal photo)"),
		mcp.WithStringItems(),
	),
)

var confirmToolDef = mcp.NewTool(ToolConfirm,
	mcp.WithDescription("Save a pending action returned by coach_chat after the user approved it."),
	mcp.WithObject("action",
		mcp.Required(),
		mcp.Description("The pending action exactly as returned in pending_actions"),
	),
)

func newHandlers(opts Options) (*handlers, error) {
	if opts.Engine == nil {
		return nil, errors.New("missing engine")
	}
	if opts.Catalog == nil {
		return nil, errors.New("missing catalog")
	}
	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		return nil, errors.New("missing user id")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &handlers{engine: opts.Engine, catalog: opts.Catalog, userID: userID, log: log}, nil
}
