package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"

	"github.com/floegence/coach-agent/internal/ai"
	"github.com/floegence/coach-agent/internal/ai/router"
	"github.com/floegence/coach-agent/internal/ai/tools"
)

type fakeEngine struct {
	lastReq  ai.Request
	lastUser string
	err      error
}

func (f *fakeEngine) HandleMessage(_ context.Context, req ai.Request) (ai.Result, error) {
	f.lastReq = req
	if f.err != nil {
		return ai.Result{}, f.err
	}
	return ai.Result{
		ConversationID: "conv_1",
		Reply:          "Shall I save lunch?",
		PendingActions: []tools.Action{{ID: "act_1", Kind: tools.ActionPending, ToolName: tools.NameLogMeal}},
		Tier:           router.TierSimple,
		TokensUsed:     42,
	}, nil
}

func (f *fakeEngine) ConfirmAction(_ context.Context, userID string, act tools.Action) (tools.Action, error) {
	f.lastUser = userID
	act.Kind = tools.ActionCommitted
	act.RecordIDs = []string{"meal_1"}
	return act, nil
}

type fakeCatalog struct {
	lastInv tools.Invocation
	lastRaw string
}

func (f *fakeCatalog) ReadOnly() []tools.Def {
	return []tools.Def{{
		Name:        "get_recent_meals",
		Description: "List meals.",
		Schema:      map[string]any{"type": "object", "properties": map[string]any{"days": map[string]any{"type": "integer"}}},
	}}
}

func (f *fakeCatalog) Call(_ context.Context, inv tools.Invocation, raw json.RawMessage) tools.Result {
	f.lastInv = inv
	f.lastRaw = string(raw)
	if strings.Contains(string(raw), "-1") {
		return tools.Result{Status: tools.ResultStatusError, Full: json.RawMessage(`{"error":{"code":"INVALID_ARGUMENTS"}}`)}
	}
	return tools.Result{Status: tools.ResultStatusSuccess, Full: json.RawMessage(`{"meals":[]}`)}
}

func newTestHandlers(t *testing.T, eng *fakeEngine, cat *fakeCatalog) *handlers {
	t.Helper()
	h, err := newHandlers(Options{Engine: eng, Catalog: cat, UserID: "u1", Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("newHandlers: %v", err)
	}
	return h
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: args}}
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("empty result")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content=%T, want text", res.Content[0])
	}
	return tc.Text
}

func TestHandleChat_BindsServerUser(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	h := newTestHandlers(t, eng, &fakeCatalog{})
	res, err := h.HandleChat(context.Background(), makeRequest(map[string]any{
		"text":       "I had chicken and rice",
		"image_urls": []any{"https://example.com/lunch.jpg", " "},
		"user_id":    "someone-else",
	}))
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", resultText(t, res))
	}
	if eng.lastReq.UserID != "u1" {
		t.Fatalf("user=%q, want u1", eng.lastReq.UserID)
	}
	if len(eng.lastReq.Attachments) != 1 {
		t.Fatalf("attachments=%d, want 1", len(eng.lastReq.Attachments))
	}
	body := resultText(t, res)
	if gjson.Get(body, "pending_actions.0.action_id").String() != "act_1" || gjson.Get(body, "tier").String() != "simple" {
		t.Fatalf("body=%s", body)
	}
}

func TestHandleChat_TypedErrorsStayUserSafe(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{err: &ai.Error{Kind: ai.KindQuotaExceeded, Message: "The coach is busy right now.", Err: errors.New("429 from upstream")}}
	h := newTestHandlers(t, eng, &fakeCatalog{})
	res, _ := h.HandleChat(context.Background(), makeRequest(map[string]any{"text": "plan my week"}))
	if !res.IsError {
		t.Fatalf("expected error result")
	}
	body := resultText(t, res)
	if gjson.Get(body, "error.code").String() != "QUOTA_EXCEEDED" || strings.Contains(body, "429") {
		t.Fatalf("body=%s", body)
	}

	eng.err = errors.New("disk on fire")
	res, _ = h.HandleChat(context.Background(), makeRequest(map[string]any{"text": "plan my week"}))
	if body := resultText(t, res); strings.Contains(body, "disk") {
		t.Fatalf("internal error leaked: %s", body)
	}
}

func TestHandleConfirm(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	h := newTestHandlers(t, eng, &fakeCatalog{})
	res, err := h.HandleConfirm(context.Background(), makeRequest(map[string]any{
		"action": map[string]any{"action_id": "act_1", "kind": "pending", "tool_name": "log_meal"},
	}))
	if err != nil || res.IsError {
		t.Fatalf("HandleConfirm err=%v result=%+v", err, res)
	}
	if eng.lastUser != "u1" {
		t.Fatalf("user=%q", eng.lastUser)
	}
	if got := gjson.Get(resultText(t, res), "record_ids.0").String(); got != "meal_1" {
		t.Fatalf("record id=%q", got)
	}
}

func TestReadTool_PassesArgumentsThrough(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{}
	h := newTestHandlers(t, &fakeEngine{}, cat)
	call := h.readTool("get_recent_meals")

	res, err := call(context.Background(), makeRequest(map[string]any{"days": 3}))
	if err != nil || res.IsError {
		t.Fatalf("read tool err=%v result=%+v", err, res)
	}
	if cat.lastInv.UserID != "u1" || cat.lastInv.ToolName != "get_recent_meals" || cat.lastRaw != `{"days":3}` {
		t.Fatalf("invocation=%+v raw=%s", cat.lastInv, cat.lastRaw)
	}

	res, _ = call(context.Background(), makeRequest(map[string]any{"days": -1}))
	if !res.IsError {
		t.Fatalf("tool failure not flagged")
	}
}

func TestNewServer_ListsTools(t *testing.T) {
	t.Parallel()

	s, err := NewServer(Options{Engine: &fakeEngine{}, Catalog: &fakeCatalog{}, UserID: "u1", Version: "test"})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	names := map[string]bool{}
	for _, n := range gjson.GetBytes(b, "result.tools.#.name").Array() {
		names[n.String()] = true
	}
	for _, want := range []string{ToolChat, ToolConfirm, "get_recent_meals"} {
		if !names[want] {
			t.Fatalf("tools=%v, missing %s", names, want)
		}
	}

	if _, err := NewServer(Options{Engine: &fakeEngine{}, Catalog: &fakeCatalog{}}); err == nil {
		t.Fatalf("expected missing user error")
	}
}
