package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/floegence/coach-agent/internal/ai/router"
	"github.com/floegence/coach-agent/internal/ai/tools"
	"github.com/floegence/coach-agent/internal/config"
)

// captureMock answers one fixed JSON body and keeps the last request.
type captureMock struct {
	mu       sync.Mutex
	authOK   func(r *http.Request) bool
	suffix   string
	status   int
	response string
	lastReq  map[string]any
}

func (m *captureMock) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !m.authOK(r) {
		http.Error(w, `{"error":{"message":"unauthorized"}}`, http.StatusUnauthorized)
		return
	}
	if !strings.HasSuffix(r.URL.Path, m.suffix) {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	var req map[string]any
	_ = json.Unmarshal(body, &req)
	m.mu.Lock()
	m.lastReq = req
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, m.response)
}

func (m *captureMock) request() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReq
}

var testDefs = []tools.Def{{
	Name:        "get_measurements",
	Description: "List body measurements.",
	Schema: map[string]any{
		"type":       "object",
		"properties": map[string]any{"kind": map[string]any{"type": "string"}},
		"required":   []any{"kind"},
	},
}}

// transcriptWithToolRound is a user turn, one assistant tool round with two
// calls, and their results.
func transcriptWithToolRound() []Message {
	return []Message{
		{Role: RoleUser, Text: "how is my weight trending", Images: []Attachment{{URL: "data:image/jpeg;base64,AAAA"}}},
		{Role: RoleAssistant, Text: "Checking.", ToolCalls: []ToolCall{
			{ID: "call_a", Name: "get_measurements", Args: json.RawMessage(`{"kind":"weight"}`)},
			{ID: "call_b", Name: "get_user_profile"},
		}},
		{Role: RoleTool, ToolCallID: "call_a", ToolName: "get_measurements", Text: `{"count":2}`},
		{Role: RoleTool, ToolCallID: "call_b", ToolName: "get_user_profile", Text: `{"goal":"cut"}`},
	}
}

func TestOpenAIProvider_ResponsesRoundTrip(t *testing.T) {
	t.Parallel()

	mock := &captureMock{
		authOK: func(r *http.Request) bool { return r.Header.Get("Authorization") == "Bearer sk-test" },
		suffix: "/responses",
		response: `{"id":"resp_1","object":"response","created_at":1,"status":"completed","model":"gpt-test",
"output":[
 {"type":"message","id":"msg_1","role":"assistant","status":"completed","content":[{"type":"output_text","text":"Let me check.","annotations":[]}]},
 {"type":"function_call","id":"fc_1","call_id":"call_1","name":"get_measurements","arguments":"{\"kind\":\"weight\"}","status":"completed"}
],
"usage":{"input_tokens":120,"output_tokens":15,"total_tokens":135,"input_tokens_details":{"cached_tokens":100},"output_tokens_details":{"reasoning_tokens":0}}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(srv.Close)

	p := newOpenAIProvider(srv.URL+"/v1", "sk-test")
	out, err := p.Complete(context.Background(), CompletionRequest{
		Model:           "gpt-test",
		System:          "static prompt",
		Context:         "Conversation summary:\nwants to cut",
		Messages:        transcriptWithToolRound(),
		Tools:           testDefs,
		MaxOutputTokens: 512,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Text != "Let me check." {
		t.Fatalf("text=%q", out.Text)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].ID != "call_1" || out.ToolCalls[0].Name != "get_measurements" {
		t.Fatalf("tool calls=%+v", out.ToolCalls)
	}
	if string(out.ToolCalls[0].Args) != `{"kind":"weight"}` {
		t.Fatalf("args=%s", out.ToolCalls[0].Args)
	}
	if out.Usage.InputTokens != 120 || out.Usage.OutputTokens != 15 || out.Usage.CacheReadTokens != 100 {
		t.Fatalf("usage=%+v", out.Usage)
	}

	req := mock.request()
	if got := req["instructions"]; got != "static prompt\n\nConversation summary:\nwants to cut" {
		t.Fatalf("instructions=%v", got)
	}
	input, _ := req["input"].([]any)
	var types []string
	for _, it := range input {
		m, _ := it.(map[string]any)
		typ, _ := m["type"].(string)
		if typ == "" && m["role"] != nil {
			typ = "message"
		}
		types = append(types, typ)
	}
	want := []string{"message", "message", "function_call", "function_call", "function_call_output", "function_call_output"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("input item types=%v, want %v", types, want)
	}
	toolsReq, _ := req["tools"].([]any)
	if len(toolsReq) != 1 {
		t.Fatalf("tools=%v", req["tools"])
	}
}

func TestAnthropicProvider_MessagesRoundTrip(t *testing.T) {
	t.Parallel()

	mock := &captureMock{
		authOK: func(r *http.Request) bool { return r.Header.Get("X-Api-Key") == "sk-test" },
		suffix: "/v1/messages",
		response: `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","stop_reason":"tool_use","stop_sequence":null,
"content":[{"type":"text","text":"Let me look."},{"type":"tool_use","id":"toolu_1","name":"get_measurements","input":{"kind":"weight"}}],
"usage":{"input_tokens":200,"output_tokens":30,"cache_read_input_tokens":150,"cache_creation_input_tokens":0}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(srv.Close)

	p := newAnthropicProvider(srv.URL, "sk-test")
	out, err := p.Complete(context.Background(), CompletionRequest{
		Model:    "claude-test",
		System:   "static prompt",
		Context:  "background",
		Messages: transcriptWithToolRound(),
		Tools:    testDefs,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.Text != "Let me look." || out.StopReason != "tool_use" {
		t.Fatalf("text=%q stop=%q", out.Text, out.StopReason)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].ID != "toolu_1" {
		t.Fatalf("tool calls=%+v", out.ToolCalls)
	}
	var args map[string]string
	if err := json.Unmarshal(out.ToolCalls[0].Args, &args); err != nil || args["kind"] != "weight" {
		t.Fatalf("args=%s err=%v", out.ToolCalls[0].Args, err)
	}
	if out.Usage.CacheReadTokens != 150 {
		t.Fatalf("usage=%+v", out.Usage)
	}

	req := mock.request()
	system, _ := req["system"].([]any)
	if len(system) != 2 {
		t.Fatalf("system blocks=%v", req["system"])
	}
	first, _ := system[0].(map[string]any)
	cc, _ := first["cache_control"].(map[string]any)
	if cc["type"] != "ephemeral" {
		t.Fatalf("static system block not cacheable: %v", first)
	}
	second, _ := system[1].(map[string]any)
	if _, ok := second["cache_control"]; ok {
		t.Fatalf("background block must not be cached: %v", second)
	}

	msgs, _ := req["messages"].([]any)
	var roles []string
	for _, m := range msgs {
		mm, _ := m.(map[string]any)
		roles = append(roles, mm["role"].(string))
	}
	if strings.Join(roles, ",") != "user,assistant,user" {
		t.Fatalf("roles=%v, want user,assistant,user", roles)
	}
	last, _ := msgs[2].(map[string]any)
	if blocks, _ := last["content"].([]any); len(blocks) != 2 {
		t.Fatalf("tool results not folded into one turn: %v", last["content"])
	}
}

func TestAnthropicProvider_FailedToolResultIsError(t *testing.T) {
	t.Parallel()

	mock := &captureMock{
		authOK: func(r *http.Request) bool { return r.Header.Get("X-Api-Key") == "sk-test" },
		suffix: "/v1/messages",
		response: `{"id":"msg_2","type":"message","role":"assistant","model":"claude-test","stop_reason":"end_turn","stop_sequence":null,
"content":[{"type":"text","text":"Your profile is not available right now."}],
"usage":{"input_tokens":90,"output_tokens":12}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(srv.Close)

	msgs := transcriptWithToolRound()
	msgs[3].Text = `{"error":{"code":"TIMEOUT","message":"tool timed out"}}`
	msgs[3].ToolFailed = true

	_, err := newAnthropicProvider(srv.URL, "sk-test").Complete(context.Background(), CompletionRequest{
		Model:    "claude-test",
		System:   "static prompt",
		Messages: msgs,
		Tools:    testDefs,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	sent, _ := mock.request()["messages"].([]any)
	if len(sent) != 3 {
		t.Fatalf("messages=%d, want 3", len(sent))
	}
	last, _ := sent[2].(map[string]any)
	blocks, _ := last["content"].([]any)
	if len(blocks) != 2 {
		t.Fatalf("tool result blocks=%v", last["content"])
	}
	want := map[string]bool{"call_a": false, "call_b": true}
	for _, b := range blocks {
		bm, _ := b.(map[string]any)
		id, _ := bm["tool_use_id"].(string)
		isErr, _ := bm["is_error"].(bool)
		if isErr != want[id] {
			t.Fatalf("%s is_error=%v, want %v", id, isErr, want[id])
		}
	}
}

func TestProvider_AuthFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	mock := &captureMock{
		authOK: func(r *http.Request) bool { return false },
		suffix: "/responses",
	}
	srv := httptest.NewServer(http.HandlerFunc(mock.handle))
	t.Cleanup(srv.Close)

	_, err := newOpenAIProvider(srv.URL+"/v1", "sk-wrong").Complete(context.Background(), CompletionRequest{
		Model:    "gpt-test",
		Messages: []Message{{Role: RoleUser, Text: "hi"}},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := classifyProviderError(err).Kind; got != KindProviderUnavailable {
		t.Fatalf("kind=%q, want %q", got, KindProviderUnavailable)
	}
}

func TestClassifyProviderError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", errors.Join(errors.New("call"), context.DeadlineExceeded), KindTimeout},
		{"rate limit text", errors.New("429: rate limit exceeded"), KindQuotaExceeded},
		{"typed passthrough", newError(KindMalformedResponse, errors.New("x")), KindMalformedResponse},
		{"unknown", errors.New("connection reset by peer"), KindProviderUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := classifyProviderError(tc.err).Kind; got != tc.want {
				t.Fatalf("kind=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTiers(t *testing.T) {
	t.Parallel()

	cfg := config.AIConfig{
		Providers: []config.AIProvider{
			{ID: "groq", Type: config.ProviderTypeOpenAICompatible, BaseURL: "https://api.groq.com/openai/v1", APIKeyEnv: "GROQ_API_KEY", Models: []string{"llama-3.1-8b-instant"}},
			{ID: "anthropic", Type: config.ProviderTypeAnthropic, APIKeyEnv: "ANTHROPIC_API_KEY", Models: []string{"claude-sonnet-4-5"}},
		},
		Tiers: config.AITiers{
			Classifier: config.AITierModel{Model: "groq/llama-3.1-8b-instant"},
			Simple:     config.AITierModel{Model: "groq/llama-3.1-8b-instant", MaxOutputTokens: 600},
			Complex:    config.AITierModel{Model: "anthropic/claude-sonnet-4-5"},
		},
	}
	var asked []string
	keys := func(providerID string, envName string) (string, error) {
		asked = append(asked, providerID+":"+envName)
		return "sk-" + providerID, nil
	}
	tiers, err := NewTiers(cfg, keys)
	if err != nil {
		t.Fatalf("NewTiers: %v", err)
	}
	if len(asked) != 2 {
		t.Fatalf("key lookups=%v, want one per provider", asked)
	}
	if tiers.Simple.Model != "llama-3.1-8b-instant" || tiers.Simple.MaxOutputTokens != 600 {
		t.Fatalf("simple=%+v", tiers.Simple)
	}
	if tiers.Simple.Provider != tiers.Classifier.Provider {
		t.Fatalf("providers not shared per id")
	}
	if _, ok := tiers.Complex.Provider.(*anthropicProvider); !ok {
		t.Fatalf("complex provider=%T", tiers.Complex.Provider)
	}
	if NewClassifier(tiers) == nil {
		t.Fatalf("classifier completer missing")
	}

	primary, alt := tiers.For(router.TierSimple)
	if primary != tiers.Simple || alt != tiers.Complex {
		t.Fatalf("simple tier should fall back to complex by default")
	}
	if primary, alt := tiers.For(router.TierComplex); primary != tiers.Complex || alt != nil {
		t.Fatalf("complex tier has no fallback")
	}
	if ids := tiers.ModelIDs(); ids[router.TierSimple] != "groq/llama-3.1-8b-instant" || ids[router.TierComplex] != "anthropic/claude-sonnet-4-5" {
		t.Fatalf("model ids=%v", ids)
	}

	cfg.Tiers.Complex.Model = "anthropic/unknown"
	if _, err := NewTiers(cfg, keys); err == nil {
		t.Fatalf("expected error for unknown model")
	}
}

func TestSplitDataURL(t *testing.T) {
	t.Parallel()

	mime, b64, ok := splitDataURL("data:image/png;base64,iVBORw0")
	if !ok || mime != "image/png" || b64 != "iVBORw0" {
		t.Fatalf("got %q %q %v", mime, b64, ok)
	}
	for _, bad := range []string{"https://x/y.png", "data:image/png,raw", "data:image/png;base64,"} {
		if _, _, ok := splitDataURL(bad); ok {
			t.Fatalf("%q accepted", bad)
		}
	}
}
