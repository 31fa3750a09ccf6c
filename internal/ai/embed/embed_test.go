package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAI_Embed(t *testing.T) {
	t.Parallel()

	var gotModel string
	var gotDims float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel, _ = req["model"].(string)
		gotDims, _ = req["dimensions"].(float64)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small","data":[{"object":"embedding","index":0,"embedding":[0.25,-0.5,1]}],"usage":{"prompt_tokens":3,"total_tokens":3}}`))
	}))
	t.Cleanup(srv.Close)

	e, err := NewOpenAI(OpenAIOptions{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "text-embedding-3-small", Dimensions: 3})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	vec, err := e.Embed(context.Background(), "two eggs and toast")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.25 || vec[1] != -0.5 || vec[2] != 1 {
		t.Fatalf("vec=%v", vec)
	}
	if gotModel != "text-embedding-3-small" {
		t.Fatalf("model=%q", gotModel)
	}
	if gotDims != 3 {
		t.Fatalf("dimensions=%v, want 3", gotDims)
	}
}

func TestOpenAI_RejectsBadInput(t *testing.T) {
	t.Parallel()

	if _, err := NewOpenAI(OpenAIOptions{APIKey: "k"}); err == nil {
		t.Fatalf("expected missing model error")
	}
	if _, err := NewOpenAI(OpenAIOptions{Model: "m"}); err == nil {
		t.Fatalf("expected missing key error")
	}
	e, err := NewOpenAI(OpenAIOptions{APIKey: "k", Model: "m", BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	if _, err := e.Embed(context.Background(), "   "); err == nil {
		t.Fatalf("expected empty input error")
	}
}
