// Package embed turns text into vectors for similarity search.
package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// maxInputRunes keeps single inputs well inside provider token limits.
const maxInputRunes = 8000

type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	Model   string
	// Dimensions requests shortened vectors when > 0 (text-embedding-3 models).
	Dimensions int
}

// OpenAI embeds through the OpenAI embeddings endpoint or a compatible one.
type OpenAI struct {
	client     openai.Client
	model      string
	dimensions int
}

func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, errors.New("missing embedding model")
	}
	key := strings.TrimSpace(opts.APIKey)
	if key == "" {
		return nil, errors.New("missing embedding api key")
	}
	reqOpts := []ooption.RequestOption{ooption.WithAPIKey(key)}
	if baseURL := strings.TrimSpace(opts.BaseURL); baseURL != "" {
		reqOpts = append(reqOpts, ooption.WithBaseURL(strings.TrimRight(baseURL, "/")+"/"))
	}
	return &OpenAI{
		client:     openai.NewClient(reqOpts...),
		model:      model,
		dimensions: opts.Dimensions,
	}, nil
}

func (e *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if e == nil {
		return nil, errors.New("nil embedder")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty embedding input")
	}
	if utf8.RuneCountInString(text) > maxInputRunes {
		text = string([]rune(text)[:maxInputRunes])
	}
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if resp == nil || len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("embed: empty response")
	}
	src := resp.Data[0].Embedding
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}
	return out, nil
}
