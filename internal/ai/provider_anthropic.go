package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/floegence/coach-agent/internal/ai/tools"
)

// anthropicProvider talks to the Messages API. The static system prompt is
// marked ephemeral-cacheable so repeated turns reuse it.
type anthropicProvider struct {
	client anthropic.Client
}

func newAnthropicProvider(baseURL string, apiKey string) *anthropicProvider {
	opts := []aoption.RequestOption{aoption.WithAPIKey(apiKey)}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		opts = append(opts, aoption.WithBaseURL(baseURL))
	}
	return &anthropicProvider{client: anthropic.NewClient(opts...)}
}

func (p *anthropicProvider) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	if p == nil {
		return Completion{}, errors.New("nil provider")
	}
	maxTokens := int64(req.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if sys := strings.TrimSpace(req.System); sys != "" {
		params.System = []anthropic.TextBlockParam{{
			Text:         sys,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		}}
	}
	if bg := strings.TrimSpace(req.Context); bg != "" {
		params.System = append(params.System, anthropic.TextBlockParam{Text: bg})
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Completion{}, err
	}
	if msg == nil {
		return Completion{}, newError(KindMalformedResponse, errors.New("empty response"))
	}
	out := Completion{
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:     msg.Usage.InputTokens,
			OutputTokens:    msg.Usage.OutputTokens,
			CacheReadTokens: msg.Usage.CacheReadInputTokens,
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   strings.TrimSpace(v.ID),
				Name: strings.TrimSpace(v.Name),
				Args: normalizeArgs(string(v.Input)),
			})
		}
	}
	out.Text = strings.TrimSpace(text.String())
	return out, nil
}

func buildAnthropicTools(defs []tools.Def) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var required []string
		switch r := d.Schema["required"].(type) {
		case []string:
			required = r
		case []any:
			for _, v := range r {
				if s, ok := v.(string); ok {
					required = append(required, s)
				}
			}
		}
		param := anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       "object",
				Properties: d.Schema["properties"],
				Required:   required,
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

// buildAnthropicMessages folds consecutive tool results into one user turn,
// as the API expects them right after the assistant's tool_use blocks.
func buildAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	var pending []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(pending) > 0 {
			out = append(out, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleTool:
			pending = append(pending, anthropic.NewToolResultBlock(m.ToolCallID, m.Text, m.ToolFailed))
		case RoleAssistant:
			flush()
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if txt := strings.TrimSpace(m.Text); txt != "" {
				blocks = append(blocks, anthropic.NewTextBlock(txt))
			}
			for _, call := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, normalizeArgs(string(call.Args)), call.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			flush()
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Images)+1)
			for _, img := range m.Images {
				if b := anthropicImageBlock(img); b != nil {
					blocks = append(blocks, *b)
				}
			}
			if txt := strings.TrimSpace(m.Text); txt != "" {
				blocks = append(blocks, anthropic.NewTextBlock(txt))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
	}
	flush()
	return out
}

func anthropicImageBlock(img Attachment) *anthropic.ContentBlockParamUnion {
	uri := strings.TrimSpace(img.URL)
	if mediaType, b64, ok := splitDataURL(uri); ok {
		if mediaType == "" {
			mediaType = strings.TrimSpace(img.MimeType)
		}
		if mediaType == "" {
			mediaType = "image/png"
		}
		b := anthropic.NewImageBlockBase64(mediaType, b64)
		return &b
	}
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		b := anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: uri})
		return &b
	}
	return nil
}

// splitDataURL parses "data:<mime>;base64,<payload>".
func splitDataURL(uri string) (string, string, bool) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", "", false
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", "", false
	}
	return strings.TrimSuffix(meta, ";base64"), payload, true
}
