package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/floegence/coach-agent/internal/ai/tools"
	"github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

// openAIProvider talks to the Responses API. OpenAI-compatible endpoints
// (Groq and friends) use the same adapter with a different base URL.
type openAIProvider struct {
	client openai.Client
}

func newOpenAIProvider(baseURL string, apiKey string) *openAIProvider {
	opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		opts = append(opts, ooption.WithBaseURL(baseURL))
	}
	return &openAIProvider{client: openai.NewClient(opts...)}
}

func (p *openAIProvider) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	if p == nil {
		return Completion{}, errors.New("nil provider")
	}
	params := oresponses.ResponseNewParams{
		Model: oshared.ResponsesModel(req.Model),
		Input: oresponses.ResponseNewParamsInputUnion{OfInputItemList: buildOpenAIInput(req.Messages)},
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if sys := joinSystem(req.System, req.Context); sys != "" {
		params.Instructions = openai.String(sys)
	}
	if len(req.Tools) > 0 {
		params.Tools = buildOpenAITools(req.Tools)
		params.ParallelToolCalls = openai.Bool(true)
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return Completion{}, err
	}
	if resp == nil {
		return Completion{}, newError(KindMalformedResponse, errors.New("empty response"))
	}
	if string(resp.Status) == "failed" {
		msg := strings.TrimSpace(resp.Error.Message)
		if msg == "" {
			msg = "response failed"
		}
		return Completion{}, newError(KindProviderUnavailable, errors.New(msg))
	}

	out := Completion{
		StopReason: string(resp.Status),
		Usage: Usage{
			InputTokens:     resp.Usage.InputTokens,
			OutputTokens:    resp.Usage.OutputTokens,
			CacheReadTokens: resp.Usage.InputTokensDetails.CachedTokens,
		},
	}
	var text strings.Builder
	for _, item := range resp.Output {
		switch item.Type {
		case "function_call":
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = strings.TrimSpace(item.ID)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   callID,
				Name: strings.TrimSpace(item.Name),
				Args: normalizeArgs(item.Arguments),
			})
		case "message":
			for _, part := range item.AsMessage().Content {
				if part.Type == "output_text" {
					text.WriteString(part.Text)
				}
			}
		}
	}
	out.Text = strings.TrimSpace(text.String())
	return out, nil
}

func buildOpenAITools(defs []tools.Def) []oresponses.ToolUnionParam {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		// Optional arguments rule out strict mode.
		param := oresponses.ToolParamOfFunction(d.Name, d.Schema, false)
		if param.OfFunction != nil && d.Description != "" {
			param.OfFunction.Description = openai.String(d.Description)
		}
		out = append(out, param)
	}
	return out
}

func buildOpenAIInput(msgs []Message) oresponses.ResponseInputParam {
	items := make(oresponses.ResponseInputParam, 0, len(msgs)+4)
	assistantSeq := 0
	for _, m := range msgs {
		switch m.Role {
		case RoleAssistant:
			if txt := strings.TrimSpace(m.Text); txt != "" {
				assistantSeq++
				// Output message ids must start with "msg_".
				items = append(items, oresponses.ResponseInputItemParamOfOutputMessage(
					[]oresponses.ResponseOutputMessageContentUnionParam{{
						OfOutputText: &oresponses.ResponseOutputTextParam{
							Text:        txt,
							Annotations: []oresponses.ResponseOutputTextAnnotationUnionParam{},
						},
					}},
					fmt.Sprintf("msg_hist%d", assistantSeq),
					oresponses.ResponseOutputMessageStatusCompleted,
				))
			}
			for _, call := range m.ToolCalls {
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(string(normalizeArgs(string(call.Args))), call.ID, call.Name))
			}
		case RoleTool:
			items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(m.ToolCallID, m.Text))
		default:
			if len(m.Images) == 0 {
				if txt := strings.TrimSpace(m.Text); txt != "" {
					items = append(items, oresponses.ResponseInputItemParamOfMessage(txt, oresponses.EasyInputMessageRoleUser))
				}
				continue
			}
			content := make(oresponses.ResponseInputMessageContentListParam, 0, len(m.Images)+1)
			if txt := strings.TrimSpace(m.Text); txt != "" {
				content = append(content, oresponses.ResponseInputContentUnionParam{
					OfInputText: &oresponses.ResponseInputTextParam{Text: txt},
				})
			}
			for _, img := range m.Images {
				if uri := strings.TrimSpace(img.URL); uri != "" {
					content = append(content, oresponses.ResponseInputContentUnionParam{
						OfInputImage: &oresponses.ResponseInputImageParam{
							Detail:   oresponses.ResponseInputImageDetailAuto,
							ImageURL: openai.String(uri),
						},
					})
				}
			}
			if len(content) > 0 {
				items = append(items, oresponses.ResponseInputItemParamOfMessage(content, oresponses.EasyInputMessageRoleUser))
			}
		}
	}
	return items
}

// joinSystem keeps the static block first so prefix caching still applies.
func joinSystem(static string, background string) string {
	static = strings.TrimSpace(static)
	background = strings.TrimSpace(background)
	switch {
	case background == "":
		return static
	case static == "":
		return background
	}
	return static + "\n\n" + background
}

// normalizeArgs turns provider argument text into a JSON object, treating
// empty input as {}.
func normalizeArgs(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}
