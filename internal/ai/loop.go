package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/floegence/coach-agent/internal/ai/tools"
)

type LoopState string

const (
	StateAwaitingModel  LoopState = "awaiting_model"
	StateExecutingTools LoopState = "executing_tools"
	StateDone           LoopState = "done"
	StateExhausted      LoopState = "exhausted"
)

const exhaustedReply = "I couldn't pull that together in the steps I have. Could you narrow it down for me, for example the day or the entry you mean?"

type loopOutcome struct {
	Reply       string
	State       LoopState
	Iterations  int
	Invocations []ToolInvocation
	Usage       Usage
	Cost        float64
	// Model is the wire id of the binding that produced the last completion.
	Model    string
	FellBack bool
}

type loopInput struct {
	UserID         string
	ConversationID string
	Background     string
	Transcript     []Message
}

// runLoop drives awaiting_model -> executing_tools -> awaiting_model until
// the model answers without tool calls or the iteration budget runs out.
// A provider failure switches to alternate at most once.
func (e *Engine) runLoop(ctx context.Context, primary *Binding, alternate *Binding, in loopInput) (loopOutcome, error) {
	var out loopOutcome
	if !primary.valid() {
		return out, newError(KindProviderUnavailable, errors.New("no model bound for tier"))
	}
	binding := primary
	transcript := append([]Message(nil), in.Transcript...)
	defs := e.tools.Definitions()

	for iter := 1; iter <= e.maxIterations; iter++ {
		out.Iterations = iter
		out.State = StateAwaitingModel

		comp, err := e.complete(ctx, binding, in.Background, transcript, defs)
		if err != nil {
			perr := classifyProviderError(err)
			if !alternate.valid() || out.FellBack || !perr.Kind.fallbackEligible() {
				return out, perr
			}
			e.log.Warn("provider failed, falling back",
				"user_id", in.UserID,
				"model", binding.ModelID,
				"fallback_model", alternate.ModelID,
				"kind", perr.Kind,
				"error", err,
			)
			binding, out.FellBack = alternate, true
			if comp, err = e.complete(ctx, binding, in.Background, transcript, defs); err != nil {
				return out, classifyProviderError(err)
			}
		}
		out.Usage.add(comp.Usage)
		out.Cost += e.pricing.Cost(binding.ModelID, comp.Usage)
		out.Model = binding.ModelID

		if len(comp.ToolCalls) == 0 {
			out.Reply = comp.Text
			out.State = StateDone
			return out, nil
		}

		out.State = StateExecutingTools
		calls := make([]ToolCall, len(comp.ToolCalls))
		for i, c := range comp.ToolCalls {
			if c.ID == "" {
				c.ID = fmt.Sprintf("call_%d_%d", iter, i+1)
			}
			calls[i] = c
		}
		transcript = append(transcript, Message{Role: RoleAssistant, Text: comp.Text, ToolCalls: calls})

		invs := e.scheduler.run(ctx, in.UserID, in.ConversationID, iter, calls)
		for _, inv := range invs {
			transcript = append(transcript, Message{
				Role:       RoleTool,
				Text:       inv.Compressed,
				ToolCallID: inv.ID,
				ToolName:   inv.ToolName,
				ToolFailed: inv.Status != tools.ResultStatusSuccess,
			})
		}
		out.Invocations = append(out.Invocations, invs...)
		e.log.Debug("tool iteration finished", "user_id", in.UserID, "iteration", iter, "calls", len(invs))
	}

	out.State = StateExhausted
	out.Reply = exhaustedReply
	return out, nil
}

func (e *Engine) complete(ctx context.Context, b *Binding, background string, transcript []Message, defs []tools.Def) (Completion, error) {
	cctx := ctx
	cancel := func() {}
	if e.providerTimeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, e.providerTimeout)
	}
	defer cancel()

	comp, err := b.Provider.Complete(cctx, CompletionRequest{
		Model:           b.Model,
		System:          e.systemPrompt,
		Context:         background,
		Messages:        transcript,
		Tools:           defs,
		MaxOutputTokens: b.MaxOutputTokens,
	})
	if err != nil {
		return Completion{}, err
	}
	if comp.Text == "" && len(comp.ToolCalls) == 0 {
		return Completion{}, newError(KindMalformedResponse, fmt.Errorf("%s returned neither text nor tool calls", b.ModelID))
	}
	for _, c := range comp.ToolCalls {
		if c.Name == "" {
			return Completion{}, newError(KindMalformedResponse, fmt.Errorf("%s returned a tool call without a name", b.ModelID))
		}
	}
	return comp, nil
}
