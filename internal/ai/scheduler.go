package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/floegence/coach-agent/internal/ai/tools"
	"golang.org/x/sync/errgroup"
)

// toolRunner executes one tool call. *tools.Registry implements it.
type toolRunner interface {
	Call(ctx context.Context, inv tools.Invocation, raw json.RawMessage) tools.Result
}

// mutatingSettle is how long a timed-out mutating call may still report
// its outcome. Its context is already canceled, so a write either lands or
// fails within this window.
const mutatingSettle = 2 * time.Second

// scheduler runs the tool calls of one iteration concurrently. A failing or
// slow call only affects its own slot; results keep call order.
type scheduler struct {
	runner   toolRunner
	parallel int
	timeout  time.Duration
	// mutating names the tools whose late results are still collected.
	mutating map[string]bool
	settle   time.Duration
	log      *slog.Logger
}

func (s *scheduler) run(ctx context.Context, userID string, conversationID string, iteration int, calls []ToolCall) []ToolInvocation {
	out := make([]ToolInvocation, len(calls))
	if len(calls) == 0 {
		return out
	}
	var g errgroup.Group
	if s.parallel > 0 {
		g.SetLimit(s.parallel)
	}
	for i, call := range calls {
		g.Go(func() error {
			out[i] = s.runOne(ctx, userID, conversationID, iteration, call)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *scheduler) runOne(ctx context.Context, userID string, conversationID string, iteration int, call ToolCall) ToolInvocation {
	started := time.Now()
	inv := ToolInvocation{
		ID:        call.ID,
		ToolName:  strings.TrimSpace(call.Name),
		Args:      call.Args,
		Iteration: iteration,
	}

	tctx := ctx
	cancel := func() {}
	if s.timeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	defer cancel()

	done := make(chan tools.Result, 1)
	go func() {
		done <- s.runner.Call(tctx, tools.Invocation{
			UserID:         userID,
			ConversationID: conversationID,
			ToolName:       inv.ToolName,
		}, call.Args)
	}()

	var res tools.Result
	select {
	case res = <-done:
	case <-tctx.Done():
		res = s.late(done, inv, userID, tctx.Err())
	}

	inv.Status = res.Status
	inv.Result = res.Full
	inv.Compressed = res.Compressed
	inv.Summary = res.Summary
	inv.Error = res.Error
	inv.Action = res.Action
	inv.DurationMs = time.Since(started).Milliseconds()
	if res.Status != tools.ResultStatusSuccess {
		s.log.Warn("tool call did not succeed",
			"user_id", userID,
			"tool", inv.ToolName,
			"status", res.Status,
			"duration_ms", inv.DurationMs,
		)
	}
	return inv
}

// late resolves a call whose context ended first. A read is reported as
// aborted. A mutating call gets a short window to report whether its write
// landed, so a committed entry is not hidden behind a timeout.
func (s *scheduler) late(done <-chan tools.Result, inv ToolInvocation, userID string, cause error) tools.Result {
	aborted := abortedResult(inv.ToolName, cause, s.timeout)
	if !s.mutating[inv.ToolName] {
		return aborted
	}
	settle := s.settle
	if settle <= 0 {
		settle = mutatingSettle
	}
	t := time.NewTimer(settle)
	defer t.Stop()
	select {
	case res := <-done:
		s.log.Info("mutating tool finished after its deadline",
			"user_id", userID,
			"tool", inv.ToolName,
			"status", res.Status,
		)
		return res
	case <-t.C:
		s.log.Warn("mutating tool outcome unknown; result discarded",
			"user_id", userID,
			"tool", inv.ToolName,
			"call_id", inv.ID,
		)
		return aborted
	}
}

func abortedResult(toolName string, cause error, timeout time.Duration) tools.Result {
	te := &tools.ToolError{Code: tools.ErrorCodeTimeout, Message: fmt.Sprintf("%s timed out after %s", toolName, timeout), Retryable: true}
	status := tools.ResultStatusTimeout
	if errors.Is(cause, context.Canceled) {
		te = &tools.ToolError{Code: tools.ErrorCodeCanceled, Message: "canceled"}
		status = tools.ResultStatusError
	}
	te.Normalize()
	b, _ := json.Marshal(map[string]any{"error": te})
	return tools.Result{Status: status, Full: b, Compressed: string(b), Error: te}
}
