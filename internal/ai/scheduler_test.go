package ai

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/floegence/coach-agent/internal/ai/tools"
)

// funcRunner adapts a function to toolRunner.
type funcRunner func(ctx context.Context, inv tools.Invocation, raw json.RawMessage) tools.Result

func (f funcRunner) Call(ctx context.Context, inv tools.Invocation, raw json.RawMessage) tools.Result {
	return f(ctx, inv, raw)
}

func ok(text string) tools.Result {
	return tools.Result{Status: tools.ResultStatusSuccess, Full: json.RawMessage(`{}`), Compressed: text}
}

func TestScheduler_IsolatesSlowCall(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	runner := funcRunner(func(ctx context.Context, inv tools.Invocation, raw json.RawMessage) tools.Result {
		if inv.ToolName == "slow" {
			<-block
		}
		return ok(inv.ToolName + ":" + inv.UserID)
	})
	s := &scheduler{runner: runner, parallel: 4, timeout: 50 * time.Millisecond, log: slog.New(slog.NewTextHandler(io.Discard, nil))}

	start := time.Now()
	out := s.run(context.Background(), "u1", "c1", 1, []ToolCall{
		{ID: "a", Name: "fast"},
		{ID: "b", Name: "slow"},
		{ID: "c", Name: "other"},
	})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("run blocked for %s", elapsed)
	}
	if len(out) != 3 {
		t.Fatalf("results=%d, want 3", len(out))
	}
	if out[0].ID != "a" || out[0].Compressed != "fast:u1" || out[2].Compressed != "other:u1" {
		t.Fatalf("results out of order: %+v", out)
	}
	if out[1].Status != tools.ResultStatusTimeout || out[1].Error == nil || out[1].Error.Code != tools.ErrorCodeTimeout {
		t.Fatalf("slow call=%+v, want timeout", out[1])
	}
	if out[1].Iteration != 1 {
		t.Fatalf("iteration=%d, want 1", out[1].Iteration)
	}
}

func TestScheduler_RespectsParallelLimit(t *testing.T) {
	t.Parallel()

	var inflight, peak atomic.Int32
	runner := funcRunner(func(ctx context.Context, inv tools.Invocation, raw json.RawMessage) tools.Result {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return ok("done")
	})
	s := &scheduler{runner: runner, parallel: 2, timeout: time.Second, log: slog.New(slog.NewTextHandler(io.Discard, nil))}

	calls := make([]ToolCall, 6)
	for i := range calls {
		calls[i] = ToolCall{ID: string(rune('a' + i)), Name: "t"}
	}
	out := s.run(context.Background(), "u1", "c1", 1, calls)
	for i, inv := range out {
		if inv.Status != tools.ResultStatusSuccess {
			t.Fatalf("call %d status=%q", i, inv.Status)
		}
	}
	if got := peak.Load(); got > 2 {
		t.Fatalf("peak concurrency=%d, want <= 2", got)
	}
}

func TestScheduler_CanceledRequest(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := funcRunner(func(ctx context.Context, inv tools.Invocation, raw json.RawMessage) tools.Result {
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		return ok("late")
	})
	s := &scheduler{runner: runner, parallel: 1, timeout: time.Second, log: slog.New(slog.NewTextHandler(io.Discard, nil))}

	out := s.run(ctx, "u1", "c1", 1, []ToolCall{{ID: "a", Name: "t"}})
	if out[0].Error == nil || out[0].Error.Code != tools.ErrorCodeCanceled {
		t.Fatalf("result=%+v, want CANCELED", out[0])
	}
}

func TestScheduler_MutatingCallReportsLateCommit(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	runner := funcRunner(func(ctx context.Context, inv tools.Invocation, raw json.RawMessage) tools.Result {
		switch inv.ToolName {
		case tools.NameLogMeal:
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond) // the write lands after the deadline
			res := ok("1 item logged")
			res.Action = &tools.Action{ID: "act_1", Kind: tools.ActionCommitted, ToolName: tools.NameLogMeal, RecordIDs: []string{"meal_1"}}
			return res
		case tools.NameLogActivity:
			<-block
		default:
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
		}
		return ok("late")
	})
	s := &scheduler{
		runner:   runner,
		parallel: 4,
		timeout:  30 * time.Millisecond,
		mutating: map[string]bool{tools.NameLogMeal: true, tools.NameLogActivity: true},
		settle:   300 * time.Millisecond,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	out := s.run(context.Background(), "u1", "c1", 1, []ToolCall{
		{ID: "a", Name: tools.NameLogMeal},
		{ID: "b", Name: tools.NameLogActivity},
		{ID: "c", Name: "get_daily_nutrition"},
	})
	if out[0].Status != tools.ResultStatusSuccess || out[0].Action == nil || out[0].Action.ID != "act_1" {
		t.Fatalf("late write=%+v, want committed action kept", out[0])
	}
	if out[1].Status != tools.ResultStatusTimeout || out[1].Action != nil {
		t.Fatalf("stuck write=%+v, want timeout", out[1])
	}
	if out[2].Status != tools.ResultStatusTimeout {
		t.Fatalf("late read=%+v, want timeout", out[2])
	}
}
