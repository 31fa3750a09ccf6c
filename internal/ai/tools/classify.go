package tools

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/floegence/coach-agent/internal/store"
)

// ClassifyError maps a handler error onto a ToolError with recovery hints
// for the model.
func ClassifyError(inv Invocation, err error) *ToolError {
	if err == nil {
		return nil
	}

	var te *ToolError
	if errors.As(err, &te) {
		out := *te
		out.Normalize()
		return &out
	}

	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "Tool failed"
	}
	lower := strings.ToLower(msg)

	out := &ToolError{
		Code:      ErrorCodeUnknown,
		Message:   msg,
		Retryable: false,
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(lower, "timed out") || strings.Contains(lower, "deadline exceeded"):
		out.Code = ErrorCodeTimeout
		out.Retryable = true
		out.SuggestedFixes = []string{"Retry with a narrower date range or a smaller limit."}
	case errors.Is(err, context.Canceled):
		out.Code = ErrorCodeCanceled
	case errors.Is(err, sql.ErrNoRows) || errors.Is(err, store.ErrNotFound) || strings.Contains(lower, "not found") || strings.Contains(lower, "no rows"):
		out.Code = ErrorCodeNotFound
		out.SuggestedFixes = []string{"Tell the user nothing is recorded yet instead of guessing values."}
	case strings.Contains(lower, "missing") || strings.Contains(lower, "invalid"):
		out.Code = ErrorCodeInvalidArguments
		out.Retryable = true
		out.SuggestedFixes = []string{"Check the tool schema and call again with corrected arguments."}
	case strings.Contains(lower, "database is locked") || strings.Contains(lower, "busy") ||
		strings.Contains(lower, "connection refused") || strings.Contains(lower, "unavailable"):
		out.Code = ErrorCodeUnavailable
		out.Retryable = true
		out.SuggestedFixes = []string{"Retry once; if it fails again answer without this data."}
	}
	if name := strings.TrimSpace(inv.ToolName); name != "" {
		out.Meta = map[string]any{"tool": name}
	}
	out.Normalize()
	return out
}
