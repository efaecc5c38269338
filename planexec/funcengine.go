package planexec

import (
	"context"
	"errors"
	"fmt"
)

// ToolFunc implements a single tool.
type ToolFunc func(ctx context.Context, params map[string]any) (any, error)

// ToolError lets a ToolFunc report a structured failure kind.
type ToolError struct {
	Kind      string
	Retryable bool
	Err       error
}

func (e *ToolError) Error() string {
	return e.Err.Error()
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// ErrApprovalRequired may be returned by a ToolFunc that wants a human
// decision before it acts.
var ErrApprovalRequired = errors.New("approval required")

// FuncEngine is a ToolEngine backed by in-process functions keyed by tool
// name.
type FuncEngine map[string]ToolFunc

func (f FuncEngine) ExecuteToolCall(ctx context.Context, call ToolCall) (Outcome, error) {
	fn, ok := f[call.ToolName]
	if !ok {
		return Outcome{Kind: OutcomeFailure, Error: fmt.Sprintf("unknown tool %q", call.ToolName), ErrorKind: "not_found"}, nil
	}
	result, err := fn(ctx, call.Params)
	if err == nil {
		return Outcome{Kind: OutcomeSuccess, Result: result}, nil
	}
	if errors.Is(err, ErrApprovalRequired) && call.Decision != DecisionApproved {
		return Outcome{Kind: OutcomeApprovalRequired}, nil
	}
	out := Outcome{Kind: OutcomeFailure, Error: err.Error()}
	var te *ToolError
	if errors.As(err, &te) {
		out.ErrorKind = te.Kind
		out.Retryable = te.Retryable
	}
	return out, nil
}
