package libtracker

import (
	"context"
	"fmt"
	"math/rand/v2"
)

type contextKey string

var ContextKeyRequestID = contextKey("request_id")
var ContextKeyPlanID = contextKey("plan_id")

// WithNewRequestID stamps a fresh random request ID into ctx. Entry points
// (CLI commands, background goroutines) call it when no ID is present yet.
func WithNewRequestID(ctx context.Context) context.Context {
	id := fmt.Sprintf("req-%016x", rand.Uint64())
	return context.WithValue(ctx, ContextKeyRequestID, id)
}

// WithPlanID tags ctx with the plan currently being driven.
func WithPlanID(ctx context.Context, planID string) context.Context {
	return context.WithValue(ctx, ContextKeyPlanID, planID)
}

// RequestID returns the request ID carried by ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyRequestID).(string)
	return id
}

// PlanID returns the plan ID carried by ctx, or "".
func PlanID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyPlanID).(string)
	return id
}
