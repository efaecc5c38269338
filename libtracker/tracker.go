// Package libtracker reports the lifecycle of service operations.
//
// A call to Start returns three callbacks: reportErr records a failure,
// reportChange records the entity the operation produced or modified, and
// end closes the span. Services wrap their implementations with a decorator
// that calls Start on every method.
package libtracker

import (
	"context"
	"log/slog"
	"time"
)

type ActivityTracker interface {
	Start(
		ctx context.Context,
		operation string,
		subject string,
		kvArgs ...any,
	) (reportErr func(err error), reportChange func(id string, data any), end func())
}

// NoopTracker discards everything.
type NoopTracker struct{}

func (NoopTracker) Start(context.Context, string, string, ...any) (func(error), func(string, any), func()) {
	return func(error) {}, func(string, any) {}, func() {}
}

type logActivityTracker struct {
	logger *slog.Logger
}

// NewLogActivityTracker logs one structured line per finished operation.
func NewLogActivityTracker(logger *slog.Logger) ActivityTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &logActivityTracker{logger: logger}
}

func (t *logActivityTracker) Start(
	ctx context.Context,
	operation string,
	subject string,
	kvArgs ...any,
) (func(error), func(string, any), func()) {
	start := time.Now()
	var opErr error
	var entityID string
	var changed bool

	reportErr := func(err error) {
		if err != nil {
			opErr = err
		}
	}
	reportChange := func(id string, _ any) {
		entityID = id
		changed = true
	}
	end := func() {
		attrs := []any{
			"operation", operation,
			"subject", subject,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if reqID := RequestID(ctx); reqID != "" {
			attrs = append(attrs, "request_id", reqID)
		}
		if changed {
			attrs = append(attrs, "entity_id", entityID)
		}
		attrs = append(attrs, kvArgs...)
		if opErr != nil {
			t.logger.ErrorContext(ctx, "operation failed", append(attrs, "error", opErr.Error())...)
			return
		}
		t.logger.DebugContext(ctx, "operation finished", attrs...)
	}
	return reportErr, reportChange, end
}

// ChainedTracker fans every callback out to all trackers in order.
type ChainedTracker []ActivityTracker

func (c ChainedTracker) Start(
	ctx context.Context,
	operation string,
	subject string,
	kvArgs ...any,
) (func(error), func(string, any), func()) {
	errFns := make([]func(error), 0, len(c))
	changeFns := make([]func(string, any), 0, len(c))
	endFns := make([]func(), 0, len(c))
	for _, tr := range c {
		if tr == nil {
			continue
		}
		e, ch, en := tr.Start(ctx, operation, subject, kvArgs...)
		errFns = append(errFns, e)
		changeFns = append(changeFns, ch)
		endFns = append(endFns, en)
	}
	return func(err error) {
			for _, f := range errFns {
				f(err)
			}
		}, func(id string, data any) {
			for _, f := range changeFns {
				f(id, data)
			}
		}, func() {
			for i := len(endFns) - 1; i >= 0; i-- {
				endFns[i]()
			}
		}
}

var (
	_ ActivityTracker = NoopTracker{}
	_ ActivityTracker = ChainedTracker{}
)
