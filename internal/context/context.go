// Package context implements the per-execution-context current-trace and
// span-stack store. Go's native unit for "the execution context for one
// logical task" is context.Context, not a goroutine-local variable (Go
// deliberately has no thread/goroutine-local storage), so every operation
// here is built directly on top of it: each push derives a new, immutable
// child context carrying the new top frame, and "popping" is simply never
// propagating that derived context back to the caller. This gives
// isolation across concurrently executing contexts, with guaranteed
// release on every exit path including a panic, using the idiom every Go
// program already uses to thread per-request state. There is no separate
// "pop" operation: the caller simply stops using the derived context once
// its scope ends and the previous frame becomes current again by construction.
package context

import (
	"context"

	"github.com/seuros/miniapm/internal/apmtrace"
)

type frame struct {
	trace   *apmtrace.Trace
	span    *apmtrace.Span
	hasSpan bool
}

type ctxKey struct{}

var key = ctxKey{}

func currentFrame(ctx context.Context) frame {
	if f, ok := ctx.Value(key).(frame); ok {
		return f
	}
	return frame{}
}

// CurrentTrace returns the trace active in ctx, if any.
func CurrentTrace(ctx context.Context) (apmtrace.Trace, bool) {
	f := currentFrame(ctx)
	if f.trace == nil {
		return apmtrace.Trace{}, false
	}
	return *f.trace, true
}

// CurrentSpan returns the span at the top of ctx's stack, if any.
func CurrentSpan(ctx context.Context) (*apmtrace.Span, bool) {
	f := currentFrame(ctx)
	if !f.hasSpan {
		return nil, false
	}
	return f.span, true
}

// PushSpan derives a context.Context whose current span is span, leaving
// the active trace unchanged. Callers performing their own scoping (rather
// than using WithSpan) are responsible for discarding the derived context
// when the scope ends.
func PushSpan(ctx context.Context, span *apmtrace.Span) context.Context {
	f := currentFrame(ctx)
	return context.WithValue(ctx, key, frame{trace: f.trace, span: span, hasSpan: true})
}

// WithTraceValue derives a context.Context whose current trace is trace and
// whose span stack starts empty, for entering a new logical scope.
func WithTraceValue(ctx context.Context, trace apmtrace.Trace) context.Context {
	t := trace
	return context.WithValue(ctx, key, frame{trace: &t})
}

// Clear derives a context.Context with neither a current trace nor a
// current span.
func Clear(ctx context.Context) context.Context {
	return context.WithValue(ctx, key, frame{})
}

// WithSpan pushes span as current for the duration of body, guaranteeing
// the previous span (or none) is current again once WithSpan returns,
// including when body panics, since the derived context never escapes this
// call. body's error, if any, is returned to the caller.
func WithSpan(ctx context.Context, span *apmtrace.Span, body func(context.Context) error) error {
	return body(PushSpan(ctx, span))
}

// WithTrace saves the current trace and span stack, installs trace with an
// empty stack for the duration of body, and restores the previous trace and
// stack once WithTrace returns (by construction: the derived context is
// never returned to the caller).
func WithTrace(ctx context.Context, trace apmtrace.Trace, body func(context.Context) error) error {
	return body(WithTraceValue(ctx, trace))
}
