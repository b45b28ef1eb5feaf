package miniapm

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/seuros/miniapm/ext"
	"github.com/seuros/miniapm/internal/apmerror"
	"github.com/seuros/miniapm/internal/apmtrace"
	"github.com/seuros/miniapm/internal/batch"
	internalcontext "github.com/seuros/miniapm/internal/context"
	"github.com/seuros/miniapm/internal/log"
	"github.com/seuros/miniapm/internal/transport"
)

// Client holds everything a running configuration needs: the batch sender,
// the two exporters it drives, and the parameter filter error reporting
// applies. It is built fresh by Start and torn down by Stop; there is no
// public constructor because this package manages a single, process-wide
// instance through the package-level functions below.
type Client struct {
	cfg Config

	sender      *batch.Sender
	httpClient  *transport.Client
	paramFilter *apmerror.ParamFilter
}

var (
	mu         sync.Mutex
	pendingCfg = defaultConfig()
	active     *Client
)

// Configure applies opts to the configuration Start will use. It may be
// called any number of times before Start; validation is deferred to Start,
// so a bad Configure call never itself fails.
func Configure(opts ...Option) {
	mu.Lock()
	defer mu.Unlock()
	for _, opt := range opts {
		opt(&pendingCfg)
	}
}

// Start validates the configuration accumulated by Configure (plus any opts
// passed here, applied last), builds the exporters and batch sender, and
// starts the sender's background goroutines. Start is idempotent: a second
// call while already started returns nil without rebuilding anything.
func Start(opts ...Option) error {
	mu.Lock()
	defer mu.Unlock()
	if active != nil {
		return nil
	}
	for _, opt := range opts {
		opt(&pendingCfg)
	}
	cfg := pendingCfg
	if err := cfg.validate(); err != nil {
		return err
	}

	httpClient := transport.NewClient(cfg.Endpoint, cfg.APIKey)
	otlpExporter := transport.NewOTLPExporter(httpClient, transport.ResourceAttributes{
		ServiceName:    cfg.ServiceName,
		Environment:    cfg.Environment,
		ServiceVersion: cfg.ServiceVersion,
		Host:           cfg.Host,
		GitSHA:         cfg.GitSHA,
	})
	errExporter := transport.NewErrorExporter(httpClient)

	c := &Client{
		cfg:         cfg,
		httpClient:  httpClient,
		paramFilter: apmerror.NewParamFilter(cfg.FilterParameters...),
	}
	c.sender = batch.New(batch.Config{
		BatchSize:          cfg.BatchSize,
		FlushInterval:      cfg.FlushInterval,
		MaxQueueSize:       cfg.MaxQueueSize,
		MaxConcurrentSends: cfg.MaxConcurrentSends,
		SendSpans:          func(items []any) transport.Result { return sendSpans(otlpExporter, items) },
		SendErrors:         func(items []any) transport.Result { return sendErrors(errExporter, items) },
	})
	c.sender.Start()
	active = c
	return nil
}

// Stop flushes and joins the batch sender (bounded) and returns the façade
// to its pre-Start state. It is idempotent; calling Stop without a prior
// successful Start is a no-op.
func Stop() {
	mu.Lock()
	c := active
	active = nil
	mu.Unlock()
	if c != nil {
		c.sender.Stop()
	}
}

// Enabled reports whether the library is started and its Enabled config
// flag is set. Instrumentation adapters should treat a false result as
// "do nothing, at minimum cost."
func Enabled() bool {
	_, cfg, ok := activeClient()
	return ok && cfg.Enabled
}

func activeClient() (*Client, Config, bool) {
	mu.Lock()
	defer mu.Unlock()
	if active == nil {
		return nil, Config{}, false
	}
	return active, active.cfg, true
}

// Span runs body inside a new Span named name, in category, with attrs as
// its initial attributes. It reuses the current span (as ctx's child) when
// one exists, starts a new root trace otherwise, pushes the new span into
// the context passed to body, and guarantees Finish and (if the trace is
// sampled) enqueue happen on every exit path, including a panic from body,
// which is recorded as an exception on the span, finished, and then
// re-raised. ctx is both the first parameter and the carrier of the new
// current-span state, since Go has no implicit per-thread/per-fiber
// storage to hide it behind.
func Span(ctx context.Context, name string, category ext.Category, attrs map[string]any, body func(context.Context) error) (err error) {
	c, cfg, ok := activeClient()
	if !ok || !cfg.Enabled {
		return body(ctx)
	}

	trace, span, spanCtx := startSpan(ctx, name, category, attrs, cfg.SampleRate)

	defer func() {
		if r := recover(); r != nil {
			span.RecordException(panicClassName(r), fmt.Sprint(r), stackLines())
			span.Finish()
			finalizeSpan(c, cfg, trace, span)
			panic(r)
		}
	}()

	err = body(spanCtx)
	if err != nil {
		span.RecordException(exceptionClassName(err), err.Error(), stackLines())
	} else {
		span.SetOk()
	}
	span.Finish()
	finalizeSpan(c, cfg, trace, span)
	return err
}

// startSpan picks Span's construction path: child of the span already in
// ctx, sibling span under ctx's current trace, or a brand-new root trace.
func startSpan(ctx context.Context, name string, category ext.Category, attrs map[string]any, sampleRate float64) (apmtrace.Trace, *apmtrace.Span, context.Context) {
	if parent, ok := internalcontext.CurrentSpan(ctx); ok {
		trace, _ := internalcontext.CurrentTrace(ctx)
		child := parent.CreateChild(name, category, attrs)
		return trace, child, internalcontext.PushSpan(ctx, child)
	}
	if trace, ok := internalcontext.CurrentTrace(ctx); ok {
		s := apmtrace.New(name, category, trace.TraceID, "", attrs)
		return trace, s, internalcontext.PushSpan(ctx, s)
	}
	root, trace := apmtrace.NewRoot(name, category, attrs, nil, sampleRate)
	ctx = internalcontext.WithTraceValue(ctx, trace)
	return trace, root, internalcontext.PushSpan(ctx, root)
}

// finalizeSpan applies BeforeSend (catching any panic) and enqueues span
// for export, skipping both when the span's trace is known to be
// unsampled: unsampled traces are never exported.
func finalizeSpan(c *Client, cfg Config, trace apmtrace.Trace, span *apmtrace.Span) {
	if !trace.Sampled {
		return
	}
	if cfg.BeforeSend != nil && !runBeforeSend(cfg.BeforeSend, span) {
		return
	}
	c.sender.Enqueue(batch.KindSpan, span)
}

func runBeforeSend(hook func(*apmtrace.Span) bool, span *apmtrace.Span) (keep bool) {
	keep = true
	defer func() {
		if r := recover(); r != nil {
			log.Error("miniapm: before_send panicked: %v", r)
			keep = true
		}
	}()
	return hook(span)
}

// RecordSpan enqueues a span built and finished outside of Span, for
// callers that construct their own span trees. It is skipped when ctx's
// current trace is known to be unsampled.
func RecordSpan(ctx context.Context, span *apmtrace.Span) {
	c, cfg, ok := activeClient()
	if !ok || !cfg.Enabled || span == nil {
		return
	}
	sampled := true
	if trace, ok := internalcontext.CurrentTrace(ctx); ok {
		sampled = trace.Sampled
	}
	finalizeSpan(c, cfg, apmtrace.Trace{TraceID: span.TraceID(), Sampled: sampled}, span)
}

// RecordError builds an ErrorEvent from exception and contextData and
// enqueues it for export, unless exception's dynamic type is listed in
// IgnoredExceptions. contextData's "request_id", "user_id" and "params"
// entries are lifted into the event's dedicated fields; everything else is
// carried as context verbatim. Host adapters
// generating a request_id for this purpose should use
// github.com/google/uuid's uuid.NewString(), matching the rest of this
// module's identifier conventions.
func RecordError(ctx context.Context, exception error, contextData map[string]any) {
	c, cfg, ok := activeClient()
	if !ok || !cfg.Enabled || exception == nil {
		return
	}
	class := exceptionClassName(exception)
	for _, ignored := range cfg.IgnoredExceptions {
		if ignored == class {
			return
		}
	}

	in := apmerror.Input{
		ExceptionClass: class,
		Message:        exception.Error(),
		Backtrace:      stackLines(),
		Context:        contextData,
	}
	if v, ok := contextData["request_id"].(string); ok {
		in.RequestID = v
	}
	if v, ok := contextData["user_id"]; ok {
		in.UserID = v
	}
	if v, ok := contextData["params"].(map[string]any); ok {
		in.Params = v
	}

	ev := apmerror.New(in, c.paramFilter)
	c.sender.Enqueue(batch.KindError, ev)
}

// CurrentTraceID returns the trace ID active in ctx, if any.
func CurrentTraceID(ctx context.Context) (string, bool) {
	trace, ok := internalcontext.CurrentTrace(ctx)
	if !ok {
		return "", false
	}
	return trace.TraceID, true
}

// CurrentSpanID returns the span ID at the top of ctx's span stack, if any.
func CurrentSpanID(ctx context.Context) (string, bool) {
	span, ok := internalcontext.CurrentSpan(ctx)
	if !ok {
		return "", false
	}
	return span.SpanID(), true
}

// Flush moves every pending span/error into a batch, dispatches it, and
// blocks up to 5s for delivery, per internal/batch's Flush. It is a no-op
// if the library has not been started.
func Flush() {
	if c, _, ok := activeClient(); ok {
		c.sender.Flush()
	}
}

// Stats returns a snapshot of the batch sender's counters.
func Stats() batch.Stats {
	if c, _, ok := activeClient(); ok {
		return c.sender.Stats()
	}
	return batch.Stats{}
}

// Healthy issues a no-body authenticated POST to {endpoint}/health and
// reports whether it succeeded. It returns false if the library has not
// been started.
func Healthy(ctx context.Context) bool {
	if c, _, ok := activeClient(); ok {
		return c.httpClient.HealthyContext(ctx)
	}
	return false
}

func sendSpans(exp *transport.OTLPExporter, items []any) transport.Result {
	spans := make([]*apmtrace.Span, 0, len(items))
	for _, item := range items {
		if s, ok := item.(*apmtrace.Span); ok {
			spans = append(spans, s)
		}
	}
	return exp.Export(spans)
}

func sendErrors(exp *transport.ErrorExporter, items []any) transport.Result {
	events := make([]*apmerror.ErrorEvent, 0, len(items))
	for _, item := range items {
		if e, ok := item.(*apmerror.ErrorEvent); ok {
			events = append(events, e)
		}
	}
	result := exp.ExportBatch(events)
	return transport.Result{Success: result.Success, Status: result.Status, NoOp: result.NoOp}
}

// exceptionClassName is Go's analogue of "exception class": there are no
// exception classes in Go, so the dynamic type name of the error value
// stands in for it, matching what a caller would configure in
// IgnoredExceptions.
func exceptionClassName(err error) string {
	t := reflect.TypeOf(err)
	if t == nil {
		return "error"
	}
	return t.String()
}

func panicClassName(r any) string {
	if err, ok := r.(error); ok {
		return exceptionClassName(err)
	}
	return fmt.Sprintf("%T", r)
}

// stackLines captures the current goroutine's stack as a backtrace;
// RecordException truncates it to 30 lines itself.
func stackLines() []string {
	return strings.Split(string(debug.Stack()), "\n")
}
