// Package apmtrace implements the Trace and Span records: mutable span
// state with bounded attributes/events, parent/child linkage, and
// OTLP-JSON serialization. The span type follows the same shape as
// dd-trace-go's span.go: a mutex-protected struct with setter-style
// mutators and an idempotent Finish guard.
package apmtrace

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/seuros/miniapm/ext"
	"github.com/seuros/miniapm/internal/ids"
)

// Event is a single timestamped annotation recorded on a Span.
type Event struct {
	Name         string
	TimeUnixNano int64
	Attributes   map[string]Value
	attrOrder    []string
}

// Span is a timed unit of work within a Trace. It is safe for concurrent
// use; callers must call Finish exactly once to stamp its end time, though
// Finish is idempotent by design.
type Span struct {
	mu sync.Mutex

	traceID      string
	spanID       string
	parentSpanID string
	name         string
	category     ext.Category
	kind         ext.Kind

	startTime int64
	endTime   int64
	finished  bool

	attributes map[string]Value
	attrOrder  []string
	events     []Event

	statusCode    ext.StatusCode
	statusMessage string
}

func clockNow() int64 { return time.Now().UnixNano() }

// New constructs a Span. A malformed parentSpanID is dropped (root span);
// a malformed traceID causes a fresh trace ID to be generated. Unknown
// categories normalize to ext.CategoryInternal. Initial attributes are
// applied through AddAttribute so the usual limits apply.
func New(name string, category ext.Category, traceID, parentSpanID string, attrs map[string]any) *Span {
	if !ids.ValidTraceID(traceID) {
		traceID = ids.NewTraceID()
	}
	if !ids.ValidSpanID(parentSpanID) {
		parentSpanID = ""
	}
	category = ext.Normalize(category)

	s := &Span{
		traceID:      traceID,
		spanID:       ids.NewSpanID(),
		parentSpanID: parentSpanID,
		name:         truncateString(name, MaxNameLen),
		category:     category,
		kind:         ext.KindFor(category),
		startTime:    clockNow(),
		attributes:   make(map[string]Value),
		statusCode:   ext.StatusUnset,
	}
	for k, v := range attrs {
		s.AddAttribute(k, v)
	}
	return s
}

// NewRoot creates a fresh Trace and a root Span belonging to it.
func NewRoot(name string, category ext.Category, attrs map[string]any, sampled *bool, sampleRate float64) (*Span, Trace) {
	trace := NewTrace("", sampled, sampleRate)
	return New(name, category, trace.TraceID, "", attrs), trace
}

// CreateChild returns a new Span sharing this span's trace, parented to it.
func (s *Span) CreateChild(name string, category ext.Category, attrs map[string]any) *Span {
	s.mu.Lock()
	traceID := s.traceID
	parentID := s.spanID
	s.mu.Unlock()
	return New(name, category, traceID, parentID, attrs)
}

func (s *Span) TraceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traceID
}

func (s *Span) SpanID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spanID
}

func (s *Span) ParentSpanID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parentSpanID
}

func (s *Span) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// IsRoot reports whether this span has no parent.
func (s *Span) IsRoot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parentSpanID == ""
}

// IsError reports whether the span's status is ext.StatusError.
func (s *Span) IsError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCode == ext.StatusError
}

// Finished reports whether Finish has taken effect.
func (s *Span) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// Finish stamps end_time with the current clock reading. It is idempotent:
// subsequent calls are no-ops once the "already finished" guard trips.
func (s *Span) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.endTime = clockNow()
	s.finished = true
}

// AddAttribute sets an attribute, silently dropping it if the span is at
// capacity, and truncating/sanitizing the key and value otherwise.
func (s *Span) AddAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.addAttributeLocked(key, value)
}

func (s *Span) addAttributeLocked(key string, value any) {
	if _, exists := s.attributes[truncateKey(key)]; !exists && len(s.attributes) >= MaxAttributes {
		return
	}
	k := truncateKey(key)
	if _, exists := s.attributes[k]; !exists {
		s.attrOrder = append(s.attrOrder, k)
	}
	s.attributes[k] = sanitizeValue(value)
}

// AddEvent records a timestamped event, obeying the event-count and
// event-attribute-count caps.
func (s *Span) AddEvent(name string, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addEventLocked(name, attrs)
}

func (s *Span) addEventLocked(name string, attrs map[string]any) {
	if len(s.events) >= MaxEvents {
		return
	}
	ev := Event{
		Name:         truncateString(name, MaxNameLen),
		TimeUnixNano: clockNow(),
		Attributes:   make(map[string]Value),
	}
	for k, v := range attrs {
		if len(ev.Attributes) >= MaxEventAttributes {
			break
		}
		tk := truncateKey(k)
		if _, exists := ev.Attributes[tk]; !exists {
			ev.attrOrder = append(ev.attrOrder, tk)
		}
		ev.Attributes[tk] = sanitizeValue(v)
	}
	s.events = append(s.events, ev)
}

// RecordException sets the span status to ERROR and appends an "exception"
// event carrying exception.type / exception.message / exception.stacktrace,
// the latter truncated to the first 30 backtrace lines.
func (s *Span) RecordException(excType, excMessage string, backtrace []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.statusCode = ext.StatusError
	s.statusMessage = truncateString(excMessage, MaxStringLen)

	lines := backtrace
	if len(lines) > 30 {
		lines = lines[:30]
	}
	s.addEventLocked("exception", map[string]any{
		"exception.type":       excType,
		"exception.message":    excMessage,
		"exception.stacktrace": strings.Join(lines, "\n"),
	})
}

// SetError sets status to ERROR with an optional message.
func (s *Span) SetError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.statusCode = ext.StatusError
	s.statusMessage = truncateString(msg, MaxStringLen)
}

// SetOk sets status to OK and clears any status message.
func (s *Span) SetOk() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.statusCode = ext.StatusOK
	s.statusMessage = ""
}

// ToOTLP renders the span as an OTLP-JSON-ready map, following the value-
// wrapping rules in value.go.
func (s *Span) ToOTLP() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := s.endTime
	if end == 0 {
		end = s.startTime
	}

	out := map[string]any{
		"traceId":           s.traceID,
		"spanId":            s.spanID,
		"name":              s.name,
		"kind":              int(s.kind),
		"startTimeUnixNano": strconv.FormatInt(s.startTime, 10),
		"endTimeUnixNano":   strconv.FormatInt(end, 10),
		"attributes":        attributesToOTLP(s.attributes, s.attrOrder),
	}
	if s.parentSpanID != "" {
		out["parentSpanId"] = s.parentSpanID
	}
	if len(s.events) > 0 {
		events := make([]map[string]any, len(s.events))
		for i, ev := range s.events {
			events[i] = map[string]any{
				"name":         ev.Name,
				"timeUnixNano": strconv.FormatInt(ev.TimeUnixNano, 10),
				"attributes":   attributesToOTLP(ev.Attributes, ev.attrOrder),
			}
		}
		out["events"] = events
	}
	status := map[string]any{"code": int(s.statusCode)}
	if s.statusMessage != "" {
		status["message"] = s.statusMessage
	}
	out["status"] = status
	return out
}

func attributesToOTLP(attrs map[string]Value, order []string) []map[string]any {
	keys := order
	if len(keys) == 0 && len(attrs) > 0 {
		for k := range attrs {
			keys = append(keys, k)
		}
	}
	out := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		v, ok := attrs[k]
		if !ok {
			continue
		}
		out = append(out, map[string]any{"key": k, "value": v.otlp()})
	}
	return out
}
