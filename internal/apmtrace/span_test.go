package apmtrace_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/seuros/miniapm/ext"
	"github.com/seuros/miniapm/internal/apmtrace"
	"github.com/seuros/miniapm/internal/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootHasNoParent(t *testing.T) {
	sampled := true
	span, trace := apmtrace.NewRoot("GET /a", ext.CategoryHTTPServer, nil, &sampled, 1.0)
	assert.True(t, span.IsRoot())
	assert.Equal(t, trace.TraceID, span.TraceID())
	assert.True(t, ids.ValidSpanID(span.SpanID()))
}

func TestCreateChildSharesTraceAndLinksParent(t *testing.T) {
	root := apmtrace.New("root", ext.CategoryInternal, "", "", nil)
	child := root.CreateChild("child", ext.CategoryDB, nil)

	assert.Equal(t, root.TraceID(), child.TraceID())
	assert.Equal(t, root.SpanID(), child.ParentSpanID())
	assert.False(t, child.IsRoot())
}

func TestUnknownCategoryNormalizesToInternal(t *testing.T) {
	span := apmtrace.New("x", ext.Category("bogus"), "", "", nil)
	otlp := span.ToOTLP()
	assert.Equal(t, int(ext.KindInternal), otlp["kind"])
}

func TestMalformedParentIDIsDropped(t *testing.T) {
	span := apmtrace.New("x", ext.CategoryInternal, ids.NewTraceID(), "not-a-span-id", nil)
	assert.True(t, span.IsRoot())
}

func TestMalformedTraceIDGeneratesNew(t *testing.T) {
	span := apmtrace.New("x", ext.CategoryInternal, "bogus", "", nil)
	assert.True(t, ids.ValidTraceID(span.TraceID()))
}

func TestFinishIsIdempotent(t *testing.T) {
	span := apmtrace.New("x", ext.CategoryInternal, "", "", nil)
	span.Finish()
	first := span.ToOTLP()["endTimeUnixNano"]
	span.Finish()
	second := span.ToOTLP()["endTimeUnixNano"]
	assert.Equal(t, first, second)
}

func TestToOTLPUsesStartTimeWhenUnfinished(t *testing.T) {
	span := apmtrace.New("x", ext.CategoryInternal, "", "", nil)
	otlp := span.ToOTLP()
	assert.Equal(t, otlp["startTimeUnixNano"], otlp["endTimeUnixNano"])
}

func TestAttributeCapIsEnforced(t *testing.T) {
	span := apmtrace.New("x", ext.CategoryInternal, "", "", nil)
	for i := 0; i < apmtrace.MaxAttributes+20; i++ {
		span.AddAttribute(fmt.Sprintf("k%d", i), "v")
	}
	attrs := span.ToOTLP()["attributes"].([]map[string]any)
	assert.LessOrEqual(t, len(attrs), apmtrace.MaxAttributes)
}

func TestEventCapIsEnforced(t *testing.T) {
	span := apmtrace.New("x", ext.CategoryInternal, "", "", nil)
	for i := 0; i < apmtrace.MaxEvents+10; i++ {
		span.AddEvent("tick", nil)
	}
	events := span.ToOTLP()["events"].([]map[string]any)
	assert.LessOrEqual(t, len(events), apmtrace.MaxEvents)
}

func TestEventAttributeCapIsEnforced(t *testing.T) {
	span := apmtrace.New("x", ext.CategoryInternal, "", "", nil)
	attrs := make(map[string]any, apmtrace.MaxEventAttributes+10)
	for i := 0; i < apmtrace.MaxEventAttributes+10; i++ {
		attrs[fmt.Sprintf("k%d", i)] = i
	}
	span.AddEvent("big", attrs)
	events := span.ToOTLP()["events"].([]map[string]any)
	require.Len(t, events, 1)
	got := events[0]["attributes"].([]map[string]any)
	assert.LessOrEqual(t, len(got), apmtrace.MaxEventAttributes)
}

func TestStringValueTruncated(t *testing.T) {
	span := apmtrace.New("x", ext.CategoryInternal, "", "", nil)
	span.AddAttribute("big", strings.Repeat("a", apmtrace.MaxStringLen+500))
	attrs := span.ToOTLP()["attributes"].([]map[string]any)
	require.Len(t, attrs, 1)
	v := attrs[0]["value"].(map[string]any)
	assert.Len(t, v["stringValue"].(string), apmtrace.MaxStringLen)
}

func TestArrayValueTruncated(t *testing.T) {
	span := apmtrace.New("x", ext.CategoryInternal, "", "", nil)
	arr := make([]any, apmtrace.MaxArrayLen+10)
	for i := range arr {
		arr[i] = i
	}
	span.AddAttribute("arr", arr)
	attrs := span.ToOTLP()["attributes"].([]map[string]any)
	v := attrs[0]["value"].(map[string]any)
	values := v["arrayValue"].(map[string]any)["values"].([]map[string]any)
	assert.Len(t, values, apmtrace.MaxArrayLen)
}

func TestNameTruncated(t *testing.T) {
	span := apmtrace.New(strings.Repeat("n", apmtrace.MaxNameLen+50), ext.CategoryInternal, "", "", nil)
	assert.Len(t, span.Name(), apmtrace.MaxNameLen)
}

func TestRecordExceptionSetsErrorStatus(t *testing.T) {
	span := apmtrace.New("x", ext.CategoryInternal, "", "", nil)
	span.RecordException("RuntimeError", "boom", []string{"a.go:1", "b.go:2"})
	assert.True(t, span.IsError())
	otlp := span.ToOTLP()
	events := otlp["events"].([]map[string]any)
	require.Len(t, events, 1)
	assert.Equal(t, "exception", events[0]["name"])
}

func TestRecordExceptionTruncatesStacktraceTo30Lines(t *testing.T) {
	span := apmtrace.New("x", ext.CategoryInternal, "", "", nil)
	lines := make([]string, 50)
	for i := range lines {
		lines[i] = fmt.Sprintf("line%d", i)
	}
	span.RecordException("Err", "m", lines)
	events := span.ToOTLP()["events"].([]map[string]any)
	attrs := events[0]["attributes"].([]map[string]any)
	var stacktrace string
	for _, a := range attrs {
		if a["key"] == "exception.stacktrace" {
			stacktrace = a["value"].(map[string]any)["stringValue"].(string)
		}
	}
	assert.Equal(t, 30, len(strings.Split(stacktrace, "\n")))
}

func TestSetOkClearsMessage(t *testing.T) {
	span := apmtrace.New("x", ext.CategoryInternal, "", "", nil)
	span.SetError("bad")
	span.SetOk()
	otlp := span.ToOTLP()
	status := otlp["status"].(map[string]any)
	assert.Equal(t, int(ext.StatusOK), status["code"])
	_, hasMsg := status["message"]
	assert.False(t, hasMsg)
}

func TestSpanIdentifiersAreUniqueAcrossTrace(t *testing.T) {
	root := apmtrace.New("root", ext.CategoryInternal, "", "", nil)
	c1 := root.CreateChild("c1", ext.CategoryInternal, nil)
	c2 := root.CreateChild("c2", ext.CategoryInternal, nil)

	assert.Equal(t, root.TraceID(), c1.TraceID())
	assert.Equal(t, root.TraceID(), c2.TraceID())
	assert.NotEqual(t, c1.SpanID(), c2.SpanID())
	assert.Equal(t, root.SpanID(), c1.ParentSpanID())
	assert.Equal(t, root.SpanID(), c2.ParentSpanID())
}
