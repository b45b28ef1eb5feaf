package miniapm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seuros/miniapm/ext"
	"github.com/seuros/miniapm/internal/apmtrace"
)

// resetState clears the package singleton between tests; this package's
// tests run in-process against the real singleton (there is deliberately
// only one), so each test must start from a clean slate.
func resetState(t *testing.T) {
	t.Helper()
	mu.Lock()
	c := active
	active = nil
	pendingCfg = defaultConfig()
	mu.Unlock()
	if c != nil {
		c.sender.Stop()
	}
	t.Cleanup(func() {
		mu.Lock()
		c := active
		active = nil
		pendingCfg = defaultConfig()
		mu.Unlock()
		if c != nil {
			c.sender.Stop()
		}
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

// TestSingleSpanExport exercises a single span end-to-end through the
// public façade: configure, run a span, flush, and inspect the POST the
// fake collector observed.
func TestSingleSpanExport(t *testing.T) {
	resetState(t)

	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ingest/v1/traces", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, Start(
		WithEndpoint(srv.URL),
		WithAPIKey("k"),
		WithServiceName("svc"),
		WithEnvironment("test"),
		WithBatchSize(1),
		WithFlushInterval(50*time.Millisecond),
	))

	err := Span(context.Background(), "GET /a", ext.CategoryHTTPServer, map[string]any{
		"http.method":      "GET",
		"http.status_code": 200,
	}, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	waitFor(t, 2*time.Second, func() bool { return Stats().Span.Sent == 1 })

	assert.Equal(t, "Bearer k", gotAuth)
	resourceSpans := gotBody["resourceSpans"].([]any)
	resource := resourceSpans[0].(map[string]any)["resource"].(map[string]any)
	attrs := resource["attributes"].([]any)
	var sawServiceName bool
	for _, a := range attrs {
		m := a.(map[string]any)
		if m["key"] == "service.name" {
			sawServiceName = true
			assert.Equal(t, "svc", m["value"].(map[string]any)["stringValue"])
		}
	}
	assert.True(t, sawServiceName)

	scopeSpans := resourceSpans[0].(map[string]any)["scopeSpans"].([]any)
	span := scopeSpans[0].(map[string]any)["spans"].([]any)[0].(map[string]any)
	assert.Equal(t, float64(ext.KindServer), span["kind"])
	// Span's body returned nil, so the façade calls SetOk (status OK=1) before
	// enqueueing.
	assert.Equal(t, float64(1), span["status"].(map[string]any)["code"])
}

func TestSpanCreatesChildUnderExistingSpan(t *testing.T) {
	resetState(t)
	require.NoError(t, Start(WithEndpoint("http://example.invalid"), WithAPIKey("")))

	var parentID, childID string
	err := Span(context.Background(), "parent", ext.CategoryInternal, nil, func(ctx context.Context) error {
		parentID, _ = CurrentSpanID(ctx)
		return Span(ctx, "child", ext.CategoryInternal, nil, func(ctx context.Context) error {
			childID, _ = CurrentSpanID(ctx)
			return nil
		})
	})
	require.NoError(t, err)
	assert.NotEmpty(t, parentID)
	assert.NotEmpty(t, childID)
	assert.NotEqual(t, parentID, childID)
}

func TestSpanPropagatesBodyError(t *testing.T) {
	resetState(t)
	require.NoError(t, Start(WithEndpoint("http://example.invalid"), WithAPIKey("")))

	sentinel := errors.New("boom")
	err := Span(context.Background(), "op", ext.CategoryInternal, nil, func(ctx context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestSpanRecoversAndRepanicsOnBodyPanic(t *testing.T) {
	resetState(t)
	require.NoError(t, Start(WithEndpoint("http://example.invalid"), WithAPIKey("")))

	assert.Panics(t, func() {
		_ = Span(context.Background(), "op", ext.CategoryInternal, nil, func(ctx context.Context) error {
			panic("kaboom")
		})
	})
}

func TestBeforeSendCanDropSpan(t *testing.T) {
	resetState(t)
	require.NoError(t, Start(
		WithEndpoint("http://example.invalid"),
		WithAPIKey("k"),
		WithBeforeSend(func(*apmtrace.Span) bool { return false }),
	))

	err := Span(context.Background(), "op", ext.CategoryInternal, nil, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), Stats().Span.Enqueued)
}

func TestBeforeSendPanicIsCaughtAndSpanStillEnqueued(t *testing.T) {
	resetState(t)
	require.NoError(t, Start(
		WithEndpoint("http://example.invalid"),
		WithAPIKey("k"),
		WithBeforeSend(func(*apmtrace.Span) bool { panic("bad hook") }),
	))

	err := Span(context.Background(), "op", ext.CategoryInternal, nil, func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return Stats().Span.Enqueued == 1 })
}

func TestRecordErrorSkipsIgnoredExceptions(t *testing.T) {
	resetState(t)
	require.NoError(t, Start(
		WithEndpoint("http://example.invalid"),
		WithAPIKey("k"),
		WithIgnoredExceptions("*errors.errorString"),
	))

	RecordError(context.Background(), errors.New("ignored"), nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(0), Stats().Error.Enqueued)
}

// TestRecordErrorLiftsWellKnownContextFields demonstrates the host-adapter
// convention of minting an http.request_id with uuid.NewString() and
// passing it through RecordError's contextData, and checks that request_id
// and user_id reach the event's own fields while other keys stay in context.
func TestRecordErrorLiftsWellKnownContextFields(t *testing.T) {
	resetState(t)

	bodies := make(chan map[string]any, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ingest/errors", r.URL.Path)
		var body map[string]any
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			select {
			case bodies <- body:
			default:
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, Start(WithEndpoint(srv.URL), WithAPIKey("k")))

	requestID := uuid.NewString()
	RecordError(context.Background(), errors.New("boom"), map[string]any{
		"request_id": requestID,
		"user_id":    42,
		"other":      "kept",
	})

	waitFor(t, time.Second, func() bool { return Stats().Error.Enqueued == 1 })
	Flush()

	var got map[string]any
	select {
	case got = <-bodies:
	case <-time.After(2 * time.Second):
		t.Fatal("no error event reached the collector")
	}
	assert.Equal(t, requestID, got["request_id"])
	assert.Equal(t, "42", got["user_id"])
	assert.Equal(t, map[string]any{"other": "kept"}, got["context"])
}

func TestStartValidatesConfig(t *testing.T) {
	resetState(t)
	err := Start(WithEndpoint(""))
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestStartIsIdempotentAndStopAllowsRestart(t *testing.T) {
	resetState(t)
	require.NoError(t, Start(WithEndpoint("http://example.invalid")))
	require.NoError(t, Start(WithEndpoint("http://ignored.invalid")))
	assert.True(t, Enabled())

	Stop()
	assert.False(t, Enabled())

	require.NoError(t, Start(WithEndpoint("http://example.invalid")))
	assert.True(t, Enabled())
}

func TestDisabledSpanRunsBodyWithoutTracing(t *testing.T) {
	resetState(t)
	require.NoError(t, Start(WithEndpoint("http://example.invalid"), WithEnabled(false)))

	var ran atomic.Bool
	_, ok := CurrentSpanID(context.Background())
	assert.False(t, ok)

	err := Span(context.Background(), "op", ext.CategoryInternal, nil, func(ctx context.Context) error {
		ran.Store(true)
		_, hasSpan := CurrentSpanID(ctx)
		assert.False(t, hasSpan)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())
}

func TestHealthyFalseBeforeStart(t *testing.T) {
	resetState(t)
	assert.False(t, Healthy(context.Background()))
}
