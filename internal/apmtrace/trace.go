package apmtrace

import (
	"math/rand"

	"github.com/seuros/miniapm/internal/ids"
)

// Trace identifies a logical end-to-end operation. It is immutable once
// constructed.
type Trace struct {
	TraceID string
	Sampled bool
}

// NewTrace builds a Trace. If traceID is empty or malformed a fresh one is
// generated. If sampled is nil, the sampling decision is drawn against
// sampleRate (rand() < sampleRate).
func NewTrace(traceID string, sampled *bool, sampleRate float64) Trace {
	if !ids.ValidTraceID(traceID) {
		traceID = ids.NewTraceID()
	}
	s := sampled
	if s == nil {
		decision := rand.Float64() < sampleRate
		s = &decision
	}
	return Trace{TraceID: traceID, Sampled: *s}
}
