// Package propagation implements the W3C traceparent codec: extraction
// from an inbound header mapping and injection into an outbound one.
// Shaped after dd-trace-go's TextMapCarrier/NewPropagator idiom, adapted to
// the single traceparent format this library propagates.
package propagation

import (
	"errors"
	"strconv"
	"strings"

	"github.com/seuros/miniapm/internal/ids"
)

// Sentinel errors distinguishing why traceparent extraction failed.
// Extract itself reports only ok/not-ok ("on any failure, return absent");
// ExtractErr exposes the specific reason for callers that want it.
var (
	ErrInvalidCarrier       = errors.New("miniapm: traceparent carrier is nil")
	ErrSpanContextNotFound  = errors.New("miniapm: no traceparent header present")
	ErrInvalidSpanContext   = errors.New("miniapm: traceparent has the wrong field count or an unsupported version")
	ErrSpanContextCorrupted = errors.New("miniapm: traceparent trace-id, span-id or flags are malformed")
)

const (
	// HeaderTraceparent is the lowercase header key written on injection.
	HeaderTraceparent = "traceparent"

	version00 = "00"
)

// candidateHeaderKeys are the conventions different host frameworks use to
// surface the traceparent header to application code.
var candidateHeaderKeys = []string{"traceparent", "Traceparent", "HTTP_TRACEPARENT"}

// Extracted is the result of successfully parsing a traceparent header.
type Extracted struct {
	TraceID      string
	ParentSpanID string
	Sampled      bool
}

// Extract looks up a traceparent header under any of the conventional keys
// and parses it. It reports ok=false on any malformed input rather than
// returning an error.
func Extract(headers map[string]string) (Extracted, bool) {
	extracted, err := ExtractErr(headers)
	return extracted, err == nil
}

// ExtractErr is Extract's richer sibling: it reports which sentinel error
// caused the failure, for callers that want to distinguish "no header
// present" from "header present but corrupted" (e.g. for diagnostics).
func ExtractErr(headers map[string]string) (Extracted, error) {
	if headers == nil {
		return Extracted{}, ErrInvalidCarrier
	}
	raw, ok := lookup(headers)
	if !ok {
		return Extracted{}, ErrSpanContextNotFound
	}
	return parse(raw)
}

func lookup(headers map[string]string) (string, bool) {
	for _, key := range candidateHeaderKeys {
		if v, ok := headers[key]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func parse(raw string) (Extracted, error) {
	fields := strings.Split(raw, "-")
	if len(fields) != 4 {
		return Extracted{}, ErrInvalidSpanContext
	}
	version, traceID, spanID, flagsHex := fields[0], fields[1], fields[2], fields[3]
	if version != version00 {
		return Extracted{}, ErrInvalidSpanContext
	}
	if !ids.ValidTraceID(traceID) {
		return Extracted{}, ErrSpanContextCorrupted
	}
	if !ids.ValidSpanID(spanID) {
		return Extracted{}, ErrSpanContextCorrupted
	}
	flags, err := strconv.ParseUint(flagsHex, 16, 8)
	if err != nil {
		return Extracted{}, ErrSpanContextCorrupted
	}
	return Extracted{
		TraceID:      traceID,
		ParentSpanID: spanID,
		Sampled:      flags&0x01 != 0,
	}, nil
}

// Inject formats "00-{traceID}-{spanID}-{flags}" and writes it under the
// lowercase traceparent key. flags is "01" when sampled, "00" otherwise.
func Inject(headers map[string]string, traceID, spanID string, sampled bool) map[string]string {
	flags := "00"
	if sampled {
		flags = "01"
	}
	headers[HeaderTraceparent] = version00 + "-" + traceID + "-" + spanID + "-" + flags
	return headers
}
