// Package ids generates and validates the trace and span identifiers used
// throughout miniapm: 128-bit trace IDs and 64-bit span IDs, both encoded as
// lowercase hex with no separators.
package ids

import (
	"crypto/rand"
	"regexp"
)

var (
	traceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)
	spanIDPattern  = regexp.MustCompile(`^[0-9a-f]{16}$`)

	hexDigits = [16]byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}
)

// NewTraceID returns a fresh, cryptographically random 32-char lowercase hex
// trace ID.
func NewTraceID() string {
	return randomHex(16)
}

// NewSpanID returns a fresh, cryptographically random 16-char lowercase hex
// span ID.
func NewSpanID() string {
	return randomHex(8)
}

// ValidTraceID reports whether s is a syntactically valid trace ID.
func ValidTraceID(s string) bool {
	return traceIDPattern.MatchString(s)
}

// ValidSpanID reports whether s is a syntactically valid span ID.
func ValidSpanID(s string) bool {
	return spanIDPattern.MatchString(s)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on every supported platform only fails if the
		// system entropy source is unavailable; there is no sane fallback.
		panic("miniapm/internal/ids: crypto/rand unavailable: " + err.Error())
	}
	out := make([]byte, n*2)
	for i, b := range buf {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}
