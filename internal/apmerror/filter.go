package apmerror

import (
	"regexp"
	"strings"
	"sync"
)

// DefaultSensitiveKeys lists the parameter names filtered out-of-the-box.
var DefaultSensitiveKeys = []string{
	"password",
	"password_confirmation",
	"token",
	"secret",
	"api_key",
	"access_token",
}

const maxFilterDepth = 10
const maxSequenceLen = 100

// ParamFilter deep-filters mapping/sequence structures against a list of
// sensitive key patterns, each matched either as a regular expression or as
// a case-insensitive substring of the key.
type ParamFilter struct {
	patterns []string

	mu     sync.Mutex
	cached map[string]*regexp.Regexp
}

// NewParamFilter builds a filter from the default sensitive keys plus any
// additional patterns supplied (typically the host's filter_parameters
// configuration).
func NewParamFilter(extra ...string) *ParamFilter {
	patterns := make([]string, 0, len(DefaultSensitiveKeys)+len(extra))
	patterns = append(patterns, DefaultSensitiveKeys...)
	patterns = append(patterns, extra...)
	return &ParamFilter{patterns: patterns, cached: make(map[string]*regexp.Regexp)}
}

// Filter applies the filter to a top-level parameter mapping.
func (f *ParamFilter) Filter(params map[string]any) map[string]any {
	return f.filterMap(params, 1)
}

func (f *ParamFilter) filterMap(m map[string]any, depth int) map[string]any {
	if depth > maxFilterDepth {
		return map[string]any{"__truncated__": "max depth exceeded"}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if f.matches(k) {
			out[k] = "[FILTERED]"
			continue
		}
		out[k] = f.filterValue(v, depth+1)
	}
	return out
}

func (f *ParamFilter) filterValue(v any, depth int) any {
	switch t := v.(type) {
	case map[string]any:
		return f.filterMap(t, depth)
	case []any:
		seq := t
		if len(seq) > maxSequenceLen {
			seq = seq[:maxSequenceLen]
		}
		out := make([]any, len(seq))
		for i, e := range seq {
			if m, ok := e.(map[string]any); ok {
				out[i] = f.filterMap(m, depth+1)
			} else {
				out[i] = e
			}
		}
		return out
	default:
		return v
	}
}

func (f *ParamFilter) matches(key string) bool {
	for _, p := range f.patterns {
		if re := f.regex(p); re != nil && re.MatchString(key) {
			return true
		}
		if strings.Contains(strings.ToLower(key), strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (f *ParamFilter) regex(pattern string) *regexp.Regexp {
	f.mu.Lock()
	defer f.mu.Unlock()
	if re, ok := f.cached[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		f.cached[pattern] = nil
		return nil
	}
	f.cached[pattern] = re
	return re
}
