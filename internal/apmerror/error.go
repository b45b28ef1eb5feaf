// Package apmerror implements the immutable ErrorEvent record: message
// truncation, backtrace normalization, fingerprinting and parameter
// filtering.
package apmerror

import (
	"fmt"
	"time"
)

const (
	maxMessageLen  = 10000
	maxBacktrace   = 50
	truncateSuffix = "..."
)

// Input captures what a caller submits when reporting an exception.
// RequestID, UserID and Params are read from their own fields only; New
// does not look them up in Context. Context's key/value pairs are carried
// as context, minus any request_id, user_id and params entries.
type Input struct {
	ExceptionClass string
	Message        string
	Backtrace      []string
	RequestID      string
	UserID         any
	Params         map[string]any
	Context        map[string]any
}

// ErrorEvent is an immutable snapshot of a reported exception.
type ErrorEvent struct {
	ExceptionClass string
	Message        string
	Backtrace      []string
	Fingerprint    string
	Timestamp      time.Time
	RequestID      string
	HasRequestID   bool
	UserID         string
	HasUserID      bool
	Params         map[string]any
	HasParams      bool
	Context        map[string]any
}

// New runs the message-truncation, backtrace-normalization and
// fingerprinting pipeline and returns an immutable ErrorEvent.
func New(in Input, filter *ParamFilter) *ErrorEvent {
	message := in.Message
	if r := []rune(message); len(r) > maxMessageLen {
		message = string(r[:maxMessageLen]) + truncateSuffix
	}

	backtrace := in.Backtrace
	if len(backtrace) > maxBacktrace {
		backtrace = backtrace[:maxBacktrace]
	}
	if backtrace == nil {
		backtrace = []string{}
	}

	ev := &ErrorEvent{
		ExceptionClass: in.ExceptionClass,
		Message:        message,
		Backtrace:      backtrace,
		Fingerprint:    fingerprint(in.ExceptionClass, in.Message, backtrace),
		Timestamp:      time.Now().UTC(),
	}

	if in.Params != nil {
		ev.Params = filter.Filter(in.Params)
		ev.HasParams = true
	}
	if in.RequestID != "" {
		ev.RequestID = in.RequestID
		ev.HasRequestID = true
	}
	if in.UserID != nil {
		ev.UserID = fmt.Sprint(in.UserID)
		ev.HasUserID = true
	}

	if len(in.Context) > 0 {
		ctx := make(map[string]any, len(in.Context))
		for k, v := range in.Context {
			switch k {
			case "request_id", "user_id", "params":
				continue
			default:
				ctx[k] = v
			}
		}
		if len(ctx) > 0 {
			ev.Context = ctx
		}
	}

	return ev
}

// ToH serializes the event to a mapping of only its present fields, with
// Timestamp rendered as second-precision ISO-8601 UTC.
func (e *ErrorEvent) ToH() map[string]any {
	out := map[string]any{
		"exception_class": e.ExceptionClass,
		"message":         e.Message,
		"backtrace":       e.Backtrace,
		"fingerprint":     e.Fingerprint,
		"timestamp":       e.Timestamp.Format("2006-01-02T15:04:05Z"),
	}
	if e.HasRequestID {
		out["request_id"] = e.RequestID
	}
	if e.HasUserID {
		out["user_id"] = e.UserID
	}
	if e.HasParams {
		out["params"] = e.Params
	}
	if e.Context != nil {
		out["context"] = e.Context
	}
	return out
}
