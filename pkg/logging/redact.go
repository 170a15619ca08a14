package logging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Patterns that match sensitive values in log output. Each pattern uses a
// capture group to preserve the prefix (e.g., "Bearer ") while replacing only
// the secret value with [REDACTED].
var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(Authorization:\s*)\S+(\s+\S+)?`),
	regexp.MustCompile(`(?i)(Bearer\s+)\S+`),
	regexp.MustCompile(`(?i)((?:password|passwd|secret|api[_-]?key|token|credentials?|auth[_-]?token)\s*[=:]\s*)\S+`),
}

// RedactingHandler is a slog.Handler that redacts sensitive values from all
// log records before forwarding them to an inner handler. Server configs carry
// auth headers and env secrets, both of which end up in connect/call logs.
type RedactingHandler struct {
	inner    slog.Handler
	patterns []*regexp.Regexp
}

// NewRedactingHandler wraps an inner handler with secret redaction.
func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{
		inner:    inner,
		patterns: defaultRedactPatterns,
	}
}

// Enabled delegates to the inner handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle redacts sensitive values in the record before forwarding.
func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = h.redactString(r.Message)

	var redacted []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		redacted = append(redacted, h.redactAttr(a))
		return true
	})

	newRecord := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	newRecord.AddAttrs(redacted...)

	return h.inner.Handle(ctx, newRecord)
}

// WithAttrs returns a new handler with redacted persistent attributes.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &RedactingHandler{
		inner:    h.inner.WithAttrs(redacted),
		patterns: h.patterns,
	}
}

// WithGroup returns a new handler with the given group name.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{
		inner:    h.inner.WithGroup(name),
		patterns: h.patterns,
	}
}

func (h *RedactingHandler) redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactString(a.Value.String()))
	case slog.KindGroup:
		attrs := a.Value.Group()
		redacted := make([]slog.Attr, len(attrs))
		for i, ga := range attrs {
			redacted[i] = h.redactAttr(ga)
		}
		return slog.Group(a.Key, attrsToAny(redacted)...)
	case slog.KindAny:
		return h.redactAnyAttr(a)
	default:
		return a
	}
}

// redactAnyAttr handles KindAny values like []string (command argv), maps
// (env vars and headers), and error types.
func (h *RedactingHandler) redactAnyAttr(a slog.Attr) slog.Attr {
	v := a.Value.Any()
	switch val := v.(type) {
	case []string:
		redacted := make([]string, len(val))
		for i, s := range val {
			redacted[i] = h.redactString(s)
		}
		return slog.Any(a.Key, redacted)
	case map[string]string:
		return slog.Any(a.Key, RedactMap(val))
	case error:
		return slog.String(a.Key, h.redactString(val.Error()))
	case fmt.Stringer:
		return slog.String(a.Key, h.redactString(val.String()))
	default:
		return a
	}
}

func (h *RedactingHandler) redactString(s string) string {
	for _, p := range h.patterns {
		s = p.ReplaceAllString(s, "${1}[REDACTED]")
	}
	return s
}

// RedactString applies the default redaction patterns to a string.
func RedactString(s string) string {
	for _, p := range defaultRedactPatterns {
		s = p.ReplaceAllString(s, "${1}[REDACTED]")
	}
	return s
}

// RedactMap returns a copy of a string map (env vars, HTTP headers) with
// sensitive values replaced by [REDACTED].
func RedactMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	redacted := make(map[string]string, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			redacted[k] = "[REDACTED]"
		} else {
			redacted[k] = RedactString(v)
		}
	}
	return redacted
}

func attrsToAny(attrs []slog.Attr) []any {
	result := make([]any, len(attrs))
	for i, a := range attrs {
		result[i] = a
	}
	return result
}

var sensitiveKeyPattern = regexp.MustCompile(`(?i)(password|passwd|secret|token|key|credential|auth|api[_-]?key)`)

func isSensitiveKey(key string) bool {
	return sensitiveKeyPattern.MatchString(strings.ToLower(key))
}
