// Package logging provides the shared slog handler for the server.
//
// Redaction happens here, at the sink boundary, rather than at call sites:
// components log values under their natural keys and the handler masks
// credentials and non-loopback hostnames before they reach the output.
package logging

import (
	"context"
	"log/slog"
	"net/url"
	"os"
)

// redactedValue replaces sensitive attribute values.
const redactedValue = "[redacted]"

// sensitiveKeys are attribute keys whose values are always masked.
var sensitiveKeys = map[string]bool{
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"authorization": true,
	"bearer":        true,
	"poll_token":    true,
	"code":          true,
	"code_verifier": true,
	"signing_key":   true,
	"secret":        true,
	"client_secret": true,
}

// hostKeys are attribute keys treated as URLs or hostnames; non-loopback
// hosts in their values are masked.
var hostKeys = map[string]bool{
	"url":          true,
	"redirect_uri": true,
	"issuer":       true,
	"base_url":     true,
	"host":         true,
}

// RedactingHandler wraps a slog.Handler and masks sensitive attributes.
type RedactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler wraps inner with redaction.
func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

// NewLogger returns a text logger on stderr at the given level with redaction.
func NewLogger(level slog.Level) *slog.Logger {
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(NewRedactingHandler(inner))
}

// ParseLevel maps a configuration level name to a slog.Level. Unknown names
// fall back to Info.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Enabled reports whether the inner handler handles records at the given level.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle masks sensitive attributes and forwards the record.
func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

// WithAttrs returns a handler whose inner handler carries the redacted attrs.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		clean = append(clean, redactAttr(a))
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(clean)}
}

// WithGroup returns a handler with the group applied to the inner handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

// redactAttr masks the attribute value when its key is sensitive.
func redactAttr(a slog.Attr) slog.Attr {
	if sensitiveKeys[a.Key] {
		return slog.String(a.Key, redactedValue)
	}
	if hostKeys[a.Key] {
		return slog.String(a.Key, redactHost(a.Value.String()))
	}
	return a
}

// redactHost masks the host portion of a URL or hostname unless it is a
// loopback address. Values that do not parse are returned unchanged.
func redactHost(value string) string {
	u, err := url.Parse(value)
	if err != nil || u.Host == "" {
		if isLoopbackHost(value) || value == "" {
			return value
		}
		return redactedValue
	}
	if isLoopbackHost(u.Hostname()) {
		return value
	}
	u.Host = redactedValue
	return u.String()
}

// isLoopbackHost reports whether host is a loopback address.
func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1" || host == "[::1]"
}
