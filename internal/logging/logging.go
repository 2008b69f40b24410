// Package logging builds the service's slog loggers and carries per-request
// log fields (request id, authenticated account) through a context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey struct{}

// fields travel as one value so each With* call copies a small struct
// instead of stacking context layers.
type fields struct {
	logger    *slog.Logger
	requestID string
	accountID string
}

func fieldsFrom(ctx context.Context) fields {
	f, _ := ctx.Value(ctxKey{}).(fields)
	return f
}

func with(ctx context.Context, update func(*fields)) context.Context {
	f := fieldsFrom(ctx)
	update(&f)
	return context.WithValue(ctx, ctxKey{}, f)
}

// ParseLevel maps LOG_LEVEL values to slog levels. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a logger writing to stdout.
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a logger writing to w. format "json" selects the
// JSON handler, anything else text. Debug logging also records the source.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl == slog.LevelDebug}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return with(ctx, func(f *fields) { f.requestID = requestID })
}

func RequestID(ctx context.Context) string {
	return fieldsFrom(ctx).requestID
}

// WithAccountID records the authenticated account for log lines.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return with(ctx, func(f *fields) { f.accountID = accountID })
}

func AccountID(ctx context.Context) string {
	return fieldsFrom(ctx).accountID
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return with(ctx, func(f *fields) { f.logger = logger })
}

// FromContext returns the request's base logger, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if l := fieldsFrom(ctx).logger; l != nil {
		return l
	}
	return slog.Default()
}

// L returns the request's logger with request_id and account_id attached.
func L(ctx context.Context) *slog.Logger {
	f := fieldsFrom(ctx)
	logger := FromContext(ctx)
	var attrs []any
	if f.requestID != "" {
		attrs = append(attrs, "request_id", f.requestID)
	}
	if f.accountID != "" {
		attrs = append(attrs, "account_id", f.accountID)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
