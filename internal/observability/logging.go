package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
)

// LogConfig configures logger construction.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	Format string

	// Output is the writer for log output (defaults to os.Stderr)
	Output io.Writer
}

// defaultRedactPatterns cover common secret shapes so bot tokens and API
// keys never reach the log stream, whatever attribute they arrive in.
var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`\b\d{6,}:[A-Za-z0-9_-]{30,}\b`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]+`),
}

// NewLogger builds a structured logger with secret redaction applied to
// every string attribute.
func NewLogger(cfg LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(&redactHandler{inner: handler})
}

// redactHandler rewrites string attribute values through the redaction
// patterns before delegating to the wrapped handler.
type redactHandler struct {
	inner slog.Handler
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, redact(record.Message), record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(redactAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		clean[i] = redactAttr(attr)
	}
	return &redactHandler{inner: h.inner.WithAttrs(clean)}
}

func (h *redactHandler) WithGroup(name string) slog.Handler {
	return &redactHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindString {
		attr.Value = slog.StringValue(redact(attr.Value.String()))
	}
	return attr
}

func redact(s string) string {
	for _, pattern := range defaultRedactPatterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
