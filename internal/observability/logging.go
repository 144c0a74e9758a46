// Package observability provides structured logging and metrics for the
// runtime. Logging is built on log/slog with automatic redaction of
// sensitive values; metrics are Prometheus collectors.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text".
	Format string

	// Output is the writer for log output (defaults to os.Stderr).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool

	// RedactPatterns are additional regex patterns for sensitive data.
	RedactPatterns []string
}

// defaultRedactPatterns cover bot tokens, API keys, and Valkey URLs with
// inline credentials.
var defaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`\b\d{8,10}:[A-Za-z0-9_-]{35}\b`, // telegram bot token
	`(?i)(redis|valkey)s?://[^@\s]+@`,
}

// NewLogger builds a *slog.Logger from config. Invalid levels fall back to
// info; invalid formats fall back to text.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactAttr(compileRedactions(cfg.RedactPatterns)),
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
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

func compileRedactions(extra []string) []*regexp.Regexp {
	patterns := append(append([]string{}, defaultRedactPatterns...), extra...)
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		res = append(res, re)
	}
	return res
}

func redactAttr(res []*regexp.Regexp) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Value.Kind() != slog.KindString {
			return a
		}
		s := a.Value.String()
		for _, re := range res {
			if re.MatchString(s) {
				s = re.ReplaceAllString(s, "[REDACTED]")
			}
		}
		a.Value = slog.StringValue(s)
		return a
	}
}
