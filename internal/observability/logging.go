// Package observability provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the seller automation daemon.
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
	Level string `yaml:"level"`

	// Format is "json" (production) or "text" (development).
	Format string `yaml:"format"`

	// Output is the writer for log output; defaults to os.Stdout.
	Output io.Writer `yaml:"-"`

	// AddSource includes file and line number in log records.
	AddSource bool `yaml:"add_source"`
}

// defaultRedactPatterns cover the credentials this system handles: marketplace
// API keys, OAuth client secrets, and Telegram bot tokens.
var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`),
	regexp.MustCompile(`(?i)(client[_-]?secret|secret|password)[\s:=]+["']?([^\s"']{8,})["']?`),
	regexp.MustCompile(`(?i)bearer\s+([a-zA-Z0-9_\-.]{16,})`),
	// Telegram bot tokens: digits, colon, 35 chars.
	regexp.MustCompile(`\d{8,10}:[a-zA-Z0-9_-]{35}`),
}

// NewLogger creates a structured slog logger with level, format, and secret
// redaction applied to string attribute values.
//
// An empty or invalid level defaults to "info"; an empty format defaults to
// "json".
func NewLogger(config LogConfig) *slog.Logger {
	level := parseLevel(config.Level)

	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   config.AddSource,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func redactAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	a.Value = slog.StringValue(Redact(a.Value.String()))
	return a
}

// Redact masks credential-looking substrings in the given text.
func Redact(text string) string {
	for _, pattern := range defaultRedactPatterns {
		text = pattern.ReplaceAllString(text, "[REDACTED]")
	}
	return text
}
