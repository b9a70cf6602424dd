package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	ServiceName string
	Environment string
	Level       string
	// Format is "json" (default) or "text".
	Format string
	// Output defaults to stdout.
	Output io.Writer
}

const redacted = "[redacted]"

// secretKeys never reach a log line, whatever the call site passes.
var secretKeys = map[string]struct{}{
	"authorization":     {},
	"content":           {},
	"encrypted_content": {},
	"encrypted_key":     {},
	"plaintext":         {},
	"private_key":       {},
	"token":             {},
}

// ParseLevel accepts slog level names in any case, with optional offsets
// such as "warn+2". Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, redacted)
	}
	return a
}

func NewLogger(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler).With(
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.Environment),
	)
}
