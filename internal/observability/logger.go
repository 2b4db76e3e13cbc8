package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a logger based on environment.
// level overrides the environment default when it names a slog level.
func NewLogger(environment, level string) *slog.Logger {
	return newLogger(os.Stdout, environment, level)
}

func newLogger(w io.Writer, environment, level string) *slog.Logger {
	var handler slog.Handler

	if environment == "production" {
		// Production: JSON with structured fields
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     parseLevel(level, slog.LevelInfo),
			AddSource: true,
		})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: parseLevel(level, slog.LevelDebug),
		})
	}

	return slog.New(handler).With(slog.String("env", environment))
}

func parseLevel(level string, fallback slog.Level) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return fallback
	}
	return l
}
