package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/raterudder/solarsync/pkg/redact"
)

var (
	defaultLogLevel slog.LevelVar
	defaultLogger   = slog.New(NewHandler(os.Stdout, &defaultLogLevel))
)

func init() {
	defaultLogLevel.Set(slog.LevelInfo)
}

type contextKey struct{}

var loggerKey = contextKey{}

// NewHandler returns the JSON handler used by the service. String attributes
// whose key looks sensitive are masked before they are written.
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: maskAttr,
	})
}

func maskAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString && redact.Logging.Sensitive(a.Key) {
		return slog.String(a.Key, redact.Mask(a.Value.String()))
	}
	return a
}

// Ctx returns the logger from the context. If no logger is found, it returns the default logger.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// With returns a new context with the given logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Default returns the process-wide logger.
func Default() *slog.Logger {
	return defaultLogger
}

func SetDefaultLogLevel(level slog.Level) {
	defaultLogLevel.Set(level)
}
