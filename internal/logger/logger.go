// Package logger provides structured logging setup using slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/trace"
)

// Output formats.
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// workerIDKey is the context key for the worker id.
type workerIDKey struct{}

// Level maps a -v count to a level: 0 warns, 1 informs, 2 and more debug.
func Level(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return slog.LevelWarn
	case verbosity == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// New creates a logger writing to w. The auto format writes text to a
// terminal and JSON otherwise.
func New(w io.Writer, verbosity int, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: Level(verbosity)}
	if format == FormatAuto || format == "" {
		format = FormatJSON
		if isTerminal(w) {
			format = FormatText
		}
	}
	if format == FormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// WithWorkerID returns a new context with the given worker id.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerIDKey{}, id)
}

// WorkerIDFromContext extracts the worker id from the context.
func WorkerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(workerIDKey{}).(string); ok {
		return v
	}
	return ""
}

// FromContext returns base with the worker id and the active trace
// attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if id := WorkerIDFromContext(ctx); id != "" {
		base = base.With("worker_id", id)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		base = base.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	return base
}
