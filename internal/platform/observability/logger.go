package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures NewLoggerFromConfig.
type LogConfig struct {
	Level  string // debug, info, warn or error
	Format string // json or text
	// File additionally writes to a rotated file when Path is set.
	File LogFileConfig
}

// LogFileConfig configures log file rotation.
type LogFileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger is a slog.Logger that tags records with the active trace and span ids.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger writing to stdout.
func NewLogger(level, format string) *Logger {
	return NewLoggerTo(os.Stdout, level, format)
}

// NewLoggerFromConfig creates a Logger writing to stdout and, when configured, to a
// rotated file. The returned closer closes the file and must be called on shutdown.
func NewLoggerFromConfig(cfg LogConfig) (*Logger, io.Closer, error) {
	if cfg.File.Path == "" {
		return NewLogger(cfg.Level, cfg.Format), nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
		return nil, nil, err
	}
	file := &lumberjack.Logger{
		Filename:   cfg.File.Path,
		MaxSize:    cfg.File.MaxSizeMB,
		MaxBackups: cfg.File.MaxBackups,
		MaxAge:     cfg.File.MaxAgeDays,
		Compress:   cfg.File.Compress,
	}
	return NewLoggerTo(io.MultiWriter(os.Stdout, file), cfg.Level, cfg.Format), file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLoggerTo creates a Logger writing to w.
func NewLoggerTo(w io.Writer, level, format string) *Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: true,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.With(slog.String("component", name))}
}

// WithTrace adds the trace and span ids of the span in ctx, if any.
func (l *Logger) WithTrace(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return l.Logger
	}
	return l.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// parseLogLevel falls back to info for unknown levels.
func parseLogLevel(level string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// LogError logs msg at error level with err under the "error" key.
func (l *Logger) LogError(ctx context.Context, msg string, err error, fields ...any) {
	l.WithTrace(ctx).Error(msg, append(fields, slog.Any("error", err))...)
}

func (l *Logger) LogInfo(ctx context.Context, msg string, fields ...any) {
	l.WithTrace(ctx).Info(msg, fields...)
}

func (l *Logger) LogDebug(ctx context.Context, msg string, fields ...any) {
	l.WithTrace(ctx).Debug(msg, fields...)
}

func (l *Logger) LogWarn(ctx context.Context, msg string, fields ...any) {
	l.WithTrace(ctx).Warn(msg, fields...)
}
