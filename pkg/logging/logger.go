// Package logging provides the structured logger used by every engine
// component. Output goes through log/slog handlers in text or JSON form.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-session-go/pkg/errors"
)

// Level represents the severity of a log message
type Level int

const (
	DebugLevel Level = iota - 1
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of a log level
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a configuration string into a Level. Unknown values
// fall back to InfoLevel.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Format selects the handler used for output
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// String creates a string field
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Int64 creates an int64 field
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// ErrorField creates an error field
func ErrorField(err error) Field {
	return Field{Key: "error", Value: err}
}

// Duration creates a duration field
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Any creates a field with any value
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger is the interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// WithFields returns a new logger with additional fields
	WithFields(fields ...Field) Logger
	// WithContext returns a new logger carrying the request id stored in ctx
	WithContext(ctx context.Context) Logger
	// WithError returns a new logger with the error and, for MCP errors,
	// its code, category and origin
	WithError(err error) Logger

	SetLevel(level Level)
	GetLevel() Level
}

type slogLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

// New creates a logger writing to output in the given format
func New(output io.Writer, format Format) Logger {
	if output == nil {
		output = os.Stderr
	}
	level := new(slog.LevelVar)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == FormatJSON {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	return &slogLogger{logger: slog.New(handler), level: level}
}

// FromSlog wraps an existing slog.Logger. SetLevel has no effect on the
// wrapped handler's own filtering.
func FromSlog(logger *slog.Logger) Logger {
	return &slogLogger{logger: logger, level: new(slog.LevelVar)}
}

// Nop returns a logger that discards everything
func Nop() Logger {
	return nopLogger{}
}

func (l *slogLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *slogLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *slogLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *slogLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

func (l *slogLogger) log(level Level, msg string, fields []Field) {
	sl := level.slogLevel()
	if !l.logger.Enabled(context.Background(), sl) {
		return
	}
	l.logger.LogAttrs(context.Background(), sl, msg, attrs(fields)...)
}

func (l *slogLogger) WithFields(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	args := make([]any, 0, len(fields))
	for _, a := range attrs(fields) {
		args = append(args, a)
	}
	return &slogLogger{logger: l.logger.With(args...), level: l.level}
}

func (l *slogLogger) WithContext(ctx context.Context) Logger {
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		return l.WithFields(String("request_id", requestID))
	}
	return l
}

func (l *slogLogger) WithError(err error) Logger {
	return l.WithFields(errorFields(err)...)
}

func (l *slogLogger) SetLevel(level Level) {
	l.level.Set(level.slogLevel())
}

func (l *slogLogger) GetLevel() Level {
	switch l.level.Level() {
	case slog.LevelDebug:
		return DebugLevel
	case slog.LevelWarn:
		return WarnLevel
	case slog.LevelError:
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func errorFields(err error) []Field {
	if err == nil {
		return nil
	}
	fields := []Field{ErrorField(err)}
	mcpErr, ok := mcperrors.AsMCPError(err)
	if !ok {
		return fields
	}
	fields = append(fields,
		Int("error_code", mcpErr.Code()),
		String("error_category", string(mcpErr.Category())),
	)
	if ctx := mcpErr.Context(); ctx != nil {
		if ctx.RequestID != "" {
			fields = append(fields, String("request_id", ctx.RequestID))
		}
		if ctx.Component != "" {
			fields = append(fields, String("component", ctx.Component))
		}
		if ctx.Operation != "" {
			fields = append(fields, String("operation", ctx.Operation))
		}
	}
	return fields
}

func attrs(fields []Field) []slog.Attr {
	out := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			if v == nil {
				out = append(out, slog.String(f.Key, "<nil>"))
			} else {
				out = append(out, slog.String(f.Key, v.Error()))
			}
		default:
			out = append(out, slog.Any(f.Key, v))
		}
	}
	return out
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...Field)               {}
func (nopLogger) Info(string, ...Field)                {}
func (nopLogger) Warn(string, ...Field)                {}
func (nopLogger) Error(string, ...Field)               {}
func (n nopLogger) WithFields(...Field) Logger         { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }
func (n nopLogger) WithError(error) Logger             { return n }
func (nopLogger) SetLevel(Level)                       {}
func (nopLogger) GetLevel() Level                      { return ErrorLevel }

type contextKey string

const requestIDKey contextKey = "request_id"

// ContextWithRequestID returns a context with a request ID
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from a context
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}
