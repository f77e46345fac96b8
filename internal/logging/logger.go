// Package logging provides structured JSON logging with trace ID
// propagation for the Komorebi core.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger is the structured logging interface handed to components
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)

	// Context-aware variants pick up the trace ID from ctx
	DebugContext(ctx context.Context, msg string, fields ...any)
	InfoContext(ctx context.Context, msg string, fields ...any)
	WarnContext(ctx context.Context, msg string, fields ...any)
	ErrorContext(ctx context.Context, msg string, fields ...any)

	WithComponent(component string) Logger
	WithTraceID(traceID string) Logger
}

// Level represents logging severity
type Level int

const (
	// LevelDebug enables all output
	LevelDebug Level = iota
	// LevelInfo is the default severity
	LevelInfo
	// LevelWarn limits output to warnings and errors
	LevelWarn
	// LevelError limits output to errors
	LevelError
)

// ParseLevel converts a config string into a Level
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

type contextKey string

// traceIDKey carries the trace ID through context
const traceIDKey contextKey = "komorebi.trace_id"

// entry is the serialized log record
type entry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// StructuredLogger writes JSON (or plain text) log lines
type StructuredLogger struct {
	level     Level
	component string
	traceID   string
	useJSON   bool
	out       io.Writer
	mu        *sync.Mutex
}

// New creates a logger at the given level. Format is "json" or "text".
func New(level Level, format string) *StructuredLogger {
	return &StructuredLogger{
		level:   level,
		useJSON: format != "text",
		out:     os.Stdout,
		mu:      &sync.Mutex{},
	}
}

// NewWithWriter creates a logger writing to w; used by tests
func NewWithWriter(level Level, format string, w io.Writer) *StructuredLogger {
	l := New(level, format)
	l.out = w
	return l
}

// WithComponent returns a child logger tagged with a component name
func (l *StructuredLogger) WithComponent(component string) Logger {
	child := *l
	child.component = component
	return &child
}

// WithTraceID returns a child logger bound to a trace ID
func (l *StructuredLogger) WithTraceID(traceID string) Logger {
	child := *l
	child.traceID = traceID
	return &child
}

// Debug logs at debug severity
func (l *StructuredLogger) Debug(msg string, fields ...any) { l.log(LevelDebug, "", msg, fields) }

// Info logs at info severity
func (l *StructuredLogger) Info(msg string, fields ...any) { l.log(LevelInfo, "", msg, fields) }

// Warn logs at warn severity
func (l *StructuredLogger) Warn(msg string, fields ...any) { l.log(LevelWarn, "", msg, fields) }

// Error logs at error severity
func (l *StructuredLogger) Error(msg string, fields ...any) { l.log(LevelError, "", msg, fields) }

// DebugContext logs at debug severity with the context trace ID
func (l *StructuredLogger) DebugContext(ctx context.Context, msg string, fields ...any) {
	l.log(LevelDebug, TraceID(ctx), msg, fields)
}

// InfoContext logs at info severity with the context trace ID
func (l *StructuredLogger) InfoContext(ctx context.Context, msg string, fields ...any) {
	l.log(LevelInfo, TraceID(ctx), msg, fields)
}

// WarnContext logs at warn severity with the context trace ID
func (l *StructuredLogger) WarnContext(ctx context.Context, msg string, fields ...any) {
	l.log(LevelWarn, TraceID(ctx), msg, fields)
}

// ErrorContext logs at error severity with the context trace ID
func (l *StructuredLogger) ErrorContext(ctx context.Context, msg string, fields ...any) {
	l.log(LevelError, TraceID(ctx), msg, fields)
}

func (l *StructuredLogger) log(level Level, ctxTraceID, msg string, fields []any) {
	if level < l.level {
		return
	}

	traceID := l.traceID
	if ctxTraceID != "" {
		traceID = ctxTraceID
	}

	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
		Component: l.component,
		TraceID:   traceID,
		Fields:    pairFields(fields),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.useJSON {
		data, err := json.Marshal(e)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to marshal log entry: %v\n", err)
			return
		}
		fmt.Fprintln(l.out, string(data))
		return
	}
	l.writeText(e)
}

func (l *StructuredLogger) writeText(e entry) {
	parts := []string{e.Timestamp, "[" + e.Level + "]"}
	if e.Component != "" {
		parts = append(parts, "component="+e.Component)
	}
	if e.TraceID != "" {
		parts = append(parts, "trace="+shortID(e.TraceID))
	}
	parts = append(parts, e.Message)
	for k, v := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	fmt.Fprintln(l.out, strings.Join(parts, " "))
}

// pairFields folds a variadic key/value list into a map.
func pairFields(fields []any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]any, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		if i+1 < len(fields) {
			m[key] = fields[i+1]
		} else {
			m[key] = "(missing)"
		}
	}
	return m
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// NewTraceID generates a fresh trace identifier
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID stores a trace ID in the context, generating one if empty
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = NewTraceID()
	}
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID returns the trace ID carried by ctx, or ""
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// NewNop returns a logger that discards everything; used by tests
func NewNop() Logger {
	return NewWithWriter(LevelError+1, "json", io.Discard)
}
