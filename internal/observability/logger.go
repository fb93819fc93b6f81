package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LogLevel represents log severity
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLogLevel maps a LOG_LEVEL value to a LogLevel, defaulting to info
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

// Logger is a structured logger with trace context support
type Logger struct {
	zlog zerolog.Logger
}

var defaultLogger *Logger
var loggerOnce sync.Once

// NewLogger creates a JSON logger writing to stdout
func NewLogger(serviceName string, minLevel LogLevel) *Logger {
	return newLogger(os.Stdout, serviceName, minLevel)
}

// NewConsoleLogger creates a human-readable logger for the CLI
func NewConsoleLogger(w io.Writer, serviceName string, minLevel LogLevel) *Logger {
	return newLogger(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}, serviceName, minLevel)
}

func newLogger(w io.Writer, serviceName string, minLevel LogLevel) *Logger {
	zlog := zerolog.New(w).
		Level(minLevel.zerolog()).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
	return &Logger{zlog: zlog}
}

// GetLogger returns the default logger instance
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		serviceName := os.Getenv("SERVICE_NAME")
		if serviceName == "" {
			serviceName = "coursesync-server"
		}
		defaultLogger = NewLogger(serviceName, ParseLogLevel(os.Getenv("LOG_LEVEL")))
	})
	return defaultLogger
}

// SetDefault replaces the package-level logger
func SetDefault(l *Logger) {
	loggerOnce.Do(func() {})
	defaultLogger = l
}

// WithField returns a new logger with the field added
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zlog: l.zlog.With().Interface(key, value).Logger()}
}

// WithFields returns a new logger with the fields added
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{zlog: l.zlog.With().Fields(fields).Logger()}
}

// WithError returns a new logger carrying err
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zlog: l.zlog.With().Err(err).Logger()}
}

// WithContext returns a new logger with trace context
func (l *Logger) WithContext(ctx context.Context) *Logger {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return l.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}
	return l
}

// Debug logs at debug level
func (l *Logger) Debug(msg string) {
	l.zlog.Debug().Msg(msg)
}

// Debugf logs at debug level with formatting
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.zlog.Debug().Msg(fmt.Sprintf(format, args...))
}

// Info logs at info level
func (l *Logger) Info(msg string) {
	l.zlog.Info().Msg(msg)
}

// Infof logs at info level with formatting
func (l *Logger) Infof(format string, args ...interface{}) {
	l.zlog.Info().Msg(fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (l *Logger) Warn(msg string) {
	l.zlog.Warn().Msg(msg)
}

// Warnf logs at warn level with formatting
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.zlog.Warn().Msg(fmt.Sprintf(format, args...))
}

// Error logs at error level
func (l *Logger) Error(msg string) {
	l.zlog.Error().Msg(msg)
}

// Errorf logs at error level with formatting
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.zlog.Error().Msg(fmt.Sprintf(format, args...))
}

// Log writes msg at level with alternating key/value pairs
func (l *Logger) Log(level LogLevel, msg string, keysAndValues ...interface{}) {
	ev := l.zlog.WithLevel(level.zerolog())
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		ev = ev.Interface(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1])
	}
	ev.Msg(msg)
}

// WithField returns the default logger with the field added
func WithField(key string, value interface{}) *Logger {
	return GetLogger().WithField(key, value)
}

// CourseID tags spans and metrics with the LMS course id
func CourseID(id string) attribute.KeyValue {
	return attribute.String("course_id", id)
}
