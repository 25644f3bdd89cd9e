// Package logging provides the structured logger used by the attack server
// and CLI, plus a zap core that feeds engine logs into it.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log entry.
type LogLevel string

const (
	// DebugLevel carries per-generation engine progress.
	DebugLevel LogLevel = "DEBUG"
	// InfoLevel is the default.
	InfoLevel LogLevel = "INFO"
	// WarnLevel marks degraded but recoverable situations, such as a run
	// that ended without feasible candidates.
	WarnLevel LogLevel = "WARN"
	// ErrorLevel marks failed runs and requests.
	ErrorLevel LogLevel = "ERROR"
	// FatalLevel logs a message, then calls os.Exit(1).
	FatalLevel LogLevel = "FATAL"
)

var severity = map[LogLevel]int{
	DebugLevel: 0,
	InfoLevel:  1,
	WarnLevel:  2,
	ErrorLevel: 3,
	FatalLevel: 4,
}

// Fields is a set of structured key/value pairs.
type Fields map[string]interface{}

// Logger represents an active logging object. Loggers derived with
// WithFields share the writer and its lock.
type Logger struct {
	level  LogLevel
	format Format
	out    *syncWriter
	fields Fields
	exit   func(int)
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// New creates a JSON Logger with the specified level and output.
func New(level LogLevel, output io.Writer) *Logger {
	return &Logger{
		level:  level,
		format: FormatJSON,
		out:    &syncWriter{w: output},
		fields: Fields{},
		exit:   os.Exit,
	}
}

// Level returns the minimum level written.
func (l *Logger) Level() LogLevel { return l.level }

// WithFields returns a new Logger with the specified fields added.
func (l *Logger) WithFields(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	cp := *l
	cp.fields = merged
	return &cp
}

// WithField returns a new Logger with the specified key-value pair.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(Fields{key: value})
}

// WithError returns a new Logger with the error field set.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) log(level LogLevel, msg string, fields Fields) {
	if !l.shouldLog(level) {
		return
	}

	entry := make(Fields, len(l.fields)+len(fields)+4)
	for k, v := range l.fields {
		entry[k] = v
	}
	for k, v := range fields {
		entry[k] = v
	}
	if _, ok := entry["caller"]; !ok {
		entry["caller"] = caller(3)
	}

	now := time.Now().UTC()
	var line []byte
	if l.format == FormatText {
		line = encodeText(now, level, msg, entry)
	} else {
		line = encodeJSON(now, level, msg, entry)
	}
	_, _ = l.out.Write(line)

	if level == FatalLevel {
		l.exit(1)
	}
}

func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth)
	if !ok {
		return "???:0"
	}
	parts := strings.Split(file, "/")
	if len(parts) > 2 {
		file = strings.Join(parts[len(parts)-2:], "/")
	}
	return fmt.Sprintf("%s:%d", file, line)
}

func encodeJSON(ts time.Time, level LogLevel, msg string, fields Fields) []byte {
	entry := make(Fields, len(fields)+3)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}
	entry["timestamp"] = ts.Format(time.RFC3339Nano)
	entry["level"] = level
	entry["message"] = msg

	data, err := json.Marshal(entry)
	if err != nil {
		return encodeText(ts, level, msg, fields)
	}
	return append(data, '\n')
}

func encodeText(ts time.Time, level LogLevel, msg string, fields Fields) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %-5s %s", ts.Format(time.RFC3339), level, msg)
	for _, k := range keys {
		v := fmt.Sprint(fields[k])
		if strings.ContainsAny(v, " \t\"=") {
			v = fmt.Sprintf("%q", v)
		}
		fmt.Fprintf(&b, " %s=%s", k, v)
	}
	b.WriteByte('\n')
	return b.Bytes()
}

func (l *Logger) shouldLog(level LogLevel) bool {
	want, ok := severity[level]
	if !ok {
		return false
	}
	current, ok := severity[l.level]
	if !ok {
		return false
	}
	return want >= current
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a message at DebugLevel.
func (l *Logger) Debug(msg string, fields ...Fields) { l.log(DebugLevel, msg, first(fields)) }

// Info logs a message at InfoLevel.
func (l *Logger) Info(msg string, fields ...Fields) { l.log(InfoLevel, msg, first(fields)) }

// Warn logs a message at WarnLevel.
func (l *Logger) Warn(msg string, fields ...Fields) { l.log(WarnLevel, msg, first(fields)) }

// Error logs a message at ErrorLevel.
func (l *Logger) Error(msg string, fields ...Fields) { l.log(ErrorLevel, msg, first(fields)) }

// Fatal logs a message at FatalLevel then calls os.Exit(1).
func (l *Logger) Fatal(msg string, fields ...Fields) { l.log(FatalLevel, msg, first(fields)) }

type ctxLoggerKey struct{}

// FromContext returns the request logger stored by Middleware, or a default
// stderr logger.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*Logger); ok {
		return logger
	}
	return New(InfoLevel, os.Stderr)
}

// WithContext returns a copy of ctx carrying l.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, l)
}
