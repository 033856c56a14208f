// Package telemetry provides the worker's logging and metrics surface.
// Every structured field emitted here passes through the redactor, so a
// log line leaving the enclave can carry operational shape but never a
// credential or business datum.
package telemetry

import (
	"encoding/json"
	"log"
	"sort"
	"strings"

	"github.com/equivault/enclave-worker/internal/redact"
)

// Level controls which records a Logger emits.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a LOG_LEVEL string onto a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Logger is a component logger. Field payloads are filtered before they
// are rendered; free-text messages are the caller's responsibility and
// must not interpolate sensitive values.
type Logger struct {
	out   *log.Logger
	level Level
}

var defaultLevel = LevelInfo

// SetDefaultLevel sets the level applied to loggers created afterwards.
func SetDefaultLevel(l Level) { defaultLevel = l }

// NewLogger creates a logger with a bracketed component prefix,
// e.g. "[VAULT] ".
func NewLogger(prefix string) *Logger {
	return &Logger{
		out:   log.New(log.Writer(), "["+prefix+"] ", log.LstdFlags|log.LUTC),
		level: defaultLevel,
	}
}

func (l *Logger) emit(lvl Level, tag, msg string, fields map[string]interface{}) {
	if lvl < l.level {
		return
	}
	if len(fields) == 0 {
		l.out.Printf("%s %s", tag, msg)
		return
	}
	filtered := redact.Fields(fields)
	keys := make([]string, 0, len(filtered))
	for k := range filtered {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		enc, err := json.Marshal(filtered[k])
		if err != nil {
			b.WriteString(`"?"`)
			continue
		}
		b.Write(enc)
	}
	l.out.Printf("%s %s%s", tag, msg, b.String())
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	l.emit(LevelDebug, "DEBUG", msg, fields)
}

// Info logs at info level.
func (l *Logger) Info(msg string, fields map[string]interface{}) {
	l.emit(LevelInfo, "INFO", msg, fields)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	l.emit(LevelWarn, "WARN", msg, fields)
}

// Error logs at error level. err.Error() is free text and may carry
// venue-supplied strings; structured fields remain filtered.
func (l *Logger) Error(msg string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.emit(LevelError, "ERROR", msg, fields)
}
