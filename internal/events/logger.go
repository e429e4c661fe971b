// Package events provides the structured leveled logger used across the
// engine. Loggers are immutable; With* methods return derived loggers that
// share the output sink.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tallybridge/tallysync/internal/config"
)

// LogLevel represents logging severity.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger writes structured entries in text or JSON form.
type Logger struct {
	level  LogLevel
	format string
	fields map[string]interface{}

	mu  *sync.Mutex
	out io.Writer
}

// NewLogger builds a logger from config. A non-empty File routes output
// through a size-rotated file instead of stdout.
func NewLogger(cfg *config.LogConfig) (*Logger, error) {
	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
		}
	}

	return &Logger{
		level:  parseLevel(cfg.Level),
		format: cfg.Format,
		fields: map[string]interface{}{},
		mu:     &sync.Mutex{},
		out:    out,
	}, nil
}

// NewTestLogger writes to the given sink without touching global state.
func NewTestLogger(level LogLevel, format string, out io.Writer) *Logger {
	return &Logger{
		level:  level,
		format: format,
		fields: map[string]interface{}{},
		mu:     &sync.Mutex{},
		out:    out,
	}
}

// WithField returns a derived logger carrying one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a derived logger carrying the extra fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{
		level:  l.level,
		format: l.format,
		fields: merged,
		mu:     l.mu,
		out:    l.out,
	}
}

// WithError records the error message under the "error" field.
func (l *Logger) WithError(err error) *Logger {
	return l.WithField("error", err.Error())
}

func (l *Logger) Debug(msg string) { l.log(DebugLevel, msg) }
func (l *Logger) Info(msg string)  { l.log(InfoLevel, msg) }
func (l *Logger) Warn(msg string)  { l.log(WarnLevel, msg) }
func (l *Logger) Error(msg string) { l.log(ErrorLevel, msg) }

func (l *Logger) log(level LogLevel, msg string) {
	if level < l.level {
		return
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	var line []byte
	if l.format == "json" {
		entry := make(map[string]interface{}, len(l.fields)+3)
		for k, v := range l.fields {
			entry[k] = v
		}
		entry["time"] = now
		entry["level"] = levelString(level)
		entry["msg"] = msg

		b, err := json.Marshal(entry)
		if err != nil {
			b = []byte(fmt.Sprintf(`{"time":%q,"level":%q,"msg":%q}`, now, levelString(level), msg))
		}
		line = append(b, '\n')
	} else {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s [%s] %s", now, strings.ToUpper(levelString(level)), msg)

		keys := make([]string, 0, len(l.fields))
		for k := range l.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%v", k, l.fields[k])
		}
		sb.WriteByte('\n')
		line = []byte(sb.String())
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(line)
}

func parseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func levelString(l LogLevel) string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}
