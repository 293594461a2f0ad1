package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

// sink is shared by a logger and every child derived from it.
type sink struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	redactPII bool
}

// Logger provides structured JSON logging with optional PII redaction.
// Loggers returned by With carry their fields into every entry.
type Logger struct {
	sink   *sink
	fields []interface{}
}

var defaultLogger = &Logger{sink: &sink{out: os.Stderr, level: INFO, redactPII: true}}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) {
	defaultLogger.sink.mu.Lock()
	defaultLogger.sink.level = l
	defaultLogger.sink.mu.Unlock()
}

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) {
	defaultLogger.sink.mu.Lock()
	defaultLogger.sink.redactPII = r
	defaultLogger.sink.mu.Unlock()
}

// SetOutput redirects the default logger, mainly for tests.
func SetOutput(w io.Writer) {
	defaultLogger.sink.mu.Lock()
	defaultLogger.sink.out = w
	defaultLogger.sink.mu.Unlock()
}

// With returns a child of the default logger carrying the given fields.
func With(fields ...interface{}) *Logger { return defaultLogger.With(fields...) }

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.log(DEBUG, msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.log(INFO, msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.log(WARN, msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.log(ERROR, msg, fields...) }

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields ...interface{}) *Logger {
	merged := make([]interface{}, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{sink: l.sink, fields: merged}
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.log(DEBUG, msg, fields...) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.log(INFO, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.log(WARN, msg, fields...) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.log(ERROR, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if level < l.sink.level {
		return
	}

	entry := map[string]interface{}{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": levelNames[level],
		"msg":   msg,
	}

	l.addFields(entry, l.fields)
	l.addFields(entry, fields)

	data, _ := json.Marshal(entry)
	fmt.Fprintln(l.sink.out, string(data))
}

// addFields parses key-value pairs; a trailing key without a value is dropped.
func (l *Logger) addFields(entry map[string]interface{}, fields []interface{}) {
	for i := 0; i < len(fields)-1; i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if l.sink.redactPII {
			val = redactPIIValue(key, val)
		}
		entry[key] = val
	}
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "email") || strings.Contains(key, "recipient") {
		return RedactEmail(val)
	}
	// Redact any embedded emails in generic fields
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
