// Package logging provides the process-wide diagnostic logger.
//
// Every line goes to the console sink (stderr) and, unless the caller opts
// out, is appended to a log file. File sink failures are swallowed so that
// logging never fails the caller.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// Tag prefixes every log line.
	Tag = "MCP"

	timestampLayout = "2006-01-02T15:04:05.000000Z07:00"
)

// Level classifies a log line. Info lines carry no marker.
type Level string

const (
	LevelInfo  Level = ""
	LevelWarn  Level = "WARNING"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

var secretPattern = regexp.MustCompile(`(?i)\b(token|password|api_key)=([^&\s"']+)`)

type openFunc func(path string) (io.Writer, error)

// Logger writes timestamped, tagged lines to a console sink and an optional
// append-only file sink.
type Logger struct {
	mu       sync.Mutex
	console  io.Writer
	file     io.Writer
	filePath string
	open     openFunc
	now      func() time.Time
}

// New creates a logger writing to stderr and appending to logPath. An empty
// logPath disables the file sink.
func New(logPath string) *Logger {
	return newLogger(os.Stderr, logPath, openAppend)
}

// NewWithWriter creates a logger with a custom console sink and the default
// file sink behavior.
func NewWithWriter(console io.Writer, logPath string) *Logger {
	return newLogger(console, logPath, openAppend)
}

func newLogger(console io.Writer, logPath string, open openFunc) *Logger {
	if console == nil {
		console = io.Discard
	}
	l := &Logger{
		console:  console,
		filePath: strings.TrimSpace(logPath),
		open:     open,
		now:      time.Now,
	}
	if l.filePath != "" {
		_ = os.MkdirAll(filepath.Dir(l.filePath), 0o755)
		l.file, _ = l.open(l.filePath)
	}
	return l
}

func openAppend(path string) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// Path returns the file sink location, or "" when the file sink is disabled.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// Log writes msg to the console and, when persist is true, to the file sink.
func (l *Logger) Log(msg string, persist bool) {
	l.write(LevelInfo, msg, nil, persist)
}

func (l *Logger) Info(msg string, fields map[string]any) {
	l.write(LevelInfo, msg, fields, true)
}

func (l *Logger) Warn(msg string, fields map[string]any) {
	l.write(LevelWarn, msg, fields, true)
}

func (l *Logger) Error(msg string, fields map[string]any) {
	l.write(LevelError, msg, fields, true)
}

func (l *Logger) Fatal(msg string, fields map[string]any) {
	l.write(LevelFatal, msg, fields, true)
}

// Printf logs a formatted informational line.
func (l *Logger) Printf(format string, args ...any) {
	l.write(LevelInfo, fmt.Sprintf(format, args...), nil, true)
}

// ConsoleWriter returns a writer that shares the logger's console lock, so raw
// output never interleaves with a log line.
func (l *Logger) ConsoleWriter() io.Writer {
	return lockedWriter{l: l}
}

// Close releases the file sink.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	closer, ok := l.file.(io.Closer)
	l.file = nil
	if !ok {
		return nil
	}
	return closer.Close()
}

func (l *Logger) write(level Level, msg string, fields map[string]any, persist bool) {
	if l == nil {
		return
	}

	timestamp := l.now().Format(timestampLayout)
	suffix := formatFields(fields)

	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
		b.WriteString("[")
		b.WriteString(timestamp)
		b.WriteString("] [")
		b.WriteString(Tag)
		b.WriteString("] ")
		if level != LevelInfo {
			b.WriteString(string(level))
			b.WriteString(": ")
		}
		b.WriteString(line)
		b.WriteString(suffix)
		b.WriteString("\n")
		// Fields and level markers only decorate the first line.
		suffix = ""
		level = LevelInfo
	}
	out := []byte(redact(b.String()))

	l.mu.Lock()
	defer l.mu.Unlock()

	_, _ = l.console.Write(out)
	if !persist || l.filePath == "" {
		return
	}
	if l.file == nil {
		file, err := l.open(l.filePath)
		if err != nil {
			return
		}
		l.file = file
	}
	_, _ = l.file.Write(out)
}

func formatFields(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		value := fmt.Sprint(fields[key])
		if value == "" || strings.ContainsAny(value, " \t\n\"") {
			value = fmt.Sprintf("%q", value)
		}
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(value)
	}
	return b.String()
}

func redact(line string) string {
	return secretPattern.ReplaceAllString(line, "$1=<redacted>")
}

type lockedWriter struct {
	l *Logger
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.l.mu.Lock()
	defer w.l.mu.Unlock()
	return w.l.console.Write(p)
}
