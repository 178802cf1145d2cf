// Package logging provides the leveled console logger shared across the relay.
package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ANSI color codes
const (
	colorReset   = "\033[0m"
	colorBright  = "\033[1m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorGray    = "\033[90m"
)

// Level represents the log level
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelSuccess Level = "SUCCESS"
	LevelWarn    Level = "WARN"
	LevelError   Level = "ERROR"
	LevelDebug   Level = "DEBUG"
)

// Logger writes leveled, colorized log lines. A single instance is created in
// main and handed to every component; there is no package-level singleton.
type Logger struct {
	mu    sync.RWMutex
	out   io.Writer
	debug bool
	color bool
}

// New creates a Logger writing to stdout. Colors are suppressed when the
// NO_COLOR environment variable is set.
func New() *Logger {
	return &Logger{
		out:   os.Stdout,
		color: os.Getenv("NO_COLOR") == "",
	}
}

// NewWithWriter creates a Logger writing to the given writer, without colors.
// Intended for tests.
func NewWithWriter(w io.Writer) *Logger {
	return &Logger{out: w}
}

// SetDebug enables or disables debug output.
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = enabled
}

// DebugEnabled returns whether debug output is enabled.
func (l *Logger) DebugEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.debug
}

func (l *Logger) paint(color, s string) string {
	if !l.color {
		return s
	}
	return color + s + colorReset
}

func (l *Logger) print(level Level, color string, format string, args ...interface{}) {
	timestamp := l.paint(colorGray, "["+time.Now().UTC().Format(time.RFC3339)+"]")
	levelTag := l.paint(color, "["+string(level)+"]")
	message := fmt.Sprintf(format, args...)

	l.mu.Lock()
	fmt.Fprintf(l.out, "%s %s %s\n", timestamp, levelTag, message)
	l.mu.Unlock()
}

// Info logs a standard info message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.print(LevelInfo, colorBlue, format, args...)
}

// Success logs a success message.
func (l *Logger) Success(format string, args ...interface{}) {
	l.print(LevelSuccess, colorGreen, format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.print(LevelWarn, colorYellow, format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.print(LevelError, colorRed, format, args...)
}

// Debug logs a debug message when debug mode is enabled.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.DebugEnabled() {
		l.print(LevelDebug, colorMagenta, format, args...)
	}
}

// Header prints a section header to the underlying writer.
func (l *Logger) Header(title string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.color {
		fmt.Fprintf(l.out, "\n%s%s=== %s ===%s\n\n", colorBright, colorCyan, title, colorReset)
	} else {
		fmt.Fprintf(l.out, "\n=== %s ===\n\n", title)
	}
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() *Logger {
	return &Logger{out: io.Discard}
}
