package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Logger writes log lines to a file or an arbitrary writer
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	closer  io.Closer
	verbose bool
}

// Global logger instance (accessed atomically for thread-safety)
var globalLogger atomic.Pointer[Logger]

// Init initializes the global logger with the specified file path.
// If path is empty, logging is disabled. Debug lines are written only when verbose is set.
func Init(path string, verbose bool) error {
	if path == "" {
		return nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	globalLogger.Store(&Logger{out: file, closer: file, verbose: verbose})
	Info("=== authgate log started ===")

	return nil
}

// InitWriter routes the global logger to w, e.g. stderr for --verbose or a buffer in tests.
func InitWriter(w io.Writer, verbose bool) {
	if w == nil {
		globalLogger.Store(nil)
		return
	}
	globalLogger.Store(&Logger{out: w, verbose: verbose})
}

// Close closes the global logger, ensuring all pending writes complete first.
func Close() {
	logger := globalLogger.Swap(nil)
	if logger == nil {
		return
	}
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if logger.closer != nil {
		logger.closer.Close()
	}
	logger.out = nil // Prevent writes after close
}

// Info logs an info message
func Info(format string, args ...any) {
	if logger := globalLogger.Load(); logger != nil {
		logger.log("INFO", format, args...)
	}
}

// Error logs an error message
func Error(format string, args ...any) {
	if logger := globalLogger.Load(); logger != nil {
		logger.log("ERROR", format, args...)
	}
}

// Warn logs a warning message
func Warn(format string, args ...any) {
	if logger := globalLogger.Load(); logger != nil {
		logger.log("WARN", format, args...)
	}
}

// Debug logs a debug message
func Debug(format string, args ...any) {
	if logger := globalLogger.Load(); logger != nil && logger.verbose {
		logger.log("DEBUG", format, args...)
	}
}

func (l *Logger) log(level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out == nil {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(l.out, "[%s] %s: %s\n", timestamp, level, fmt.Sprintf(format, args...))
}

// IsEnabled returns true if logging is enabled
func IsEnabled() bool {
	return globalLogger.Load() != nil
}
