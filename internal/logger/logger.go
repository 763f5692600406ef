package logger

import (
	"sync"
)

// Log levels used across the application.
const (
	DebugLevel = "debug"
	InfoLevel  = "info"
	WarnLevel  = "warn"
	ErrorLevel = "error"
)

var (
	// globalLogger holds the singleton logger instance.
	globalLogger *Logger
	once         sync.Once
)

// Get returns a singleton logger configured with the provided level.
// The first call initializes the logger; subsequent calls ignore the level
// and return the already initialized instance.
func Get(level string) *Logger {
	once.Do(func() {
		globalLogger = newZapLogger(level, "")
	})
	return globalLogger
}

// GetWithFile behaves like Get but additionally mirrors entries to the given
// file (the daemon keeps a log next to its configuration). An empty path or
// an unwritable file degrades to console-only logging.
func GetWithFile(level, path string) *Logger {
	once.Do(func() {
		globalLogger = newZapLogger(level, path)
	})
	return globalLogger
}
