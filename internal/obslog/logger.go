// Package obslog provides the small logging interface the memory manager
// takes as a collaborator, plus a default implementation built on the same
// package-level log.Printf helpers the rest of this codebase uses.
package obslog

import (
	"fmt"
	"log"
	"os"
)

var debugEnabled = os.Getenv("SEMEM_DEBUG") == "true"

// Logger is the interface internal/manager depends on. Callers may inject
// their own implementation; NewDefault wraps the package-level helpers
// below so the manager stays usable without any wiring at all.
type Logger interface {
	Infof(subsystem, format string, args ...any)
	Debugf(subsystem, format string, args ...any)
	Warnf(subsystem, format string, args ...any)
}

// Info logs at info level, always.
func Info(subsystem, format string, args ...any) {
	log.Printf("[%s] %s", subsystem, fmt.Sprintf(format, args...))
}

// Debug logs at debug level, only when SEMEM_DEBUG=true.
func Debug(subsystem, format string, args ...any) {
	if !debugEnabled {
		return
	}
	log.Printf("[%s DEBUG] %s", subsystem, fmt.Sprintf(format, args...))
}

// Warn logs at warn level, always.
func Warn(subsystem, format string, args ...any) {
	log.Printf("[%s WARN] %s", subsystem, fmt.Sprintf(format, args...))
}

// Truncate shortens s to maxLen runes for log lines, appending an ellipsis
// marker when truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "...(truncated)"
}

type defaultLogger struct{}

// NewDefault returns a Logger that forwards to the package-level
// Info/Debug/Warn helpers.
func NewDefault() Logger { return defaultLogger{} }

func (defaultLogger) Infof(subsystem, format string, args ...any)  { Info(subsystem, format, args...) }
func (defaultLogger) Debugf(subsystem, format string, args ...any) { Debug(subsystem, format, args...) }
func (defaultLogger) Warnf(subsystem, format string, args ...any)  { Warn(subsystem, format, args...) }

// Noop is a Logger that discards everything, useful in tests.
type Noop struct{}

func (Noop) Infof(string, string, ...any)  {}
func (Noop) Debugf(string, string, ...any) {}
func (Noop) Warnf(string, string, ...any)  {}
