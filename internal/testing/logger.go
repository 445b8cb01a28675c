// Package testing contains helpers shared by the package tests.
package testing

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
)

// RecordingLogger prints like the default logger and remembers warnings and errors,
// so tests can assert on non-fatal diagnostics.
type RecordingLogger struct {
	log.Logger

	warnings []string
	errors   []string
	mu       sync.Mutex
}

// NewRecordingLogger ...
func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{Logger: log.NewLogger()}
}

// Warnf ...
func (l *RecordingLogger) Warnf(format string, v ...interface{}) {
	l.mu.Lock()
	l.warnings = append(l.warnings, fmt.Sprintf(format, v...))
	l.mu.Unlock()
	l.Logger.Warnf(format, v...)
}

// Errorf ...
func (l *RecordingLogger) Errorf(format string, v ...interface{}) {
	l.mu.Lock()
	l.errors = append(l.errors, fmt.Sprintf(format, v...))
	l.mu.Unlock()
	l.Logger.Errorf(format, v...)
}

// Warnings returns the recorded warning messages.
func (l *RecordingLogger) Warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnings...)
}

// Errors returns the recorded error messages.
func (l *RecordingLogger) Errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

// HasWarning reports whether any warning contains substr.
func (l *RecordingLogger) HasWarning(substr string) bool {
	for _, w := range l.Warnings() {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}
