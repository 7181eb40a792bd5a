// Package logging wraps the standard log package with a per-component
// prefix, matching the ad hoc "component: message" prefixing every
// package already used before a shared helper existed.
package logging

import "log"

// Logger prefixes every line with a fixed component name so a log
// aggregator can filter by origin without structured fields.
type Logger struct {
	component string
}

// New returns a Logger that prefixes every line with component.
func New(component string) *Logger {
	return &Logger{component: component}
}

// Printf logs a formatted line prefixed with the component name.
func (l *Logger) Printf(format string, args ...any) {
	log.Printf(l.component+": "+format, args...)
}

// Println logs a line prefixed with the component name.
func (l *Logger) Println(args ...any) {
	log.Println(append([]any{l.component + ":"}, args...)...)
}

// WithCorrelation returns a Printf-style function that appends a
// request/correlation id to every line it logs, for call sites handling
// one request or connection at a time.
func (l *Logger) WithCorrelation(correlationID string) func(format string, args ...any) {
	return func(format string, args ...any) {
		l.Printf(format+" correlation_id=%s", append(args, correlationID)...)
	}
}
