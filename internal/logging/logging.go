// Package logging provides the ambient logging used throughout package
// mesh: plain informational lines go through the standard log package,
// while warnings and errors get a colorized prefix via
// github.com/fatih/color so overflow/decode/subscription problems catch
// a human's eye in a terminal even though this is a library, not a CLI.
package logging

import (
	"log"
	"os"

	"github.com/fatih/color"
)

func init() {
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
)

// Logger is a namespaced wrapper around the standard logger. The zero
// value is not usable; construct with New.
type Logger struct {
	prefix string
	std    *log.Logger
}

// New returns a Logger that prefixes every line with "[<name>] ".
func New(name string) *Logger {
	return &Logger{
		prefix: "[" + name + "] ",
		std:    log.New(log.Writer(), "", log.LstdFlags),
	}
}

// Infof logs a plain informational line.
func (l *Logger) Infof(format string, args ...any) {
	l.std.Printf(l.prefix+format, args...)
}

// Warnf logs a warning line in yellow, for conditions the dispatcher can
// recover from on its own (queue overflow, a dropped decode failure).
func (l *Logger) Warnf(format string, args ...any) {
	l.std.Print(l.prefix + yellow.Sprintf("WARN: "+format, args...))
}

// Errorf logs an error line in bold red, for failures the package cannot
// recover from on its own (handler panics, responses or bids that fail
// to encode or publish).
func (l *Logger) Errorf(format string, args ...any) {
	l.std.Print(l.prefix + red.Sprintf("ERROR: "+format, args...))
}
