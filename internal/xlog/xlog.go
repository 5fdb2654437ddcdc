// Package xlog wraps the standard logger with the verbosity levels the
// spec talks about (VERBOSE/DEBUG/WARNING) without pulling in a
// leveled-logging dependency the corpus never reaches for.
package xlog

import (
	"io"
	"log"
	"os"
)

// Level mirrors the spec's taxonomy: transient I/O is never logged,
// auth/replay failures log at Debug, protocol violations at Warning.
type Level int

const (
	Verbose Level = iota
	Debug
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Verbose:
		return "VERBOSE"
	case Debug:
		return "DEBUG"
	case Warning:
		return "WARNING"
	default:
		return "ERROR"
	}
}

// Logger gates *log.Logger output by a configured minimum level.
type Logger struct {
	min Level
	std *log.Logger
}

// New builds a Logger writing to w at the given flags, as
// server/main.go and client/main.go configure log.SetOutput/SetFlags.
func New(w io.Writer, min Level, flags int) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{min: min, std: log.New(w, "", flags)}
}

func (l *Logger) SetMinLevel(level Level) { l.min = level }

// ParseLevel maps a config/CLI string onto a Level, defaulting to
// Warning for anything unrecognized so a typo never silences real
// warnings outright.
func ParseLevel(s string) Level {
	switch s {
	case "verbose":
		return Verbose
	case "debug":
		return Debug
	case "error":
		return Error
	default:
		return Warning
	}
}

func (l *Logger) logf(level Level, format string, args ...any) {
	if level < l.min {
		return
	}
	l.std.Printf("["+level.String()+"] "+format, args...)
}

func (l *Logger) Verbosef(format string, args ...any) { l.logf(Verbose, format, args...) }
func (l *Logger) Debugf(format string, args ...any)   { l.logf(Debug, format, args...) }
func (l *Logger) Warningf(format string, args ...any) { l.logf(Warning, format, args...) }
func (l *Logger) Errorf(format string, args ...any)   { l.logf(Error, format, args...) }

// Fatalf always prints regardless of level and terminates the process;
// reserved for startup failures (bind, socket create) per spec §7.
func (l *Logger) Fatalf(format string, args ...any) {
	l.std.Printf("[FATAL] "+format, args...)
	os.Exit(1)
}
