// Package logger is the levelled logger shared by every package in the
// module. Output goes through the standard library log package so the host
// app can redirect it with SetOutput.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// Level is a verbosity threshold. Lower values are more verbose.
type Level int32

const (
	// LevelTrace logs every frame and reducer input.
	LevelTrace Level = iota
	// LevelDebug logs absorbed protocol anomalies such as duplicate stops.
	LevelDebug
	// LevelInfo is the default.
	LevelInfo
	// LevelWarn logs dropped frames and recoverable failures.
	LevelWarn
	// LevelError logs protocol violations and unrecoverable failures.
	LevelError
)

var (
	level atomic.Int32
	std   = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
)

func init() {
	level.Store(int32(LevelInfo))
}

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int32(l))
	}
}

// ParseLevel parses a level name. The empty string means info.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", raw)
	}
}

// SetOutput replaces the destination writer.
func SetOutput(w io.Writer) { std.SetOutput(w) }

// SetFlags sets the log package flags used for every line.
func SetFlags(flags int) { std.SetFlags(flags) }

// SetLevel sets the global threshold.
func SetLevel(l Level) { level.Store(int32(l)) }

// GetLevel returns the global threshold.
func GetLevel() Level { return Level(level.Load()) }

// Enabled reports whether l would be written.
func Enabled(l Level) bool { return l >= GetLevel() }

func logf(l Level, format string, args ...any) {
	if !Enabled(l) {
		return
	}
	_ = std.Output(3, "["+strings.ToUpper(l.String())+"] "+fmt.Sprintf(format, args...))
}

// Tracef logs at trace level.
func Tracef(format string, args ...any) { logf(LevelTrace, format, args...) }

// Debugf logs at debug level.
func Debugf(format string, args ...any) { logf(LevelDebug, format, args...) }

// Infof logs at info level.
func Infof(format string, args ...any) { logf(LevelInfo, format, args...) }

// Warnf logs at warn level.
func Warnf(format string, args ...any) { logf(LevelWarn, format, args...) }

// Errorf logs at error level.
func Errorf(format string, args ...any) { logf(LevelError, format, args...) }
