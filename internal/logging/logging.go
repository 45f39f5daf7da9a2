// Package logging provides leveled, package-level logging for marketpipe.
//
// Output defaults to stderr in text format. JSON format is available for
// log shippers via SetFormat("json").
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents a log severity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the uppercase name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// ParseLevel parses a level name (case-insensitive). "warning" is accepted
// as an alias for "warn".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q", s)
}

var (
	mu     sync.Mutex
	level  = LevelInfo
	format = "text"
	out    io.Writer = os.Stderr
)

// SetLevel sets the minimum level that will be logged.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// GetLevel returns the current minimum level.
func GetLevel() Level {
	mu.Lock()
	defer mu.Unlock()
	return level
}

// SetFormat sets the output format: "text" or "json".
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()
	if f == "json" || f == "text" {
		format = f
	}
}

// SetOutput redirects log output. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		out = os.Stderr
		return
	}
	out = w
}

func logf(l Level, msg string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	now := time.Now()
	if format == "json" {
		entry := map[string]string{
			"ts":    now.Format(time.RFC3339),
			"level": strings.ToLower(l.String()),
			"msg":   msg,
		}
		b, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(out, "%s [%s] %s\n", now.Format("2006-01-02 15:04:05"), l, msg)
			return
		}
		fmt.Fprintln(out, string(b))
		return
	}
	fmt.Fprintf(out, "%s [%s] %s\n", now.Format("2006-01-02 15:04:05"), l, msg)
}

// Debug logs at debug level.
func Debug(msg string, args ...interface{}) { logf(LevelDebug, msg, args...) }

// Info logs at info level.
func Info(msg string, args ...interface{}) { logf(LevelInfo, msg, args...) }

// Warn logs at warn level.
func Warn(msg string, args ...interface{}) { logf(LevelWarn, msg, args...) }

// Error logs at error level.
func Error(msg string, args ...interface{}) { logf(LevelError, msg, args...) }
