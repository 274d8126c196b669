package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level controls which messages are emitted. Messages below the
// configured level are dropped.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level. Unrecognized values
// fall back to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

var std = &logger{level: INFO, out: os.Stderr}

type logger struct {
	mu    sync.Mutex
	level Level
	out   io.Writer
}

// SetLevel sets the minimum level emitted by the package logger.
func SetLevel(l Level) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = l
}

// SetOutput redirects log output, primarily for tests.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.out = w
}

func (l *logger) log(lv Level, component, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lv < l.level {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s [%s] %s", time.Now().Format("15:04:05"), lv, component, msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	b.WriteByte('\n')
	io.WriteString(l.out, b.String())
}

// DebugC logs a component-tagged message at DEBUG.
func DebugC(component, msg string) { std.log(DEBUG, component, msg, nil) }

// InfoC logs a component-tagged message at INFO.
func InfoC(component, msg string) { std.log(INFO, component, msg, nil) }

// WarnC logs a component-tagged message at WARN.
func WarnC(component, msg string) { std.log(WARN, component, msg, nil) }

// ErrorC logs a component-tagged message at ERROR.
func ErrorC(component, msg string) { std.log(ERROR, component, msg, nil) }

// DebugCF logs at DEBUG with structured fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	std.log(DEBUG, component, msg, fields)
}

// InfoCF logs at INFO with structured fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	std.log(INFO, component, msg, fields)
}

// WarnCF logs at WARN with structured fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	std.log(WARN, component, msg, fields)
}

// ErrorCF logs at ERROR with structured fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	std.log(ERROR, component, msg, fields)
}
