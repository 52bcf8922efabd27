package core

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// Logger funnels every entry through a single handler func. Attrs attached
// via With are merged into each entry a derived logger emits, so transports
// can hand out session-scoped loggers that share one sink.
type Logger struct {
	handlerFunc func(level string, msg string, attrs map[string]interface{})
	attrs       map[string]interface{}
}

// NewLogger wraps handler in a Logger with no preset attrs.
func NewLogger(handler func(level string, msg string, attrs map[string]interface{})) *Logger {
	return &Logger{
		handlerFunc: handler,
		attrs:       make(map[string]interface{}),
	}
}

// NewDevelopmentLogger returns a logger that prints human-readable lines to
// stdout. FATAL and PANIC entries go to stderr; FATAL exits the process.
// Attrs print in sorted key order so repeated runs emit identical lines.
func NewDevelopmentLogger() *Logger {
	handler := func(level string, msg string, attrs map[string]interface{}) {
		var b strings.Builder
		b.WriteString(time.Now().Format(time.RFC3339))
		b.WriteString(" [")
		b.WriteString(level)
		b.WriteString("] ")
		b.WriteString(msg)
		if len(attrs) > 0 {
			keys := make([]string, 0, len(attrs))
			for k := range attrs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteString(" |")
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%v", k, attrs[k])
			}
		}
		b.WriteByte('\n')
		switch level {
		case "FATAL":
			fmt.Fprint(os.Stderr, b.String())
			os.Exit(1)
		case "PANIC":
			fmt.Fprint(os.Stderr, b.String())
			panic(msg)
		default:
			fmt.Print(b.String())
		}
	}

	return &Logger{
		handlerFunc: handler,
		attrs:       make(map[string]interface{}),
	}
}

// defaultLogger is what GetLogger hands out until SetLogger replaces it.
var defaultLogger = *NewDevelopmentLogger()

// SetLogger replaces the process-wide logger. Call it during startup, before
// other goroutines log; access is not synchronized.
func SetLogger(logger Logger) { defaultLogger = logger }

// GetLogger returns the process-wide logger.
func GetLogger() *Logger { return &defaultLogger }

// log routes one entry through the handler. Args are interpreted either as
// slog-style key-value pairs (merged into the entry's attrs) or as Sprintf
// arguments for msg.
func (l *Logger) log(level string, msg string, args ...interface{}) {
	if l.handlerFunc == nil {
		return
	}
	if len(args) > 0 {
		if isKeyValuePairs(args) {
			attrs := make(map[string]interface{}, len(l.attrs)+len(args)/2)
			for k, v := range l.attrs {
				attrs[k] = v
			}
			for i := 0; i < len(args)-1; i += 2 {
				key, _ := args[i].(string)
				attrs[key] = args[i+1]
			}
			l.handlerFunc(level, msg, attrs)
			return
		}
		msg = fmt.Sprintf(msg, args...)
	}
	l.handlerFunc(level, msg, l.attrs)
}

// isKeyValuePairs reports whether args look like slog-style key-value pairs:
// even count, with a string in every key position.
func isKeyValuePairs(args []interface{}) bool {
	if len(args)%2 != 0 {
		return false
	}
	for i := 0; i < len(args); i += 2 {
		if _, ok := args[i].(string); !ok {
			return false
		}
	}
	return true
}

func (l *Logger) Debug(msg string, args ...interface{})     { l.log("DEBUG", msg, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.log("DEBUG", format, args...) }
func (l *Logger) Info(msg string, args ...interface{})      { l.log("INFO", msg, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log("INFO", format, args...) }
func (l *Logger) Warn(msg string, args ...interface{})      { l.log("WARN", msg, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log("WARN", format, args...) }
func (l *Logger) Error(msg string, args ...interface{})     { l.log("ERROR", msg, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log("ERROR", format, args...) }
func (l *Logger) Fatal(msg string, args ...interface{})     { l.log("FATAL", msg, args...) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.log("FATAL", format, args...) }
func (l *Logger) Panic(msg string, args ...interface{})     { l.log("PANIC", msg, args...) }
func (l *Logger) Panicf(format string, args ...interface{}) { l.log("PANIC", format, args...) }
func (l *Logger) Trace(msg string, args ...interface{})     { l.log("TRACE", msg, args...) }
func (l *Logger) Tracef(format string, args ...interface{}) { l.log("TRACE", format, args...) }

// With returns a child logger carrying the combined attrs. Keys given here
// overwrite keys already present on l.
func (l *Logger) With(attrs map[string]interface{}) *Logger {
	combined := make(map[string]interface{}, len(l.attrs)+len(attrs))
	for k, v := range l.attrs {
		combined[k] = v
	}
	for k, v := range attrs {
		combined[k] = v
	}
	return &Logger{
		handlerFunc: l.handlerFunc,
		attrs:       combined,
	}
}

// Sync is a no-op; console output is unbuffered.
func (l *Logger) Sync() error { return nil }
