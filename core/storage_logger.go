package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// sessionLoggerKey keys the per-session logger in a job context.
type sessionLoggerKey struct{}

// ContextWithSessionLogger returns a context carrying the session logger.
func ContextWithSessionLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, sessionLoggerKey{}, logger)
}

// SessionLoggerFromContext returns the session logger stored in ctx, or nil
// when the transport did not inject one.
func SessionLoggerFromContext(ctx context.Context) *Logger {
	l, _ := ctx.Value(sessionLoggerKey{}).(*Logger)
	return l
}

// LogWriter is the destination side of a session logger. SessionLogWriter
// persists entries to disk; controlplane.WSLogWriter streams them to the UI.
type LogWriter interface {
	Write(level, msg string, attrs map[string]interface{})
	Close()
}

// SessionMetadata is the first line of a session .jsonl file.
type SessionMetadata struct {
	SessionID string `json:"session_id"`
	RoomName  string `json:"room_name,omitempty"`
	StartedAt string `json:"started_at"`
}

// LogEntry is one log line; every line after the metadata line is one of these.
type LogEntry struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// SessionLogWriter appends JSON lines to a per-session file. A sibling
// <sessionID>.active marker exists while the session runs; Close removes it.
type SessionLogWriter struct {
	logDir    string
	sessionID string

	mu   sync.Mutex
	file *os.File
}

// NewSessionLogWriter creates logDir if needed, truncates the session file,
// and writes the metadata line plus the .active marker.
func NewSessionLogWriter(logDir, sessionID, roomName string) (*SessionLogWriter, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("session log: mkdir %q: %w", logDir, err)
	}

	path := filepath.Join(logDir, sessionID+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("session log: create %q: %w", path, err)
	}

	w := &SessionLogWriter{logDir: logDir, sessionID: sessionID, file: f}
	w.appendLine(SessionMetadata{
		SessionID: sessionID,
		RoomName:  roomName,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	})

	if mf, err := os.Create(w.markerPath()); err == nil {
		mf.Close()
	}
	return w, nil
}

func (w *SessionLogWriter) markerPath() string {
	return filepath.Join(w.logDir, w.sessionID+".active")
}

// appendLine marshals v and writes it as one line. Values that fail to
// marshal are dropped.
func (w *SessionLogWriter) appendLine(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Write(append(data, '\n'))
	}
}

// Write appends one entry.
func (w *SessionLogWriter) Write(level, msg string, attrs map[string]interface{}) {
	w.appendLine(LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Attrs:     attrs,
	})
}

// Close closes the file and removes the .active marker. Safe to call twice.
func (w *SessionLogWriter) Close() {
	w.mu.Lock()
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	os.Remove(w.markerPath())
}

// Session log sinks registered for the whole process. Transports build their
// session writers through NewSessionWriter, which tees the disk file with one
// writer from each registered sink. The connected mode registers a sink that
// streams entries to the control plane.
var (
	sessionSinkMu sync.RWMutex
	sessionSinks  []func(sessionID, roomName string) LogWriter
)

// RegisterSessionLogSink adds a factory invoked once per session to obtain an
// extra LogWriter for that session. A factory may return nil to skip a
// session.
func RegisterSessionLogSink(factory func(sessionID, roomName string) LogWriter) {
	sessionSinkMu.Lock()
	defer sessionSinkMu.Unlock()
	sessionSinks = append(sessionSinks, factory)
}

func sessionSinkWriters(sessionID, roomName string) []LogWriter {
	sessionSinkMu.RLock()
	defer sessionSinkMu.RUnlock()
	writers := make([]LogWriter, 0, len(sessionSinks))
	for _, factory := range sessionSinks {
		if w := factory(sessionID, roomName); w != nil {
			writers = append(writers, w)
		}
	}
	return writers
}

// teeLogWriter fans entries out to several writers.
type teeLogWriter struct {
	writers []LogWriter
}

func (t *teeLogWriter) Write(level, msg string, attrs map[string]interface{}) {
	for _, w := range t.writers {
		w.Write(level, msg, attrs)
	}
}

func (t *teeLogWriter) Close() {
	for _, w := range t.writers {
		w.Close()
	}
}

// NewSessionWriter builds the on-disk session writer combined with every
// registered sink. The disk writer stays authoritative; sinks are
// best-effort extras.
func NewSessionWriter(logDir, sessionID, roomName string) (LogWriter, error) {
	disk, err := NewSessionLogWriter(logDir, sessionID, roomName)
	if err != nil {
		return nil, err
	}
	extras := sessionSinkWriters(sessionID, roomName)
	if len(extras) == 0 {
		return disk, nil
	}
	return &teeLogWriter{writers: append([]LogWriter{disk}, extras...)}, nil
}

// NewSessionLogger tees every entry to both the base logger's handler and
// writer. Loggers derived from it via With keep the tee.
func NewSessionLogger(baseLogger *Logger, writer LogWriter) *Logger {
	return NewLogger(func(level string, msg string, attrs map[string]interface{}) {
		if baseLogger.handlerFunc != nil {
			baseLogger.handlerFunc(level, msg, attrs)
		}
		writer.Write(level, msg, attrs)
	})
}
