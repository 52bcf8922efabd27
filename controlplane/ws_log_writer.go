package controlplane

import (
	"time"

	"spritebot/core"
	"spritebot/protocol"
)

// WSLogWriter satisfies core.LogWriter by streaming entries over the control
// plane connection. Paired with a SessionLogWriter in a session logger tee,
// it gives the UI a live tail while the disk copy stays authoritative.
type WSLogWriter struct {
	client    *Client
	sessionID string
}

// NewWSLogWriter returns a writer bound to one session's log stream.
func NewWSLogWriter(client *Client, sessionID string) *WSLogWriter {
	return &WSLogWriter{client: client, sessionID: sessionID}
}

// Write forwards one entry. Delivery is best-effort; the client drops
// entries when its send buffer is full.
func (w *WSLogWriter) Write(level, msg string, attrs map[string]interface{}) {
	w.client.SendLog(w.sessionID, protocol.LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Attrs:     attrs,
	})
}

// Close ends the session's stream on the UI side.
func (w *WSLogWriter) Close() {
	w.client.SendLogEnd(w.sessionID)
}

// SessionSink returns a factory for core.RegisterSessionLogSink. Each
// session it serves is reported active when it starts; its log entries
// stream over the connection, and Close reports the session completed and
// ends the log stream.
func (c *Client) SessionSink() func(sessionID, roomName string) core.LogWriter {
	return func(sessionID, roomName string) core.LogWriter {
		info := protocol.SessionInfo{
			SessionID: sessionID,
			RoomName:  roomName,
			StartedAt: time.Now().UTC().Format(time.RFC3339),
			Status:    "active",
		}
		c.SendStatus("running", []protocol.SessionInfo{info})
		return &sessionStream{client: c, log: NewWSLogWriter(c, sessionID), info: info}
	}
}

// sessionStream pairs one session's log stream with its status reports.
type sessionStream struct {
	client *Client
	log    *WSLogWriter
	info   protocol.SessionInfo
}

func (s *sessionStream) Write(level, msg string, attrs map[string]interface{}) {
	s.log.Write(level, msg, attrs)
}

func (s *sessionStream) Close() {
	s.log.Close()
	s.info.Status = "completed"
	s.client.SendStatus("idle", []protocol.SessionInfo{s.info})
}
