package controlplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spritebot/protocol"
)

func TestWSLogWriterRoutesEntries(t *testing.T) {
	url, envelopes := newUIServer(t, nil)
	c := newConnectedClient(t, url, ClientConfig{})

	register := waitEnvelope(t, envelopes)
	require.Equal(t, protocol.MsgRegister, register.Type)

	w := NewWSLogWriter(c, "sess-42")
	w.Write("warn", "tts websocket reconnecting", map[string]interface{}{"attempt": 2})
	w.Close()

	env := waitEnvelope(t, envelopes)
	require.Equal(t, protocol.MsgLog, env.Type)
	logp, err := protocol.UnmarshalPayload[protocol.LogPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "sess-42", logp.SessionID)
	assert.Equal(t, "warn", logp.Entry.Level)
	assert.Equal(t, "tts websocket reconnecting", logp.Entry.Message)
	assert.NotEmpty(t, logp.Entry.Timestamp)
	assert.Equal(t, float64(2), logp.Entry.Attrs["attempt"])

	env = waitEnvelope(t, envelopes)
	require.Equal(t, protocol.MsgLogEnd, env.Type)
	endp, err := protocol.UnmarshalPayload[protocol.LogEndPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "sess-42", endp.SessionID)
}

func TestSessionSinkReportsLifecycleAndStreamsLog(t *testing.T) {
	url, envelopes := newUIServer(t, nil)
	c := newConnectedClient(t, url, ClientConfig{})

	register := waitEnvelope(t, envelopes)
	require.Equal(t, protocol.MsgRegister, register.Type)

	w := c.SessionSink()("sess-9", "standup")

	env := waitEnvelope(t, envelopes)
	require.Equal(t, protocol.MsgStatus, env.Type)
	status, err := protocol.UnmarshalPayload[protocol.StatusPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "running", status.Status)
	require.Len(t, status.Sessions, 1)
	assert.Equal(t, "sess-9", status.Sessions[0].SessionID)
	assert.Equal(t, "standup", status.Sessions[0].RoomName)
	assert.Equal(t, "active", status.Sessions[0].Status)
	assert.NotEmpty(t, status.Sessions[0].StartedAt)

	w.Write("info", "runner started", nil)
	env = waitEnvelope(t, envelopes)
	require.Equal(t, protocol.MsgLog, env.Type)
	logp, err := protocol.UnmarshalPayload[protocol.LogPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "sess-9", logp.SessionID)
	assert.Equal(t, "runner started", logp.Entry.Message)

	w.Close()

	env = waitEnvelope(t, envelopes)
	require.Equal(t, protocol.MsgLogEnd, env.Type)

	env = waitEnvelope(t, envelopes)
	require.Equal(t, protocol.MsgStatus, env.Type)
	status, err = protocol.UnmarshalPayload[protocol.StatusPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "idle", status.Status)
	require.Len(t, status.Sessions, 1)
	assert.Equal(t, "completed", status.Sessions[0].Status)
}
