package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spritebot/core"
	"spritebot/protocol"
)

func newTestLogger() *core.Logger {
	return core.NewLogger(func(level, msg string, attrs map[string]interface{}) {})
}

// newUIServer runs an in-process control-plane endpoint. Every envelope the
// agent sends lands on the returned channel; serverFn, when not nil, gets the
// server side of the connection for pushing messages back.
func newUIServer(t *testing.T, serverFn func(conn *websocket.Conn)) (string, <-chan protocol.Envelope) {
	t.Helper()
	envelopes := make(chan protocol.Envelope, 32)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if serverFn != nil {
			go serverFn(conn)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			// Drop instead of blocking: heartbeats keep arriving after the
			// test stopped reading.
			select {
			case envelopes <- env:
			default:
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), envelopes
}

func newConnectedClient(t *testing.T, url string, cfg ClientConfig) *Client {
	t.Helper()
	cfg.ConnectURL = url
	if cfg.AgentID == "" {
		cfg.AgentID = "agent-1"
	}
	cfg.Logger = newTestLogger()
	c := NewClient(cfg)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)
	return c
}

func waitEnvelope(t *testing.T, ch <-chan protocol.Envelope) protocol.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return protocol.Envelope{}
	}
}

// push writes an envelope from the server side. It runs on server goroutines,
// so it must not touch testing.T.
func push(conn *websocket.Conn, msgType protocol.MessageType, payload interface{}) {
	data, err := protocol.Marshal(msgType, payload)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func TestClientConnectRegistersAgent(t *testing.T) {
	url, envelopes := newUIServer(t, nil)
	newConnectedClient(t, url, ClientConfig{
		AgentID:  "agent-7f3a",
		Hostname: "worker-2",
		Version:  "1.4.2",
		Metadata: map[string]string{"region": "eu-west-1"},
	})

	env := waitEnvelope(t, envelopes)
	require.Equal(t, protocol.MsgRegister, env.Type)

	reg, err := protocol.UnmarshalPayload[protocol.RegisterPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "agent-7f3a", reg.AgentID)
	assert.Equal(t, "worker-2", reg.Hostname)
	assert.Equal(t, "1.4.2", reg.Version)
	assert.Equal(t, map[string]string{"region": "eu-west-1"}, reg.Metadata)
	assert.False(t, reg.Timestamp.IsZero())
}

func TestClientConnectReportsDialFailure(t *testing.T) {
	c := NewClient(ClientConfig{
		ConnectURL: "ws://127.0.0.1:1/controlplane",
		AgentID:    "agent-1",
		Logger:     newTestLogger(),
	})
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial")
}

func TestClientSendsSessionTraffic(t *testing.T) {
	url, envelopes := newUIServer(t, nil)
	c := newConnectedClient(t, url, ClientConfig{})

	register := waitEnvelope(t, envelopes)
	require.Equal(t, protocol.MsgRegister, register.Type)

	c.SendLog("sess-1", protocol.LogEntry{
		Timestamp: "2026-08-25T10:12:30Z",
		Level:     "info",
		Message:   "pipeline started",
	})
	c.SendStatus("running", []protocol.SessionInfo{
		{SessionID: "sess-1", RoomName: "standup", StartedAt: "2026-08-25T10:12:29Z", Status: "active"},
	})
	c.SendEvent("sess-1", "tts.speaking_started", json.RawMessage(`{"voice":"ava"}`))
	c.SendLogEnd("sess-1")

	env := waitEnvelope(t, envelopes)
	require.Equal(t, protocol.MsgLog, env.Type)
	logp, err := protocol.UnmarshalPayload[protocol.LogPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", logp.AgentID)
	assert.Equal(t, "sess-1", logp.SessionID)
	assert.Equal(t, "pipeline started", logp.Entry.Message)

	env = waitEnvelope(t, envelopes)
	require.Equal(t, protocol.MsgStatus, env.Type)
	statusp, err := protocol.UnmarshalPayload[protocol.StatusPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "running", statusp.Status)
	require.Len(t, statusp.Sessions, 1)
	assert.Equal(t, "sess-1", statusp.Sessions[0].SessionID)

	env = waitEnvelope(t, envelopes)
	require.Equal(t, protocol.MsgEvent, env.Type)
	eventp, err := protocol.UnmarshalPayload[protocol.EventPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "tts.speaking_started", eventp.EventID)
	assert.JSONEq(t, `{"voice":"ava"}`, string(eventp.Data))

	env = waitEnvelope(t, envelopes)
	require.Equal(t, protocol.MsgLogEnd, env.Type)
	endp, err := protocol.UnmarshalPayload[protocol.LogEndPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", endp.SessionID)
}

func TestClientEmitsHeartbeats(t *testing.T) {
	url, envelopes := newUIServer(t, nil)
	newConnectedClient(t, url, ClientConfig{HeartbeatInterval: 25 * time.Millisecond})

	env := waitEnvelope(t, envelopes)
	require.Equal(t, protocol.MsgRegister, env.Type)

	env = waitEnvelope(t, envelopes)
	require.Equal(t, protocol.MsgHeartbeat, env.Type)
	hb, err := protocol.UnmarshalPayload[protocol.HeartbeatPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", hb.AgentID)
	assert.Equal(t, "idle", hb.Status)
	assert.False(t, hb.Timestamp.IsZero())
}

func TestClientDispatchesConfigUpdate(t *testing.T) {
	url, _ := newUIServer(t, func(conn *websocket.Conn) {
		// Noise first: a malformed frame and an unexpected type must not
		// derail the dispatch loop.
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		push(conn, protocol.MsgAck, protocol.AckPayload{AckedType: protocol.MsgStatus, OK: true})
		push(conn, protocol.MsgConfigUpdate, protocol.ConfigUpdatePayload{
			Settings: json.RawMessage(`{"tts":{"voice":"ava"}}`),
			Keys:     map[string]string{"openai_api_key": "sk-test-1"},
		})
	})

	type update struct {
		settings string
		keys     map[string]string
	}
	updates := make(chan update, 1)

	c := NewClient(ClientConfig{ConnectURL: url, AgentID: "agent-1", Logger: newTestLogger()})
	c.OnConfigUpdate = func(settings json.RawMessage, keys map[string]string) {
		updates <- update{settings: string(settings), keys: keys}
	}
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)

	select {
	case got := <-updates:
		assert.JSONEq(t, `{"tts":{"voice":"ava"}}`, got.settings)
		assert.Equal(t, map[string]string{"openai_api_key": "sk-test-1"}, got.keys)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config update")
	}
}

func TestClientDispatchesRestartPipeline(t *testing.T) {
	url, _ := newUIServer(t, func(conn *websocket.Conn) {
		push(conn, protocol.MsgRestartPipeline, nil)
	})

	restarts := make(chan struct{}, 1)
	c := NewClient(ClientConfig{ConnectURL: url, AgentID: "agent-1", Logger: newTestLogger()})
	c.OnRestartPipeline = func() { restarts <- struct{}{} }
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)

	select {
	case <-restarts:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for restart request")
	}
}

func TestClientShutdownSequence(t *testing.T) {
	url, _ := newUIServer(t, func(conn *websocket.Conn) {
		push(conn, protocol.MsgShutdown, protocol.ShutdownPayload{Reason: "maintenance window"})
	})

	reasons := make(chan string, 1)
	c := NewClient(ClientConfig{ConnectURL: url, AgentID: "agent-1", Logger: newTestLogger()})
	c.OnShutdown = func(reason string) { reasons <- reason }
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)

	select {
	case reason := <-reasons:
		assert.Equal(t, "maintenance window", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shutdown request")
	}

	// The read loop exits after a shutdown, so Wait unblocks.
	waitDone := make(chan struct{})
	go func() { _ = c.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after shutdown")
	}
}

func TestClientShutdownDefaultReason(t *testing.T) {
	url, _ := newUIServer(t, func(conn *websocket.Conn) {
		push(conn, protocol.MsgShutdown, nil)
	})

	reasons := make(chan string, 1)
	c := NewClient(ClientConfig{ConnectURL: url, AgentID: "agent-1", Logger: newTestLogger()})
	c.OnShutdown = func(reason string) { reasons <- reason }
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Close)

	select {
	case reason := <-reasons:
		assert.Equal(t, "shutdown requested by control plane", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shutdown request")
	}
}

func TestClientWaitReturnsWhenConnectionDrops(t *testing.T) {
	url, _ := newUIServer(t, func(conn *websocket.Conn) {
		conn.Close()
	})

	c := newConnectedClient(t, url, ClientConfig{})

	waitDone := make(chan struct{})
	go func() { _ = c.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after the server hung up")
	}
}
