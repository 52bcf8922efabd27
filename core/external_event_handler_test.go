package core

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
)

// speakingChangedEvent is opted into external broadcast.
type speakingChangedEvent struct {
	ExternalOutputMarker
	Talking bool `json:"talking"`
}

func (e *speakingChangedEvent) GetId() string { return "avatar.speaking_changed" }

// internalOnlyEvent carries no marker, so it must never leave the process.
type internalOnlyEvent struct{}

func (e *internalOnlyEvent) GetId() string { return "avatar.internal" }

// sayEvent can be injected from outside.
type sayEvent struct {
	ExternalInputMarker
	Text string `json:"text"`
}

func (e *sayEvent) GetId() string { return "avatar.say" }

// dialExternal spins up the handler's WebSocket endpoint on an ephemeral
// port and connects one client, waiting until the handler has registered it.
func dialExternal(t *testing.T, handler *ExternalEventHandler) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(handler.handleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		handler.clientsMu.RLock()
		defer handler.clientsMu.RUnlock()
		return len(handler.clients) == 1
	}, 2*time.Second, 5*time.Millisecond, "client never registered")

	return conn
}

func readWire(t *testing.T, conn *websocket.Conn) WireEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var wire WireEvent
	require.NoError(t, json.Unmarshal(data, &wire))
	return wire
}

func TestExternalEventHandlerBroadcastsMarkedEvents(t *testing.T) {
	handler := NewExternalEventHandler(newTestLogger())
	conn := dialExternal(t, handler)

	// Unmarked events never reach the wire, so the first message the client
	// sees must be the marked one sent afterwards.
	handler.Broadcast(NewEventPacket(&internalOnlyEvent{}, EventRelayDestinationNextService, "runner"))
	handler.Broadcast(NewEventPacket(&speakingChangedEvent{Talking: true}, EventRelayDestinationNextService, "runner"))

	wire := readWire(t, conn)
	assert.Equal(t, "avatar.speaking_changed", wire.ID)

	var payload speakingChangedEvent
	require.NoError(t, json.Unmarshal(wire.Payload, &payload))
	assert.True(t, payload.Talking)
}

func TestExternalEventHandlerInjectsRegisteredInputs(t *testing.T) {
	handler := NewExternalEventHandler(newTestLogger())
	handler.RegisterInputEvent("avatar.say", func() IExternalInputEvent { return &sayEvent{} })

	top := make(chan *EventPacket, 1)
	handler.Initialize(top, context.Background())

	conn := dialExternal(t, handler)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"id": "avatar.say", "payload": {"text": "hello there"}}`)))

	select {
	case packet := <-top:
		require.Equal(t, EventRelayDestinationTopService, packet.Destination)
		require.Equal(t, "external-ws", packet.Relayer)
		say, ok := packet.Event.(*sayEvent)
		require.True(t, ok)
		assert.Equal(t, "hello there", say.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("injected event never reached the pipeline top")
	}
}

func TestExternalEventHandlerDropsUnknownInputIDs(t *testing.T) {
	handler := NewExternalEventHandler(newTestLogger())
	top := make(chan *EventPacket, 1)
	handler.Initialize(top, context.Background())

	conn := dialExternal(t, handler)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"id": "avatar.unknown", "payload": {}}`)))

	select {
	case packet := <-top:
		t.Fatalf("unexpected packet %q from unregistered id", packet.Event.GetId())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunnerMirrorsExternalOutputEvents(t *testing.T) {
	handler := NewExternalEventHandler(newTestLogger())
	conn := dialExternal(t, handler)

	h := &recordingHandler{}
	r := NewRunner([]IHandler{h}, newTestLogger())
	r.SetExternalEventHandler(handler)
	require.NoError(t, r.Start())
	defer r.Stop()

	r.topChan <- NewEventPacket(&speakingChangedEvent{Talking: true}, EventRelayDestinationTopService, "test")

	wire := readWire(t, conn)
	assert.Equal(t, "avatar.speaking_changed", wire.ID)
}

func TestExternalEventHandlerDropsInputsBetweenSessions(t *testing.T) {
	handler := NewExternalEventHandler(newTestLogger())

	// No session attached yet: SendInput must not block or panic.
	handler.SendInput(&sayEvent{Text: "early"}, "external-ws")

	top := make(chan *EventPacket, 1)
	handler.Initialize(top, context.Background())
	handler.SendInput(&sayEvent{Text: "late"}, "external-ws")

	select {
	case packet := <-top:
		say := packet.Event.(*sayEvent)
		assert.Equal(t, "late", say.Text)
	case <-time.After(time.Second):
		t.Fatal("event sent after attach never arrived")
	}
}
