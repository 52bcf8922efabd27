package core

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

const externalEventAddr = ":19304"

// WireEvent is the JSON envelope used on the WebSocket connection.
//
//	{"id": "<event id>", "payload": { /* event-specific fields */ }}
type WireEvent struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// ExternalEventHandler bridges the pipeline with external systems over a
// WebSocket server. Outbound, any IExternalOutputEvent leaving the pipeline
// is wrapped in a WireEvent and fanned out to every client. Inbound, a
// WireEvent whose id has a registered factory becomes an IExternalInputEvent
// injected at the pipeline top.
type ExternalEventHandler struct {
	logger *Logger

	// The server outlives any one session; Initialize re-points these at the
	// current runner each time a session starts.
	stateMu       sync.RWMutex
	outputTopChan chan<- *EventPacket
	ctx           context.Context

	serveOnce sync.Once

	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]struct{}
	clientsMu sync.RWMutex

	inputRegistry map[string]func() IExternalInputEvent
	registryMu    sync.RWMutex
}

func NewExternalEventHandler(logger *Logger) *ExternalEventHandler {
	if logger == nil {
		logger = GetLogger()
	}
	return &ExternalEventHandler{
		logger:        logger,
		clients:       make(map[*websocket.Conn]struct{}),
		inputRegistry: make(map[string]func() IExternalInputEvent),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start runs the WebSocket server until ctx is cancelled. Call it once from
// the process entry point; sessions attach and detach via Initialize.
func (e *ExternalEventHandler) Start(ctx context.Context) {
	e.serveOnce.Do(func() {
		go e.serve(ctx)
	})
}

// Initialize attaches the handler to the current session's pipeline. The
// runner calls this on every Start, so inbound events always target the
// live session.
func (e *ExternalEventHandler) Initialize(
	outputTopChan chan<- *EventPacket,
	ctx context.Context,
) {
	e.stateMu.Lock()
	e.outputTopChan = outputTopChan
	e.ctx = ctx
	e.stateMu.Unlock()
}

// Broadcast serialises an IExternalOutputEvent to every connected client.
// The Runner calls this for each packet it sees exiting the pipeline.
func (e *ExternalEventHandler) Broadcast(packet *EventPacket) {
	ev, ok := packet.Event.(IExternalOutputEvent)
	if !ok {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Errorf("ExternalEventHandler: marshal output event %q: %v", ev.GetId(), err)
		return
	}
	wire, err := json.Marshal(WireEvent{ID: ev.GetId(), Payload: json.RawMessage(payload)})
	if err != nil {
		return
	}

	e.clientsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(e.clients))
	for conn := range e.clients {
		conns = append(conns, conn)
	}
	e.clientsMu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, wire); err != nil {
			e.logger.Errorf("ExternalEventHandler: write to client: %v", err)
		}
	}
}

// RegisterInputEvent maps an event ID to a factory producing its zero value.
// Inbound payloads with that ID are unmarshalled into a fresh instance and
// pushed to the pipeline top.
func (e *ExternalEventHandler) RegisterInputEvent(id string, factory func() IExternalInputEvent) {
	e.registryMu.Lock()
	defer e.registryMu.Unlock()
	e.inputRegistry[id] = factory
}

// SendInput injects an IExternalInputEvent directly into the pipeline top
// without going through the WebSocket layer. Events arriving between
// sessions are dropped.
func (e *ExternalEventHandler) SendInput(event IExternalInputEvent, relayer string) {
	e.stateMu.RLock()
	top := e.outputTopChan
	ctx := e.ctx
	e.stateMu.RUnlock()
	if top == nil {
		e.logger.Infof("ExternalEventHandler: dropping %q, no active session", event.GetId())
		return
	}

	packet := NewEventPacket(event, EventRelayDestinationTopService, relayer)
	select {
	case top <- packet:
	case <-ctx.Done():
	}
}

func (e *ExternalEventHandler) serve(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", e.handleWS)
	server := &http.Server{Addr: externalEventAddr, Handler: mux}

	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	e.logger.Infof("ExternalEventHandler WebSocket server listening on %s", externalEventAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		e.logger.Errorf("ExternalEventHandler WebSocket server: %v", err)
	}
}

func (e *ExternalEventHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Errorf("ExternalEventHandler: upgrade: %v", err)
		return
	}
	defer conn.Close()

	e.clientsMu.Lock()
	e.clients[conn] = struct{}{}
	e.clientsMu.Unlock()
	defer func() {
		e.clientsMu.Lock()
		delete(e.clients, conn)
		e.clientsMu.Unlock()
	}()

	e.logger.Infof("ExternalEventHandler: client connected (%s)", conn.RemoteAddr())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		e.acceptInbound(data)
	}
}

// acceptInbound decodes one client message and, when its ID is known, turns
// it into a pipeline input event.
func (e *ExternalEventHandler) acceptInbound(data []byte) {
	var wire WireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		e.logger.Errorf("ExternalEventHandler: unmarshal wire event: %v", err)
		return
	}

	e.registryMu.RLock()
	factory, ok := e.inputRegistry[wire.ID]
	e.registryMu.RUnlock()
	if !ok {
		e.logger.Errorf("ExternalEventHandler: no factory registered for event id %q", wire.ID)
		return
	}

	ev := factory()
	if err := json.Unmarshal(wire.Payload, ev); err != nil {
		e.logger.Errorf("ExternalEventHandler: unmarshal payload for %q: %v", wire.ID, err)
		return
	}

	e.SendInput(ev, "external-ws")
}
