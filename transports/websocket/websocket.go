// Package websocket is a bare relay transport for local development and the
// demo web client. Binary frames carry PCM16 microphone audio in and
// synthesized audio out; everything else travels as small JSON messages. The
// client keeps its own copy of the avatar sprites, so only talking/quiet
// state changes cross the wire, never frames.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"spritebot/core"
	"spritebot/events/animation"
	"spritebot/events/llm"
	"spritebot/events/stt"
	transportevents "spritebot/events/transport"
	"spritebot/events/tts"
	transporthandler "spritebot/handlers/transport"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Config holds configuration for the WebSocket relay transport.
type Config struct {
	Port            int    `json:"port,omitempty"`
	Path            string `json:"path,omitempty"`
	ReadBufferSize  int    `json:"read_buffer_size,omitempty"`
	WriteBufferSize int    `json:"write_buffer_size,omitempty"`
	MaxMessageSize  int64  `json:"max_message_size,omitempty"`

	// Format of inbound binary frames.
	InSampleRate int `json:"in_sample_rate,omitempty"`
	InChannels   int `json:"in_channels,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            8091,
		Path:            "/ws",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		MaxMessageSize:  1 << 20,
		InSampleRate:    16000,
		InChannels:      1,
	}
}

// relayMessage is the JSON envelope for everything that is not raw audio.
// Outbound audio is announced by a header message and followed by one binary
// frame holding the samples.
type relayMessage struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Size       int    `json:"size,omitempty"`
}

// WebSocketService implements transport.ITransportService over a single
// relay connection.
type WebSocketService struct {
	conn   *websocket.Conn
	config *Config
	logger *core.Logger

	mu        sync.RWMutex
	writeMu   sync.Mutex // serializes writes; held across header+binary pairs
	connected bool
	closeOnce sync.Once

	participantChan chan core.IEvent
	participantID   string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWebSocketService wraps an accepted relay connection.
func NewWebSocketService(conn *websocket.Conn, config *Config, logger *core.Logger) *WebSocketService {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &WebSocketService{
		conn:            conn,
		config:          config,
		logger:          logger.With(map[string]interface{}{"component": "websocket-service"}),
		connected:       true,
		participantChan: make(chan core.IEvent, 2),
		participantID:   uuid.New().String()[:8],
	}
}

// Initialize implements core.IService.
func (s *WebSocketService) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	return nil
}

// Connect implements transport.ITransportService.
func (s *WebSocketService) Connect() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return fmt.Errorf("websocket transport has no connection")
	}
	return nil
}

// ParticipantEvents implements transport.IParticipantEventSource. The relay
// has exactly one participant: the connected client. A join is synthesized
// when receiving starts and a leave when the connection ends, so the demo
// client needs no presence protocol of its own.
func (s *WebSocketService) ParticipantEvents() <-chan core.IEvent {
	return s.participantChan
}

// StartReceiving implements transport.ITransportService.
func (s *WebSocketService) StartReceiving(outputChan chan<- core.MediaChunk, errorChan chan<- error) {
	defer s.Close()

	s.sendParticipantEvent(&transportevents.ParticipantJoinedEvent{ParticipantID: s.participantID, Name: "web-client"})
	defer s.sendParticipantEvent(&transportevents.ParticipantLeftEvent{ParticipantID: s.participantID})

	for {
		if s.ctx != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
		}

		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure,
			) {
				errorChan <- fmt.Errorf("websocket relay error: %w", err)
			}
			s.logger.With(map[string]interface{}{"error": err}).Info("websocket read ended")
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.relayAudio(payload, outputChan)
		case websocket.TextMessage:
			s.relayText(payload, outputChan)
		}
	}
}

// relayAudio treats a binary frame as one chunk of PCM16 microphone audio in
// the configured inbound format.
func (s *WebSocketService) relayAudio(payload []byte, outputChan chan<- core.MediaChunk) {
	if len(payload) == 0 {
		return
	}
	data := make([]byte, len(payload))
	copy(data, payload)

	chunk := core.MediaChunk{
		Audio: core.AudioChunk{
			Data:       &data,
			SampleRate: s.config.InSampleRate,
			Channels:   s.config.InChannels,
			Format:     core.PCM,
			Timestamp:  time.Now(),
		},
	}

	select {
	case outputChan <- chunk:
	default:
		s.logger.Debug("output channel full, dropping audio chunk")
	}
}

func (s *WebSocketService) relayText(payload []byte, outputChan chan<- core.MediaChunk) {
	var msg relayMessage
	text := string(payload)
	if err := json.Unmarshal(payload, &msg); err == nil && msg.Type == "text" {
		text = msg.Data
	}
	if text == "" {
		return
	}

	select {
	case outputChan <- core.MediaChunk{Text: core.TextChunk{Text: text}}:
	default:
	}
}

func (s *WebSocketService) sendParticipantEvent(event core.IEvent) {
	select {
	case s.participantChan <- event:
	default:
	}
}

// SendEvent implements transport.ITransportService.
func (s *WebSocketService) SendEvent(data core.IEvent) error {
	s.mu.RLock()
	if !s.connected {
		s.mu.RUnlock()
		return fmt.Errorf("transport service not connected")
	}
	s.mu.RUnlock()

	switch e := data.(type) {
	case *tts.TTSOutputEvent:
		if e.AudioChunk.Data == nil || len(*e.AudioChunk.Data) == 0 {
			return nil
		}
		return s.writeAudio(e.AudioChunk)

	case *animation.SpriteAnimationEvent:
		return s.writeJSON(relayMessage{Type: "avatar", Data: "talking"})

	case *animation.StaticImageEvent:
		return s.writeJSON(relayMessage{Type: "avatar", Data: "quiet"})

	case *tts.TTSSpeakingStartedEvent:
		return s.writeJSON(relayMessage{Type: "control", Data: "speaking_started"})

	case *tts.TTSSpeakingEndedEvent:
		return s.writeJSON(relayMessage{Type: "control", Data: "speaking_ended"})

	case *stt.STTFinalOutputEvent:
		if e.Text != "" {
			return s.writeJSON(relayMessage{Type: "user_transcription_final", Data: e.Text})
		}
		return nil

	case *stt.STTInterimOutputEvent:
		if e.Text != "" {
			return s.writeJSON(relayMessage{Type: "user_transcription", Data: e.Text})
		}
		return nil

	case *llm.LLMResponseChunkEvent:
		if e.Chunk != "" {
			return s.writeJSON(relayMessage{Type: "transcription", Data: e.Chunk})
		}
		return nil

	case *llm.LLMResponseCompletedEvent:
		if e.FullText != "" {
			return s.writeJSON(relayMessage{Type: "transcription_final", Data: e.FullText})
		}
		return nil

	default:
		return nil
	}
}

// writeAudio announces the samples with a JSON header, then ships them as
// one binary frame. The write lock is held across both so pairs never
// interleave.
func (s *WebSocketService) writeAudio(chunk core.AudioChunk) error {
	header, err := json.Marshal(relayMessage{
		Type:       "audio",
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Size:       len(*chunk.Data),
	})
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, header); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, *chunk.Data)
}

func (s *WebSocketService) writeJSON(msg relayMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Cleanup implements core.IService.
func (s *WebSocketService) Cleanup() error {
	return s.Close()
}

// Reset implements core.IService.
func (s *WebSocketService) Reset() error {
	return nil
}

// Close shuts down the relay connection.
func (s *WebSocketService) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.connected = false
		if s.cancel != nil {
			s.cancel()
		}
		if s.conn != nil {
			s.conn.Close()
		}
		s.logger.Info("websocket transport service closed")
	})
	return nil
}

// WebSocketProvider accepts relay connections and runs one pipeline job per
// client.
type WebSocketProvider struct {
	config   *Config
	logger   *core.Logger
	upgrader websocket.Upgrader
	server   *http.Server

	mu         sync.Mutex
	isRunning  bool
	jobHandler func(svc transporthandler.ITransportService, ctx context.Context) error
}

// NewWebSocketProvider creates a relay provider listening on config.Port.
func NewWebSocketProvider(config *Config, logger *core.Logger) *WebSocketProvider {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &WebSocketProvider{
		config: config,
		logger: logger.With(map[string]interface{}{"component": "websocket-provider"}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterJobHandler implements transport.ITransportProvider.
func (p *WebSocketProvider) RegisterJobHandler(
	handler func(svc transporthandler.ITransportService, ctx context.Context) error,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	p.jobHandler = handler
	return nil
}

// Start implements transport.ITransportProvider.
func (p *WebSocketProvider) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return fmt.Errorf("provider already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(p.config.Path, p.handleConnection)

	p.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", p.config.Port),
		Handler: mux,
	}

	go func() {
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.logger.With(map[string]interface{}{"error": err}).Error("server error")
		}
	}()

	p.isRunning = true
	p.logger.With(map[string]interface{}{
		"port": p.config.Port,
		"path": p.config.Path,
	}).Info("websocket transport provider started")
	return nil
}

// Stop implements transport.ITransportProvider.
func (p *WebSocketProvider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isRunning {
		return nil
	}
	if p.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("error shutting down server: %w", err)
		}
	}
	p.isRunning = false
	p.logger.Info("websocket transport provider stopped")
	return nil
}

func (p *WebSocketProvider) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.With(map[string]interface{}{"error": err}).Error("failed to upgrade connection")
		return
	}
	conn.SetReadLimit(p.config.MaxMessageSize)

	sessionID := fmt.Sprintf("ws-%s", uuid.New().String()[:8])
	jobLogger := p.logger.With(map[string]interface{}{"session": sessionID})

	svc := NewWebSocketService(conn, p.config, jobLogger)

	p.mu.Lock()
	handler := p.jobHandler
	p.mu.Unlock()

	if handler == nil {
		jobLogger.Warn("no job handler registered, dropping connection")
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = core.ContextWithSessionLogger(ctx, jobLogger)

	jobLogger.Info("starting job for websocket session")
	if err := handler(svc, ctx); err != nil {
		jobLogger.With(map[string]interface{}{"error": err}).Error("job handler error")
	}
}
