package twilio

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"spritebot/core"
	"spritebot/events/transport"
	"spritebot/events/tts"
	"spritebot/events/vad"

	"github.com/gorilla/websocket"
)

// TwilioMediaMessage represents a message from Twilio's media stream.
type TwilioMediaMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	Sequence  string `json:"sequenceNumber,omitempty"`
	Media     struct {
		Track     string `json:"track"`
		Payload   string `json:"payload"`
		Timestamp string `json:"timestamp"`
	} `json:"media,omitempty"`
	Start struct {
		AccountSid string `json:"accountSid"`
		StreamSid  string `json:"streamSid"`
		CallSid    string `json:"callSid"`
	} `json:"start,omitempty"`
}

// twilioOutboundMedia is the envelope for audio written back to the call.
type twilioOutboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// twilioClear asks Twilio to drop any buffered outbound audio. Sent on
// confirmed interruptions so the caller stops hearing the cancelled response.
type twilioClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// TwilioTransportService implements transport.ITransportService for a Twilio
// media stream. The wire format is 8 kHz mono G.711 μ-law, base64 in JSON;
// the output handler converts TTS audio to μ-law before SendEvent.
type TwilioTransportService struct {
	conn   *websocket.Conn
	config *Config
	logger *core.Logger

	mu        sync.RWMutex
	writeMu   sync.Mutex
	streamSid string
	callSid   string
	connected bool
	closeOnce sync.Once

	participantChan chan core.IEvent

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTwilioTransportService creates a new Twilio transport service.
func NewTwilioTransportService(conn *websocket.Conn, config *Config, logger *core.Logger) *TwilioTransportService {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &TwilioTransportService{
		conn:            conn,
		config:          config,
		logger:          logger.With(map[string]interface{}{"component": "twilio-service"}),
		connected:       true,
		participantChan: make(chan core.IEvent, 2),
	}
}

// Initialize implements core.IService.
func (t *TwilioTransportService) Initialize(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)
	return nil
}

// Connect implements transport.ITransportService.
func (t *TwilioTransportService) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}
	t.connected = true
	return nil
}

// ParticipantEvents implements transport.IParticipantEventSource. The caller
// is the single participant: start of the media stream is a join, stop is a
// leave.
func (t *TwilioTransportService) ParticipantEvents() <-chan core.IEvent {
	return t.participantChan
}

// StartReceiving implements transport.ITransportService.
func (t *TwilioTransportService) StartReceiving(outputChan chan<- core.MediaChunk, errorChan chan<- error) {
	defer t.Close()

	for {
		if t.ctx != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
			}
		}

		var msg TwilioMediaMessage
		err := t.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				errorChan <- fmt.Errorf("twilio websocket error: %w", err)
			}
			t.logger.With(map[string]interface{}{"error": err}).Info("media stream read ended")
			return
		}

		switch msg.Event {
		case "start":
			t.handleStartMessage(&msg)
		case "media":
			t.handleMediaMessage(&msg, outputChan)
		case "stop":
			t.handleStopMessage()
			return
		}
	}
}

// handleStartMessage records the stream identity and surfaces the caller as
// a joined participant, which triggers the opening generation upstream.
func (t *TwilioTransportService) handleStartMessage(msg *TwilioMediaMessage) {
	t.mu.Lock()
	t.streamSid = msg.Start.StreamSid
	t.callSid = msg.Start.CallSid
	t.mu.Unlock()

	t.logger.With(map[string]interface{}{
		"stream_sid": msg.Start.StreamSid,
		"call_sid":   msg.Start.CallSid,
	}).Info("media stream started")

	select {
	case t.participantChan <- &transport.ParticipantJoinedEvent{ParticipantID: msg.Start.CallSid, Name: "caller"}:
	default:
	}
}

// handleMediaMessage decodes inbound μ-law audio and relays it upstream.
func (t *TwilioTransportService) handleMediaMessage(msg *TwilioMediaMessage, outputChan chan<- core.MediaChunk) {
	if msg.Media.Payload == "" {
		return
	}

	audioData, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		t.logger.With(map[string]interface{}{"error": err}).Error("failed to decode media payload")
		return
	}

	chunk := core.MediaChunk{
		Audio: core.AudioChunk{
			Data:       &audioData,
			SampleRate: t.config.AudioSampleRate,
			Channels:   1, // Twilio media streams are mono
			Format:     core.ULAW,
			Timestamp:  time.Now(),
		},
	}

	select {
	case outputChan <- chunk:
	default:
		t.logger.Debug("output channel full, dropping audio chunk")
	}
}

func (t *TwilioTransportService) handleStopMessage() {
	t.mu.Lock()
	callSid := t.callSid
	t.mu.Unlock()

	t.logger.With(map[string]interface{}{"call_sid": callSid}).Info("media stream stopped")

	select {
	case t.participantChan <- &transport.ParticipantLeftEvent{ParticipantID: callSid, Reason: "call ended"}:
	default:
	}
}

// SendEvent implements transport.ITransportService.
func (t *TwilioTransportService) SendEvent(data core.IEvent) error {
	t.mu.RLock()
	if !t.connected {
		t.mu.RUnlock()
		return fmt.Errorf("transport service not connected")
	}
	streamSid := t.streamSid
	t.mu.RUnlock()

	if streamSid == "" {
		// No start message yet; nothing can be written to the stream.
		return nil
	}

	switch e := data.(type) {
	case *tts.TTSOutputEvent:
		if e.AudioChunk.Data == nil || len(*e.AudioChunk.Data) == 0 {
			return nil
		}
		if e.AudioChunk.Format != core.ULAW {
			return fmt.Errorf("twilio expects μ-law audio, got format %d", e.AudioChunk.Format)
		}
		out := twilioOutboundMedia{Event: "media", StreamSid: streamSid}
		out.Media.Payload = base64.StdEncoding.EncodeToString(*e.AudioChunk.Data)
		return t.writeJSON(out)

	case *vad.VadInterruptionConfirmedEvent:
		// Flush Twilio's playout buffer so the caller stops hearing the
		// cancelled response right away.
		return t.writeJSON(twilioClear{Event: "clear", StreamSid: streamSid})

	default:
		return nil
	}
}

func (t *TwilioTransportService) writeJSON(msg interface{}) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(msg)
}

// Cleanup implements core.IService.
func (t *TwilioTransportService) Cleanup() error {
	return t.Close()
}

// Reset implements core.IService.
func (t *TwilioTransportService) Reset() error {
	return nil
}

// Close closes the WebSocket connection.
func (t *TwilioTransportService) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		t.connected = false
		if t.cancel != nil {
			t.cancel()
		}
		if t.conn != nil {
			t.conn.Close()
		}
		t.logger.Info("twilio transport service closed")
	})
	return nil
}

// GetStreamSid returns the current stream SID.
func (t *TwilioTransportService) GetStreamSid() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.streamSid
}

// GetCallSid returns the current call SID.
func (t *TwilioTransportService) GetCallSid() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.callSid
}
