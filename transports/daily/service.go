package daily

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"spritebot/core"
	"spritebot/events/animation"
	"spritebot/events/llm"
	"spritebot/events/stt"
	"spritebot/events/transport"
	"spritebot/events/tts"
	"spritebot/events/vad"

	"github.com/gorilla/websocket"
)

// DailyMediaMessage is one envelope on the relay WebSocket. The bridge in the
// browser speaks the same shape in both directions.
type DailyMediaMessage struct {
	Type          string `json:"type"`                     // "audio", "video", "text", "control"
	Payload       string `json:"payload,omitempty"`        // Base64-encoded media data or text
	Timestamp     int64  `json:"timestamp,omitempty"`      // Unix milliseconds
	Room          string `json:"room,omitempty"`           // Room name
	SampleRate    int    `json:"sample_rate,omitempty"`    // Audio sample rate
	Channels      int    `json:"channels,omitempty"`       // Audio channels
	Format        string `json:"format,omitempty"`         // "pcm16", "opus", "rgb24"
	Width         int    `json:"width,omitempty"`          // Video frame width
	Height        int    `json:"height,omitempty"`         // Video frame height
	Action        string `json:"action,omitempty"`         // Control action
	ParticipantID string `json:"participant_id,omitempty"` // Control: who joined or left
	Name          string `json:"name,omitempty"`           // Control: display name
}

// cameraPlayer repeats the avatar's frame sequence over a send function at a
// fixed rate. Starting a new sequence stops the previous one first, so at
// most one loop runs per player.
type cameraPlayer struct {
	mu   sync.Mutex
	stop chan struct{}
	send func(core.ImageChunk) error
}

func (c *cameraPlayer) play(frames []core.ImageChunk, frameRate int) {
	c.halt()
	if len(frames) == 0 || frameRate <= 0 {
		return
	}

	stop := make(chan struct{})
	c.mu.Lock()
	c.stop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Second / time.Duration(frameRate))
		defer ticker.Stop()
		for i := 0; ; i = (i + 1) % len(frames) {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if c.send(frames[i]) != nil {
					return
				}
			}
		}
	}()
}

func (c *cameraPlayer) halt() {
	c.mu.Lock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()
}

// DailyTransportService carries one relay session: microphone audio and
// presence flow up into the pipeline, synthesized speech, transcripts, and
// the avatar's camera frames flow back down the same socket.
type DailyTransportService struct {
	conn     *websocket.Conn
	config   *Config
	roomName string
	logger   *core.Logger
	camera   cameraPlayer

	mu        sync.RWMutex
	writeMu   sync.Mutex
	connected bool
	closeOnce sync.Once

	participantChan chan core.IEvent

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDailyTransportService creates a new Daily transport service.
func NewDailyTransportService(
	conn *websocket.Conn,
	config *Config,
	roomName string,
	logger *core.Logger,
) *DailyTransportService {
	s := &DailyTransportService{
		conn:            conn,
		config:          config,
		roomName:        roomName,
		logger:          logger.With(map[string]interface{}{"room": roomName, "component": "daily-service"}),
		connected:       true,
		participantChan: make(chan core.IEvent, 8),
	}
	s.camera.send = s.sendVideoFrame
	return s
}

// Initialize implements core.IService.
func (s *DailyTransportService) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	return nil
}

// Connect implements transport.ITransportService.
func (s *DailyTransportService) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = true
	return nil
}

// ParticipantEvents implements transport.IParticipantEventSource.
func (s *DailyTransportService) ParticipantEvents() <-chan core.IEvent {
	return s.participantChan
}

// StartReceiving implements transport.ITransportService. It blocks reading
// the relay socket until it closes or ctx is cancelled.
func (s *DailyTransportService) StartReceiving(outputChan chan<- core.MediaChunk, errorChan chan<- error) {
	defer s.Close()

	s.logger.Info("started receiving media from Daily relay")

	for s.ctx == nil || s.ctx.Err() == nil {
		var msg DailyMediaMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure,
			) {
				errorChan <- fmt.Errorf("daily websocket error: %w", err)
			}
			s.logger.With(map[string]interface{}{"error": err}).Info("websocket read ended")
			return
		}

		switch msg.Type {
		case "audio":
			s.onAudio(&msg, outputChan)
		case "text":
			s.onText(&msg, outputChan)
		case "control":
			s.onControl(&msg)
		}
	}
}

func (s *DailyTransportService) onAudio(msg *DailyMediaMessage, outputChan chan<- core.MediaChunk) {
	if msg.Payload == "" {
		return
	}

	audioData, err := base64.StdEncoding.DecodeString(msg.Payload)
	if err != nil {
		s.logger.With(map[string]interface{}{"error": err}).Error("failed to decode audio payload")
		return
	}

	chunk := core.AudioChunk{
		Data:       &audioData,
		SampleRate: s.config.AudioSampleRate,
		Channels:   s.config.AudioChannels,
		Format:     core.PCM,
		Timestamp:  time.Now(),
	}
	if msg.SampleRate > 0 {
		chunk.SampleRate = msg.SampleRate
	}
	if msg.Channels > 0 {
		chunk.Channels = msg.Channels
	}
	if msg.Format == "opus" {
		chunk.Format = core.OPUS
	}

	select {
	case outputChan <- core.MediaChunk{Audio: chunk}:
	default:
		s.logger.Debug("output channel full, dropping audio chunk")
	}
}

func (s *DailyTransportService) onText(msg *DailyMediaMessage, outputChan chan<- core.MediaChunk) {
	if msg.Payload == "" {
		return
	}

	select {
	case outputChan <- core.MediaChunk{Text: core.TextChunk{Text: msg.Payload}}:
	default:
	}
}

func (s *DailyTransportService) onControl(msg *DailyMediaMessage) {
	switch msg.Action {
	case "participant_joined":
		s.relayPresence(msg, &transport.ParticipantJoinedEvent{
			ParticipantID: msg.ParticipantID,
			Name:          msg.Name,
		})
	case "participant_left":
		s.relayPresence(msg, &transport.ParticipantLeftEvent{
			ParticipantID: msg.ParticipantID,
		})
	case "session_ended", "stop":
		s.logger.Info("received session end control message")
		s.Close()
	case "mute":
		s.logger.Info("participant muted")
	case "unmute":
		s.logger.Info("participant unmuted")
	default:
		s.logger.With(map[string]interface{}{"action": msg.Action}).Debug("unknown control action")
	}
}

// relayPresence forwards a membership change into the pipeline. The first
// join is what triggers the bot's greeting upstream.
func (s *DailyTransportService) relayPresence(msg *DailyMediaMessage, event core.IEvent) {
	s.logger.With(map[string]interface{}{
		"action":      msg.Action,
		"participant": msg.ParticipantID,
	}).Info("participant presence changed")

	select {
	case s.participantChan <- event:
	default:
		s.logger.Warn("participant event channel full, dropping event")
	}
}

// SendEvent implements transport.ITransportService.
func (s *DailyTransportService) SendEvent(data core.IEvent) error {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	if !connected {
		return fmt.Errorf("transport service not connected")
	}

	switch e := data.(type) {
	case *tts.TTSOutputEvent:
		return s.sendSpeech(e.AudioChunk)

	case *animation.SpriteAnimationEvent:
		rate := e.FrameRate
		if rate <= 0 {
			rate = s.config.CameraFrameRate
		}
		if rate <= 0 {
			rate = 12
		}
		s.camera.play(e.Frames, rate)
		return nil

	case *animation.StaticImageEvent:
		s.camera.halt()
		return s.sendVideoFrame(e.Frame)

	case *tts.TTSSpeakingStartedEvent:
		return s.sendControl("speaking_started")
	case *tts.TTSSpeakingEndedEvent:
		return s.sendControl("speaking_ended")

	case *stt.STTInterimOutputEvent:
		return s.sendText("user_transcription", e.Text)
	case *stt.STTFinalOutputEvent:
		return s.sendText("user_transcription_final", e.Text)
	case *llm.LLMResponseChunkEvent:
		return s.sendText("transcription", e.Chunk)
	case *llm.LLMResponseCompletedEvent:
		return s.sendText("transcription_final", e.FullText)

	case *llm.LLMGenerateResponseEvent:
		return s.sendControl("thinking")
	case *llm.LLMResponseStartedEvent:
		return s.sendControl("thinking")

	case *vad.VadUserSpeechStartedEvent:
		return s.sendControl("user_speech_started")
	case *vad.VadUserSpeechEndedEvent:
		return s.sendControl("user_speech_ended")
	case *vad.VadInterruptionSuspectedEvent:
		return s.sendControl("interruption")
	case *vad.VadInterruptionConfirmedEvent:
		return s.sendControl("interruption_confirmed")

	default:
		return nil
	}
}

func (s *DailyTransportService) sendSpeech(chunk core.AudioChunk) error {
	if chunk.Data == nil || len(*chunk.Data) == 0 {
		return nil
	}
	return s.writeJSON(DailyMediaMessage{
		Type:       "audio",
		Payload:    base64.StdEncoding.EncodeToString(*chunk.Data),
		Timestamp:  time.Now().UnixMilli(),
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Format:     "pcm16",
	})
}

func (s *DailyTransportService) sendVideoFrame(frame core.ImageChunk) error {
	if frame.Data == nil || len(*frame.Data) == 0 {
		return nil
	}
	return s.writeJSON(DailyMediaMessage{
		Type:      "video",
		Payload:   base64.StdEncoding.EncodeToString(*frame.Data),
		Timestamp: time.Now().UnixMilli(),
		Width:     frame.Width,
		Height:    frame.Height,
		Format:    string(frame.Format),
	})
}

func (s *DailyTransportService) sendControl(action string) error {
	return s.writeJSON(DailyMediaMessage{
		Type:      "control",
		Action:    action,
		Timestamp: time.Now().UnixMilli(),
		Room:      s.roomName,
	})
}

func (s *DailyTransportService) sendText(msgType, text string) error {
	if text == "" {
		return nil
	}
	return s.writeJSON(DailyMediaMessage{
		Type:      msgType,
		Payload:   text,
		Timestamp: time.Now().UnixMilli(),
		Room:      s.roomName,
	})
}

func (s *DailyTransportService) writeJSON(msg DailyMediaMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Cleanup implements core.IService.
func (s *DailyTransportService) Cleanup() error {
	return s.Close()
}

// Reset implements core.IService.
func (s *DailyTransportService) Reset() error {
	return nil
}

// Close closes the WebSocket connection.
func (s *DailyTransportService) Close() error {
	s.closeOnce.Do(func() {
		s.camera.halt()

		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()

		if s.cancel != nil {
			s.cancel()
		}
		if s.conn != nil {
			s.conn.Close()
		}

		s.logger.Info("Daily transport service closed")
	})
	return nil
}

// GetRoomName returns the room name for this session.
func (s *DailyTransportService) GetRoomName() string {
	return s.roomName
}
