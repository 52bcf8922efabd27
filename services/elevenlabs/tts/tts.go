package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"spritebot/core"

	"github.com/gorilla/websocket"
)

const (
	defaultBaseURL = "wss://api.elevenlabs.io/v1/text-to-speech"
	defaultVoiceID = "21m00Tcm4TlvDq8ikWAM" // Rachel
	defaultModelID = "eleven_turbo_v2_5"

	outSampleRate = 24000

	dialTimeout   = 10 * time.Second
	writeTimeout  = 10 * time.Second
	readTimeout   = 60 * time.Second
	pingInterval  = 25 * time.Second
	dialAttempts  = 3
	dialBackoff   = 500 * time.Millisecond
)

type ElevenLabsTTSConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	VoiceID string `json:"voice_id"`
	ModelID string `json:"model_id"`

	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// ElevenLabsTTS streams text into the stream-input WebSocket endpoint and
// emits decoded PCM audio. One stream is open at a time; the zero-length
// text frame is the EOS marker the protocol uses for Flush.
type ElevenLabsTTS struct {
	config ElevenLabsTTSConfig
	logger *core.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	cur    *stream
	ready  bool
}

// stream is one stream-input connection plus its consumer channels.
type stream struct {
	conn     *websocket.Conn
	audioOut chan<- core.AudioChunk
	errOut   chan<- error
	done     chan<- bool
	stop     chan struct{}
	stopOnce sync.Once
	writeMu  sync.Mutex
}

// Wire frames. The server multiplexes audio and errors over JSON text
// messages; audio arrives base64-encoded.
type bosFrame struct {
	Text             string        `json:"text"`
	VoiceSettings    voiceSettings `json:"voice_settings"`
	GenerationConfig genConfig     `json:"generation_config"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type genConfig struct {
	ChunkLengthSchedule []int `json:"chunk_length_schedule"`
}

type textFrame struct {
	Text string `json:"text"`
}

type serverFrame struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewElevenLabsTTS(config ElevenLabsTTSConfig, logger *core.Logger) *ElevenLabsTTS {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.VoiceID == "" {
		config.VoiceID = defaultVoiceID
	}
	if config.ModelID == "" {
		config.ModelID = defaultModelID
	}
	if config.Stability == 0 {
		config.Stability = 0.5
	}
	if config.SimilarityBoost == 0 {
		config.SimilarityBoost = 0.75
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &ElevenLabsTTS{config: config, logger: logger}
}

func (e *ElevenLabsTTS) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return nil
	}
	if e.config.APIKey == "" {
		return errors.New("elevenlabs: api key is required")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.ready = true
	return nil
}

func (e *ElevenLabsTTS) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.closeCurrentLocked()
	e.ready = false
	e.logger.Info("elevenlabs: cleaned up")
	return nil
}

// StartTTSSession opens a stream-input connection and begins relaying audio
// to audioOut. A previous session, if any, is torn down first.
func (e *ElevenLabsTTS) StartTTSSession(
	audioOut chan<- core.AudioChunk,
	errOut chan<- error,
	done chan<- bool,
) error {
	if audioOut == nil || errOut == nil || done == nil {
		return errors.New("elevenlabs: session channels must be non-nil")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return errors.New("elevenlabs: not initialized")
	}
	e.closeCurrentLocked()

	conn, err := e.dialWithRetry()
	if err != nil {
		return err
	}

	s := &stream{
		conn:     conn,
		audioOut: audioOut,
		errOut:   errOut,
		done:     done,
		stop:     make(chan struct{}),
	}
	if err := s.writeJSON(e.bosPayload()); err != nil {
		conn.Close()
		return fmt.Errorf("elevenlabs: send BOS: %w", err)
	}
	e.cur = s

	go e.readLoop(s)
	go e.pingLoop(s)
	return nil
}

func (e *ElevenLabsTTS) bosPayload() bosFrame {
	return bosFrame{
		Text: " ",
		VoiceSettings: voiceSettings{
			Stability:       e.config.Stability,
			SimilarityBoost: e.config.SimilarityBoost,
		},
		// Shorter leading chunks trade a little quality for latency on the
		// first spoken words.
		GenerationConfig: genConfig{ChunkLengthSchedule: []int{120, 160, 250, 290}},
	}
}

func (e *ElevenLabsTTS) dialWithRetry() (*websocket.Conn, error) {
	endpoint := fmt.Sprintf("%s/%s/stream-input?model_id=%s&output_format=pcm_%d",
		e.config.BaseURL, e.config.VoiceID, e.config.ModelID, outSampleRate)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = dialTimeout
	headers := map[string][]string{"xi-api-key": {e.config.APIKey}}

	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, _, err := dialer.Dial(endpoint, headers)
		if err == nil {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			conn.SetPongHandler(func(string) error {
				conn.SetReadDeadline(time.Now().Add(readTimeout))
				return nil
			})
			return conn, nil
		}
		lastErr = err
		e.logger.Warnf("elevenlabs: dial attempt %d/%d failed: %v", attempt, dialAttempts, err)
		select {
		case <-e.ctx.Done():
			return nil, e.ctx.Err()
		case <-time.After(dialBackoff * time.Duration(attempt)):
		}
	}
	return nil, fmt.Errorf("elevenlabs: dial failed after %d attempts: %w", dialAttempts, lastErr)
}

func (e *ElevenLabsTTS) readLoop(s *stream) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if e.ctx.Err() != nil || stopped(s.stop) {
				return
			}
			// The endpoint hangs up after EOS; redial so the next
			// BufferText finds a live stream.
			e.logger.Infof("elevenlabs: connection ended, redialing: %v", err)
			if redialErr := e.redial(s); redialErr != nil {
				s.reportError(fmt.Errorf("elevenlabs: redial failed: %w", redialErr))
				return
			}
			continue
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var frame serverFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			e.logger.Warnf("elevenlabs: unparseable frame: %v", err)
			continue
		}

		switch {
		case frame.Error != "":
			s.reportError(fmt.Errorf("elevenlabs: %s (code %d)", frame.Message, frame.Code))

		case frame.Audio != "":
			pcm, err := base64.StdEncoding.DecodeString(frame.Audio)
			if err != nil {
				e.logger.Warnf("elevenlabs: bad audio payload: %v", err)
				continue
			}
			chunk := core.AudioChunk{
				Data:       &pcm,
				SampleRate: outSampleRate,
				Channels:   1,
				Format:     core.PCM,
				Timestamp:  time.Now(),
			}
			select {
			case s.audioOut <- chunk:
			default:
				e.logger.Warn("elevenlabs: audio channel full, dropping chunk")
			}

		case frame.IsFinal:
			e.logger.Debug("elevenlabs: generation complete")
		}
	}
}

// redial swaps the stream's connection for a fresh one with a new BOS.
func (e *ElevenLabsTTS) redial(s *stream) error {
	conn, err := e.dialWithRetry()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	old := s.conn
	s.conn = conn
	s.writeMu.Unlock()
	if old != nil {
		old.Close()
	}

	if err := s.writeJSON(e.bosPayload()); err != nil {
		return fmt.Errorf("send BOS: %w", err)
	}
	return nil
}

func (e *ElevenLabsTTS) pingLoop(s *stream) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				e.logger.Warnf("elevenlabs: ping failed: %v", err)
			}
		}
	}
}

// BufferText submits a text chunk to the active stream.
func (e *ElevenLabsTTS) BufferText(text string) error {
	if text == "" {
		return errors.New("elevenlabs: empty text")
	}
	s, err := e.activeStream()
	if err != nil {
		return err
	}
	return s.writeJSON(textFrame{Text: text})
}

// Flush sends the EOS frame so the server synthesizes whatever remains
// buffered.
func (e *ElevenLabsTTS) Flush() error {
	s, err := e.activeStream()
	if err != nil {
		return err
	}
	return s.writeJSON(textFrame{Text: ""})
}

// Reset aborts the in-flight generation by dropping the connection and
// dialing a fresh one.
func (e *ElevenLabsTTS) Reset() error {
	s, err := e.activeStream()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
	s.writeMu.Unlock()

	conn, err := e.dialWithRetry()
	if err != nil {
		return fmt.Errorf("elevenlabs: reset redial: %w", err)
	}
	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	return s.writeJSON(e.bosPayload())
}

func (e *ElevenLabsTTS) activeStream() (*stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return nil, errors.New("elevenlabs: not initialized")
	}
	if e.cur == nil {
		return nil, errors.New("elevenlabs: no active session")
	}
	return e.cur, nil
}

// IsConnected reports whether a session stream is open.
func (e *ElevenLabsTTS) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur != nil
}

func (e *ElevenLabsTTS) closeCurrentLocked() {
	if e.cur == nil {
		return
	}
	e.cur.close()
	e.cur = nil
}

func (s *stream) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return errors.New("elevenlabs: connection closed")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *stream) reportError(err error) {
	select {
	case s.errOut <- err:
	default:
	}
}

func (s *stream) close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn != nil {
		s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
		s.conn = nil
	}
}

func stopped(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
