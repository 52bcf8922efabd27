package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"spritebot/core"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultBaseURL    = "wss://api.cartesia.ai/tts/websocket"
	defaultModelID    = "sonic-2"
	defaultVoiceID    = "a0e99841-438c-4a64-b679-ae501e7d6091" // Helpful Woman
	defaultAPIVersion = "2024-11-13"
	defaultLanguage   = "en"

	outSampleRate = 24000

	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
	dialAttempts = 3
	dialBackoff  = 500 * time.Millisecond
)

type CartesiaTTSConfig struct {
	APIKey     string `json:"api_key"`
	BaseURL    string `json:"base_url"`
	ModelID    string `json:"model_id"`
	VoiceID    string `json:"voice_id"`
	Language   string `json:"language"`
	APIVersion string `json:"api_version"`
}

// CartesiaTTS streams text over Cartesia's WebSocket API. Each utterance is
// one context_id: BufferText appends to it with continue=true, Flush ends it
// with flush=true and rotates the id, and Reset cancels it server-side with
// a cancel message, so interruptions need no reconnect.
type CartesiaTTS struct {
	config CartesiaTTSConfig
	logger *core.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	cur    *stream
	ready  bool

	utterance string // active context_id
}

type stream struct {
	conn     *websocket.Conn
	audioOut chan<- core.AudioChunk
	errOut   chan<- error
	done     chan<- bool
	stop     chan struct{}
	stopOnce sync.Once
	writeMu  sync.Mutex
}

type synthRequest struct {
	ModelID          string       `json:"model_id"`
	Transcript       string       `json:"transcript"`
	Voice            voiceRef     `json:"voice"`
	OutputFmt        outputFormat `json:"output_format"`
	ContextID        string       `json:"context_id"`
	Continue         bool         `json:"continue"`
	Flush            bool         `json:"flush,omitempty"`
	Language         string       `json:"language,omitempty"`
	MaxBufferDelayMs int          `json:"max_buffer_delay_ms,omitempty"`
}

type voiceRef struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cancelRequest struct {
	ContextID string `json:"context_id"`
	Cancel    bool   `json:"cancel"`
}

// serverFrame covers chunk, done and error messages. Audio may arrive either
// as binary frames or base64 inside a "chunk".
type serverFrame struct {
	Type       string `json:"type"`
	ContextID  string `json:"context_id"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error,omitempty"`
	Data       string `json:"data,omitempty"`
}

func NewCartesiaTTS(config CartesiaTTSConfig, logger *core.Logger) *CartesiaTTS {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.ModelID == "" {
		config.ModelID = defaultModelID
	}
	if config.VoiceID == "" {
		config.VoiceID = defaultVoiceID
	}
	if config.APIVersion == "" {
		config.APIVersion = defaultAPIVersion
	}
	if config.Language == "" {
		config.Language = defaultLanguage
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &CartesiaTTS{config: config, logger: logger}
}

func (c *CartesiaTTS) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}
	if c.config.APIKey == "" {
		return errors.New("cartesia: api key is required")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.utterance = uuid.New().String()
	c.ready = true
	return nil
}

func (c *CartesiaTTS) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.cur != nil {
		c.cur.close()
		c.cur = nil
	}
	c.ready = false
	c.logger.Info("cartesia: cleaned up")
	return nil
}

// StartTTSSession opens the WebSocket connection for this session.
func (c *CartesiaTTS) StartTTSSession(
	audioOut chan<- core.AudioChunk,
	errOut chan<- error,
	done chan<- bool,
) error {
	if audioOut == nil || errOut == nil || done == nil {
		return errors.New("cartesia: session channels must be non-nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return errors.New("cartesia: not initialized")
	}
	if c.cur != nil {
		c.cur.close()
		c.cur = nil
	}

	conn, err := c.dialWithRetry()
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
	c.cur = s

	go c.readLoop(s)
	go c.pingLoop(s)
	return nil
}

// BufferText appends text to the active utterance. MaxBufferDelayMs stays 0
// so generation starts on the first chunk.
func (c *CartesiaTTS) BufferText(text string) error {
	if text == "" {
		return errors.New("cartesia: empty text")
	}
	s, id, err := c.active()
	if err != nil {
		return err
	}
	return s.send(c.request(text, id, true, false))
}

// Flush closes out the utterance so queued text synthesizes now, then
// rotates the context id for the next one.
func (c *CartesiaTTS) Flush() error {
	s, id, err := c.active()
	if err != nil {
		return err
	}
	if err := s.send(c.request(" ", id, false, true)); err != nil {
		return err
	}
	c.mu.Lock()
	c.utterance = uuid.New().String()
	c.mu.Unlock()
	return nil
}

// Reset cancels the in-flight utterance server-side and rotates the context
// id. Stray audio for the old id is simply ignored.
func (c *CartesiaTTS) Reset() error {
	s, id, err := c.active()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.utterance = uuid.New().String()
	fresh := c.utterance
	c.mu.Unlock()

	if err := s.send(cancelRequest{ContextID: id, Cancel: true}); err != nil {
		c.logger.Warnf("cartesia: cancel for context %s failed: %v", id, err)
	}
	c.logger.Debugf("cartesia: reset, context %s -> %s", id, fresh)
	return nil
}

func (c *CartesiaTTS) request(transcript, contextID string, cont, flush bool) synthRequest {
	return synthRequest{
		ModelID:    c.config.ModelID,
		Transcript: transcript,
		Voice:      voiceRef{Mode: "id", ID: c.config.VoiceID},
		OutputFmt:  outputFormat{Container: "raw", Encoding: "pcm_s16le", SampleRate: outSampleRate},
		ContextID:  contextID,
		Continue:   cont,
		Flush:      flush,
		Language:   c.config.Language,
	}
}

func (c *CartesiaTTS) active() (*stream, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return nil, "", errors.New("cartesia: not initialized")
	}
	if c.cur == nil {
		return nil, "", errors.New("cartesia: no active session")
	}
	return c.cur, c.utterance, nil
}

func (c *CartesiaTTS) dialWithRetry() (*websocket.Conn, error) {
	endpoint := fmt.Sprintf("%s?api_key=%s&cartesia_version=%s",
		c.config.BaseURL, c.config.APIKey, c.config.APIVersion)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = dialTimeout

	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, _, err := dialer.Dial(endpoint, nil)
		if err == nil {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			conn.SetPongHandler(func(string) error {
				conn.SetReadDeadline(time.Now().Add(readTimeout))
				return nil
			})
			return conn, nil
		}
		lastErr = err
		c.logger.Warnf("cartesia: dial attempt %d/%d failed: %v", attempt, dialAttempts, err)
		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case <-time.After(dialBackoff * time.Duration(attempt)):
		}
	}
	return nil, fmt.Errorf("cartesia: dial failed after %d attempts: %w", dialAttempts, lastErr)
}

func (c *CartesiaTTS) readLoop(s *stream) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil || stopped(s.stop) {
				return
			}
			c.logger.Infof("cartesia: connection ended, redialing: %v", err)
			if redialErr := c.redial(s); redialErr != nil {
				s.reportError(fmt.Errorf("cartesia: redial failed: %w", redialErr))
				return
			}
			continue
		}

		switch msgType {
		case websocket.BinaryMessage:
			c.forward(s, msg)

		case websocket.TextMessage:
			var frame serverFrame
			if err := json.Unmarshal(msg, &frame); err != nil {
				c.logger.Warnf("cartesia: unparseable frame: %v", err)
				continue
			}
			switch frame.Type {
			case "chunk":
				if frame.Data == "" {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(frame.Data)
				if err != nil {
					c.logger.Warnf("cartesia: bad audio payload: %v", err)
					continue
				}
				c.forward(s, pcm)
			case "error":
				s.reportError(fmt.Errorf("cartesia: %s (status %d)", frame.Error, frame.StatusCode))
			case "done":
				c.logger.Debugf("cartesia: context %s done", frame.ContextID)
			}
			// timestamps and friends are informational; skipped.
		}
	}
}

func (c *CartesiaTTS) forward(s *stream, raw []byte) {
	pcm := make([]byte, len(raw))
	copy(pcm, raw)
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
		c.logger.Warn("cartesia: audio channel full, dropping chunk")
	}
}

func (c *CartesiaTTS) redial(s *stream) error {
	conn, err := c.dialWithRetry()
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
	return nil
}

func (c *CartesiaTTS) pingLoop(s *stream) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				c.logger.Warnf("cartesia: ping failed: %v", err)
			}
		}
	}
}

func (c *CartesiaTTS) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil
}

func (s *stream) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return errors.New("cartesia: connection closed")
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
