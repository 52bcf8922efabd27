package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"spritebot/core"

	"github.com/gorilla/websocket"
)

const (
	defaultBaseURL = "wss://api.deepgram.com/v1/speak"
	defaultModel   = "aura-2-arcas-en"

	outSampleRate = 24000

	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	dialAttempts = 3
	dialBackoff  = 500 * time.Millisecond

	// Deepgram drops the connection with DATA-0001 (1008) when too many
	// characters pile up between flushes.
	flushThreshold = 2000

	// Under Deepgram's ~10s idle timeout.
	pingInterval = 8 * time.Second
)

type DepgramTTSConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
}

func DefaultConfig() DepgramTTSConfig {
	return DepgramTTSConfig{
		BaseURL: defaultBaseURL,
		Model:   defaultModel,
	}
}

// DepgramTTS streams text into the speak WebSocket API. Audio comes back as
// binary linear16 frames; control traffic is JSON text messages tagged with
// a "type" field.
type DepgramTTS struct {
	config DepgramTTSConfig
	logger *core.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	cur    *stream
	ready  bool
}

type stream struct {
	conn     *websocket.Conn
	audioOut chan<- core.AudioChunk
	errOut   chan<- error
	done     chan<- bool
	stop     chan struct{}
	stopOnce sync.Once
	writeMu  sync.Mutex

	// buffered counts characters sent since the last flush.
	buffered int
}

// control is every client frame and the "type" discriminator of server ones.
type control struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type serverNotice struct {
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Code        string  `json:"code"`
	ModelName   string  `json:"model_name"`
	SequenceID  float64 `json:"sequence_id"`
}

func NewDepgramTTS(config DepgramTTSConfig, logger *core.Logger) *DepgramTTS {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Model == "" {
		config.Model = defaultModel
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &DepgramTTS{config: config, logger: logger}
}

func (d *DepgramTTS) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ready {
		return nil
	}
	if d.config.APIKey == "" {
		return errors.New("deepgram tts: api key is required")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.ready = true
	return nil
}

func (d *DepgramTTS) Cleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return nil
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.cur != nil {
		d.cur.close()
		d.cur = nil
	}
	d.ready = false
	d.logger.Info("deepgram tts: cleaned up")
	return nil
}

// StartTTSSession dials the speak endpoint and begins relaying audio.
func (d *DepgramTTS) StartTTSSession(
	audioOut chan<- core.AudioChunk,
	errOut chan<- error,
	done chan<- bool,
) error {
	if audioOut == nil || errOut == nil || done == nil {
		return errors.New("deepgram tts: session channels must be non-nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return errors.New("deepgram tts: not initialized")
	}
	if d.cur != nil {
		d.cur.close()
		d.cur = nil
	}

	conn, err := d.dialWithRetry()
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
	d.cur = s

	go d.readLoop(s)
	go d.pingLoop(s)
	return nil
}

func (d *DepgramTTS) dialWithRetry() (*websocket.Conn, error) {
	endpoint := fmt.Sprintf("%s?model=%s&encoding=linear16&sample_rate=%d",
		d.config.BaseURL, d.config.Model, outSampleRate)
	headers := map[string][]string{
		"Authorization": {"Token " + d.config.APIKey},
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = dialTimeout

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
		d.logger.Warnf("deepgram tts: dial attempt %d/%d failed: %v", attempt, dialAttempts, err)
		select {
		case <-d.ctx.Done():
			return nil, d.ctx.Err()
		case <-time.After(dialBackoff * time.Duration(attempt)):
		}
	}
	return nil, fmt.Errorf("deepgram tts: dial failed after %d attempts: %w", dialAttempts, lastErr)
}

func (d *DepgramTTS) readLoop(s *stream) {
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if d.ctx.Err() != nil || stopped(s.stop) {
				return
			}
			d.logger.Infof("deepgram tts: connection ended, redialing: %v", err)
			if redialErr := d.redial(s); redialErr != nil {
				s.reportError(fmt.Errorf("deepgram tts: redial failed: %w", redialErr))
				return
			}
			continue
		}

		switch msgType {
		case websocket.BinaryMessage:
			pcm := make([]byte, len(msg))
			copy(pcm, msg)
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
				d.logger.Warn("deepgram tts: audio channel full, dropping chunk")
			}

		case websocket.TextMessage:
			d.handleNotice(s, msg)
		}
	}
}

func (d *DepgramTTS) handleNotice(s *stream, msg []byte) {
	var n serverNotice
	if err := json.Unmarshal(msg, &n); err != nil {
		d.logger.Warnf("deepgram tts: unparseable notice: %v", err)
		return
	}
	switch n.Type {
	case "Metadata":
		d.logger.Debugf("deepgram tts: session model %s", n.ModelName)
	case "Flushed":
		d.logger.Debugf("deepgram tts: flushed, sequence %v", n.SequenceID)
	case "Cleared":
		d.logger.Debugf("deepgram tts: cleared, sequence %v", n.SequenceID)
	case "Warning":
		d.logger.Warnf("deepgram tts: %s (code %s)", n.Description, n.Code)
	case "Error":
		s.reportError(fmt.Errorf("deepgram tts: %s (code %s)", n.Description, n.Code))
	}
}

func (d *DepgramTTS) redial(s *stream) error {
	conn, err := d.dialWithRetry()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	old := s.conn
	s.conn = conn
	s.buffered = 0
	s.writeMu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (d *DepgramTTS) pingLoop(s *stream) {
	// The speak API has no application-level KeepAlive; an RFC 6455 ping
	// keeps the socket warm between utterances.
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				d.logger.Warnf("deepgram tts: ping failed: %v", err)
			}
		}
	}
}

// BufferText queues text for synthesis. Oversized input is split and flushed
// piecewise so the server-side buffer never trips DATA-0001.
func (d *DepgramTTS) BufferText(text string) error {
	if text == "" {
		return errors.New("deepgram tts: empty text")
	}
	s, err := d.activeStream()
	if err != nil {
		return err
	}

	const segment = flushThreshold - 100 // headroom
	for len(text) > segment {
		if err := s.send(control{Type: "Speak", Text: text[:segment]}); err != nil {
			return err
		}
		if err := s.send(control{Type: "Flush"}); err != nil {
			return err
		}
		s.setBuffered(0)
		text = text[segment:]
	}

	if s.addBuffered(len(text)) >= flushThreshold {
		if err := s.send(control{Type: "Flush"}); err != nil {
			d.logger.Warnf("deepgram tts: auto-flush failed: %v", err)
		}
		s.setBuffered(len(text))
	}
	return s.send(control{Type: "Speak", Text: text})
}

// Flush asks the server to synthesize everything buffered so far.
func (d *DepgramTTS) Flush() error {
	s, err := d.activeStream()
	if err != nil {
		return err
	}
	s.setBuffered(0)
	return s.send(control{Type: "Flush"})
}

// Reset discards buffered text and any in-flight generation.
func (d *DepgramTTS) Reset() error {
	s, err := d.activeStream()
	if err != nil {
		return err
	}
	s.setBuffered(0)
	return s.send(control{Type: "Clear"})
}

// CloseSession asks the server to finish and close gracefully.
func (d *DepgramTTS) CloseSession() error {
	s, err := d.activeStream()
	if err != nil {
		return err
	}
	return s.send(control{Type: "Close"})
}

func (d *DepgramTTS) activeStream() (*stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return nil, errors.New("deepgram tts: not initialized")
	}
	if d.cur == nil {
		return nil, errors.New("deepgram tts: no active session")
	}
	return d.cur, nil
}

func (d *DepgramTTS) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cur != nil
}

func (s *stream) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return errors.New("deepgram tts: connection closed")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *stream) setBuffered(n int) {
	s.writeMu.Lock()
	s.buffered = n
	s.writeMu.Unlock()
}

func (s *stream) addBuffered(n int) int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.buffered += n
	return s.buffered
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
