package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"spritebot/core"
	"spritebot/utils/audio"

	"github.com/gorilla/websocket"
)

const (
	listenPath        = "/v1/listen"
	keepAliveInterval = 10 * time.Second
	redialDelay       = 5 * time.Second
)

// DeepgramConfig holds the options forwarded to the listen endpoint as
// query parameters. Zero values are omitted from the URL.
type DeepgramConfig struct {
	APIKey          string            `json:"api_key"`
	BaseURL         string            `json:"base_url"`
	Model           string            `json:"model"`
	Language        string            `json:"language"`
	InterimResults  bool              `json:"interim_results"`
	Punctuate       bool              `json:"punctuate"`
	SmartFormat     bool              `json:"smart_format"`
	Diarize         bool              `json:"diarize"`
	ProfanityFilter bool              `json:"profanity_filter"`
	Redact          string            `json:"redact"`
	Numerals        bool              `json:"numerals"`
	Endpointing     any               `json:"endpointing"` // int, bool or string
	VadEvents       bool              `json:"vad_events"`
	UtteranceEndMs  any               `json:"utterance_end_ms"`
	Multichannel    bool              `json:"multichannel"`
	Keywords        []string          `json:"keywords"`
	Keyterms        []string          `json:"keyterms"`
	Search          []string          `json:"search"`
	Callback        string            `json:"callback"`
	CallbackMethod  string            `json:"callback_method"`
	Extra           map[string]string `json:"extra"`
	Tag             []string          `json:"tag"`
	DetectEntities  bool              `json:"detect_entities"`
	Dictation       bool              `json:"dictation"`
	MipOptOut       bool              `json:"mip_opt_out"`
	Version         string            `json:"version"`
}

// DefaultConfig returns a DeepgramConfig tuned for live conversation.
func DefaultConfig() *DeepgramConfig {
	return &DeepgramConfig{
		BaseURL:        "wss://api.deepgram.com",
		Model:          "nova-2",
		InterimResults: true,
		Punctuate:      true,
		SmartFormat:    true,
	}
}

// DeepgramSTTService streams caller audio to Deepgram's listen API over a
// WebSocket and forwards interim and final transcripts. The connection is
// redialed automatically while the session context stays alive.
type DeepgramSTTService struct {
	config *DeepgramConfig
	logger *core.Logger

	mu    sync.Mutex
	cur   *session
	ready bool

	done <-chan struct{}

	outChan               chan<- string
	interimOutputChan     chan<- string
	fatalServiceErrorChan chan<- error
}

// session is one WebSocket connection to the listen endpoint.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

func (s *session) close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.TextMessage, controlFrame("CloseStream"))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

func (s *session) writeText(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *session) writeBinary(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// NewDeepgramSTTService creates a Deepgram STT service. A nil config gets
// DefaultConfig.
func NewDeepgramSTTService(config *DeepgramConfig, logger *core.Logger) *DeepgramSTTService {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = "wss://api.deepgram.com"
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &DeepgramSTTService{config: config, logger: logger}
}

func (d *DeepgramSTTService) Initialize(ctx context.Context) error {
	if d.config.APIKey == "" {
		return fmt.Errorf("Deepgram API key is required")
	}
	d.done = ctx.Done()
	return nil
}

func (d *DeepgramSTTService) Cleanup() error {
	d.mu.Lock()
	cur := d.cur
	d.cur = nil
	d.ready = false
	d.outChan = nil
	d.interimOutputChan = nil
	d.fatalServiceErrorChan = nil
	d.mu.Unlock()

	if cur != nil {
		cur.close()
	}
	d.logger.Info("Deepgram STT service cleaned up")
	return nil
}

// Reset asks the recognizer to finalize whatever it has buffered so the
// next utterance starts from a clean slate.
func (d *DeepgramSTTService) Reset() error {
	d.sendControl("Finalize")
	return nil
}

// Flush forces pending audio through the recognizer as a final result.
func (d *DeepgramSTTService) Flush() error {
	return d.sendControl("Finalize")
}

func (d *DeepgramSTTService) sendControl(kind string) error {
	d.mu.Lock()
	cur, ready := d.cur, d.ready
	d.mu.Unlock()
	if !ready || cur == nil {
		return nil
	}
	return cur.writeText(controlFrame(kind))
}

// StartTranscriptionSession wires the output channels and starts the
// dial-and-listen loop in the background.
func (d *DeepgramSTTService) StartTranscriptionSession(
	outChan chan<- string,
	interimOutputChan chan<- string,
	fatalServiceErrorChan chan<- error,
) {
	d.mu.Lock()
	d.outChan = outChan
	d.interimOutputChan = interimOutputChan
	d.fatalServiceErrorChan = fatalServiceErrorChan
	d.mu.Unlock()

	go d.run()
}

// SendTranscriptionAudio converts the chunk to 16 kHz mono PCM and sends it
// as a binary frame.
func (d *DeepgramSTTService) SendTranscriptionAudio(chunk core.AudioChunk) error {
	d.mu.Lock()
	cur, ready := d.cur, d.ready
	d.mu.Unlock()
	if !ready || cur == nil {
		return fmt.Errorf("not connected to Deepgram")
	}

	converted, err := audio.ConvertAudioChunk(chunk, core.PCM, 1, 16000)
	if err != nil {
		return fmt.Errorf("failed to convert audio chunk: %w", err)
	}
	if err := cur.writeBinary(*converted.Data); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// run keeps one listen connection alive for the duration of the session,
// redialing after transient failures.
func (d *DeepgramSTTService) run() {
	for {
		select {
		case <-d.done:
			return
		default:
		}

		err := d.connectAndListen()
		select {
		case <-d.done:
			return
		default:
		}
		if err != nil {
			d.reportError(fmt.Errorf("Deepgram session error: %w", err))
		}

		select {
		case <-time.After(redialDelay):
		case <-d.done:
			return
		}
	}
}

func (d *DeepgramSTTService) connectAndListen() error {
	wsURL, err := d.listenURL()
	if err != nil {
		return fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	headers := map[string][]string{
		"Authorization": {"Token " + d.config.APIKey},
	}
	conn, _, err := websocket.DefaultDialer.DialContext(context.Background(), wsURL, headers)
	if err != nil {
		return fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	cur := &session{conn: conn, stop: make(chan struct{})}
	d.mu.Lock()
	d.cur = cur
	d.ready = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.cur == cur {
			d.cur = nil
			d.ready = false
		}
		d.mu.Unlock()
		cur.close()
	}()

	go d.keepAlive(cur)

	for {
		select {
		case <-d.done:
			return nil
		case <-cur.stop:
			return nil
		default:
		}

		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("error reading message: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := d.handleMessage(message); err != nil {
			d.logger.Debugf("Deepgram message skipped: %v", err)
		}
	}
}

// listenURL builds the listen endpoint URL from the config. Audio format
// parameters are fixed to match what SendTranscriptionAudio produces.
func (d *DeepgramSTTService) listenURL() (string, error) {
	base, err := url.Parse(d.config.BaseURL + listenPath)
	if err != nil {
		return "", err
	}

	q := base.Query()
	q.Set("encoding", "linear16")
	q.Set("sample_rate", "16000")
	q.Set("channels", "1")

	setIf := func(key, value string) {
		if value != "" {
			q.Set(key, value)
		}
	}
	setIf("model", d.config.Model)
	setIf("language", d.config.Language)
	setIf("redact", d.config.Redact)
	setIf("callback", d.config.Callback)
	setIf("callback_method", d.config.CallbackMethod)
	setIf("version", d.config.Version)

	for key, on := range map[string]bool{
		"interim_results":  d.config.InterimResults,
		"punctuate":        d.config.Punctuate,
		"smart_format":     d.config.SmartFormat,
		"diarize":          d.config.Diarize,
		"profanity_filter": d.config.ProfanityFilter,
		"numerals":         d.config.Numerals,
		"vad_events":       d.config.VadEvents,
		"multichannel":     d.config.Multichannel,
		"detect_entities":  d.config.DetectEntities,
		"dictation":        d.config.Dictation,
		"mip_opt_out":      d.config.MipOptOut,
	} {
		q.Set(key, strconv.FormatBool(on))
	}

	if v := anyToString(d.config.Endpointing); v != "" {
		q.Set("endpointing", v)
	}
	if v := anyToString(d.config.UtteranceEndMs); v != "" {
		q.Set("utterance_end_ms", v)
	}

	for _, keyword := range d.config.Keywords {
		q.Add("keywords", keyword)
	}
	for _, keyterm := range d.config.Keyterms {
		q.Add("keyterm", keyterm)
	}
	for _, search := range d.config.Search {
		q.Add("search", search)
	}
	for _, tag := range d.config.Tag {
		q.Add("tag", tag)
	}
	for key, value := range d.config.Extra {
		q.Set(key, value)
	}

	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (d *DeepgramSTTService) handleMessage(message []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &head); err != nil {
		return fmt.Errorf("failed to parse message type: %w", err)
	}

	switch head.Type {
	case "Results":
		var result transcriptResult
		if err := json.Unmarshal(message, &result); err != nil {
			return fmt.Errorf("failed to parse results: %w", err)
		}
		d.deliver(result)
	case "Metadata", "UtteranceEnd", "SpeechStarted":
		// Informational only.
	default:
		return fmt.Errorf("unknown message type: %s", head.Type)
	}
	return nil
}

// deliver routes a transcript to the final or interim channel. Sends are
// non-blocking so a stalled consumer cannot back up the read loop.
func (d *DeepgramSTTService) deliver(result transcriptResult) {
	if len(result.Channel.Alternatives) == 0 {
		return
	}
	transcript := result.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return
	}

	select {
	case <-d.done:
		return
	default:
	}

	d.mu.Lock()
	finalChan, interimChan := d.outChan, d.interimOutputChan
	d.mu.Unlock()

	if result.IsFinal || result.SpeechFinal || result.FromFinalize {
		d.logger.Debugf("STT final: %s", transcript)
		if finalChan != nil {
			select {
			case finalChan <- transcript:
			default:
			}
		}
		return
	}

	d.logger.Debugf("STT interim: %s", transcript)
	if interimChan != nil {
		select {
		case interimChan <- transcript:
		default:
		}
	}
}

func (d *DeepgramSTTService) reportError(err error) {
	d.mu.Lock()
	errChan := d.fatalServiceErrorChan
	d.mu.Unlock()
	if errChan == nil {
		return
	}
	select {
	case errChan <- err:
	default:
	}
}

// keepAlive pings the recognizer so it does not close an idle connection.
func (d *DeepgramSTTService) keepAlive(cur *session) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-cur.stop:
			return
		case <-ticker.C:
			if err := cur.writeText(controlFrame("KeepAlive")); err != nil {
				return
			}
		}
	}
}

func controlFrame(kind string) []byte {
	payload, _ := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: kind})
	return payload
}

func anyToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case string:
		return t
	default:
		return ""
	}
}

// transcriptResult mirrors the fields of a listen Results frame that the
// service acts on.
type transcriptResult struct {
	Type         string  `json:"type"`
	Duration     float64 `json:"duration"`
	Start        float64 `json:"start"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`
	FromFinalize bool    `json:"from_finalize,omitempty"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}
