package tts

import (
	"context"
	"strings"
	"time"

	"spritebot/core"
	"spritebot/events/llm"
	"spritebot/events/tts"
	"spritebot/events/vad"
)

// TTSService is the contract for streaming text-to-speech providers.
// BufferText submits text to the active synthesis stream; Flush signals end
// of input so the provider renders whatever it is still holding.
type TTSService interface {
	core.IService
	StartTTSSession(
		outChan chan<- core.AudioChunk,
		errorChan chan<- error,
		doneChan chan<- bool,
	) error
	BufferText(text string) error
	Flush() error
}

// defaultBreakWords are the flush boundaries used when the config leaves
// BreakWords empty.
var defaultBreakWords = []string{".", "!", "?", ";", ":", "\n", ","}

// TTSHandler turns streamed LLM response text into synthesized audio. It
// buffers incoming chunks until a break word makes a segment worth
// synthesizing, relays the provider's audio as TTSOutputEvents, and mirrors
// each submitted segment as a TTSSpokenTextChunkEvent so the context
// aggregator can track what was actually said.
//
// Speaking state is announced with TTSSpeakingStartedEvent /
// TTSSpeakingEndedEvent broadcasts: started on the first audio chunk of a
// response, ended once the audio stream has been idle for SpeechIdleTimeout
// after the full response text was submitted.
type TTSHandler struct {
	core.BaseHandler
	config TTSConfig

	audioChunkOutChan chan core.AudioChunk
	errorChan         chan error
	doneChan          chan bool
	idleChan          chan struct{}
	idleTimer         *time.Timer

	textBuffer   strings.Builder
	speaking     bool
	responseDone bool // full response text submitted to the provider
}

// NewTTSHandler creates a new TTS handler.
// Use DefaultConfig() to get a config with sensible defaults and override only what you need.
func NewTTSHandler(service TTSService, config TTSConfig, logger *core.Logger) *TTSHandler {
	if len(config.BreakWords) == 0 {
		config.BreakWords = defaultBreakWords
	}
	if config.MinTextLength == 0 {
		config.MinTextLength = 20
	}
	if config.SpeechIdleTimeout == 0 {
		config.SpeechIdleTimeout = 800 * time.Millisecond
	}
	h := &TTSHandler{
		BaseHandler: *core.NewBaseHandler(service, nil, nil, logger),
		config:      config,
	}
	h.SetHandleEventFunc(h.handleEvent)
	return h
}

// WithBackupService appends a fallback synthesizer, tried in order when the
// active one reports a fatal error. Returns the handler to allow chaining.
func (h *TTSHandler) WithBackupService(service TTSService) *TTSHandler {
	h.BackupServices = append(h.BackupServices, service)
	return h
}

func (h *TTSHandler) Initialize(
	inputChan <-chan *core.EventPacket,
	outputNextChan chan<- *core.EventPacket,
	outputTopChan chan<- *core.EventPacket,
	ctx context.Context,
) error {
	// Providers hand audio over with non-blocking sends and drop on a full
	// channel, so give the audio path plenty of room.
	h.audioChunkOutChan = make(chan core.AudioChunk, 64)
	h.errorChan = make(chan error, 4)
	h.doneChan = make(chan bool, 2)
	h.idleChan = make(chan struct{}, 1)
	return h.BaseHandler.Initialize(inputChan, outputNextChan, outputTopChan, ctx)
}

func (h *TTSHandler) Start() error {
	if err := h.Service.(TTSService).StartTTSSession(h.audioChunkOutChan, h.errorChan, h.doneChan); err != nil {
		return err
	}
	go h.eventLoop()
	return nil
}

func (h *TTSHandler) eventLoop() {
	for {
		select {
		case chunk := <-h.audioChunkOutChan:
			h.onAudioChunk(chunk)
		case err := <-h.errorChan:
			h.HandleError(err)
		case <-h.doneChan:
			// Provider closed the synthesis stream.
			h.onIdle()
		case <-h.idleChan:
			h.onIdle()
		case packet := <-h.InputChan:
			if err := h.HandleEvent(packet); err != nil {
				h.Logger.With(map[string]interface{}{
					"event": packet.Event.GetId(),
					"error": err.Error(),
				}).Error("TTSHandler: event processing failed")
			}
		case <-h.Ctx.Done():
			return
		}
	}
}

func (h *TTSHandler) handleEvent(packet *core.EventPacket) error {
	switch event := packet.Event.(type) {
	case *llm.LLMResponseStartedEvent:
		h.textBuffer.Reset()
		h.responseDone = false

	case *llm.LLMResponseChunkEvent:
		if event.ConsumeImmediately {
			// Filler text: speak it right away, ahead of the main response.
			h.speakNow(event.Chunk)
		} else {
			h.textBuffer.WriteString(event.Chunk)
			h.flushBufferAtBreakWord()
		}

	case *llm.LLMResponseCompletedEvent:
		if remaining := h.textBuffer.String(); remaining != "" {
			h.submitSegment(remaining)
			h.textBuffer.Reset()
		}
		h.flushService()
		h.responseDone = true

	case *tts.TTSSpeakEvent:
		// Direct speak request, bypassing the LLM chunk pipeline.
		h.speakNow(event.Text)
		return nil

	case *vad.VadInterruptionConfirmedEvent:
		// Cancel in-flight synthesis and drop unsubmitted text. The
		// activity-control stage broadcasts the speaking-ended event after it
		// drops its cache, so none is emitted here.
		h.textBuffer.Reset()
		h.responseDone = false
		h.speaking = false
		h.stopIdleTimer()
		if err := h.Service.Reset(); err != nil {
			h.HandleError(err)
		}

	case *tts.TTSSpeakingEndedEvent:
		// Broadcast from another stage (or our own echo).
		h.speaking = false
		h.stopIdleTimer()
	}
	h.SendPacket(packet)
	return nil
}

// flushBufferAtBreakWord submits the buffered text up to and including the
// last break word, provided that prefix is long enough to be worth
// synthesizing. The remainder stays buffered for the next chunk.
func (h *TTSHandler) flushBufferAtBreakWord() {
	buffered := h.textBuffer.String()

	cut := -1
	for _, bw := range h.config.BreakWords {
		if idx := strings.LastIndex(buffered, bw); idx >= 0 && idx+len(bw) > cut {
			cut = idx + len(bw)
		}
	}
	if cut < h.config.MinTextLength {
		return
	}

	h.submitSegment(buffered[:cut])
	h.textBuffer.Reset()
	h.textBuffer.WriteString(buffered[cut:])
}

// submitSegment normalizes a text segment, hands it to the provider, and
// mirrors it downstream as a spoken-text chunk.
func (h *TTSHandler) submitSegment(text string) {
	normalized := normalizeTextForTTS(text)
	if normalized == "" {
		return
	}
	if err := h.Service.(TTSService).BufferText(normalized); err != nil {
		h.HandleError(err)
		return
	}
	h.SendPacket(core.NewEventPacket(
		&tts.TTSSpokenTextChunkEvent{Text: normalized},
		core.EventRelayDestinationNextService,
		"TTSHandler",
	))
}

// speakNow submits text and flushes immediately, for fillers and direct
// speak requests that should not wait for more input.
func (h *TTSHandler) speakNow(text string) {
	h.submitSegment(text)
	h.flushService()
	h.responseDone = true
}

func (h *TTSHandler) flushService() {
	if err := h.Service.(TTSService).Flush(); err != nil {
		h.HandleError(err)
	}
}

func (h *TTSHandler) onAudioChunk(chunk core.AudioChunk) {
	if !h.speaking {
		h.speaking = true
		h.SendPacket(core.NewEventPacket(
			&tts.TTSSpeakingStartedEvent{},
			core.EventRelayDestinationTopService,
			"TTSHandler",
		))
	}
	h.SendPacket(core.NewEventPacket(
		&tts.TTSOutputEvent{AudioChunk: chunk},
		core.EventRelayDestinationNextService,
		"TTSHandler",
	))
	h.armIdleTimer()
}

// onIdle fires when no audio has arrived for SpeechIdleTimeout. Mid-response
// stalls are ignored; only a fully submitted response can end the turn.
func (h *TTSHandler) onIdle() {
	if !h.speaking || !h.responseDone {
		return
	}
	h.speaking = false
	h.SendPacket(core.NewEventPacket(
		&tts.TTSSpeakingEndedEvent{},
		core.EventRelayDestinationTopService,
		"TTSHandler",
	))
}

func (h *TTSHandler) armIdleTimer() {
	h.stopIdleTimer()
	h.idleTimer = time.AfterFunc(h.config.SpeechIdleTimeout, func() {
		select {
		case h.idleChan <- struct{}{}:
		default:
		}
	})
}

func (h *TTSHandler) stopIdleTimer() {
	if h.idleTimer != nil {
		h.idleTimer.Stop()
		h.idleTimer = nil
	}
}

func (h *TTSHandler) Cleanup() error {
	h.stopIdleTimer()
	return h.BaseHandler.Cleanup()
}

func (h *TTSHandler) Reset() error {
	h.textBuffer.Reset()
	h.speaking = false
	h.responseDone = false
	h.stopIdleTimer()
	return h.BaseHandler.Reset()
}
