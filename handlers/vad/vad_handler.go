package vad

import (
	"sync"

	"spritebot/core"
	"spritebot/events/transport"
	"spritebot/events/tts"
	"spritebot/events/vad"
)

// VADService scores an audio chunk for voice activity. Ready is false until
// the detector has buffered a full analysis window.
type VADService interface {
	core.IService
	ProcessAudio(input core.AudioChunk) (core.VADResult, error)
}

// VADHandler classifies inbound transport audio into user-speech and silence
// chunks and tracks turn boundaries: it emits VadUserSpeechStartedEvent when
// speech begins, VadUserSpeechEndedEvent once silence outlasts the configured
// patience, and the interruption suspected/confirmed pair when the user talks
// over the bot. The raw TransportAudioInputEvent is consumed here; downstream
// handlers only ever see classified chunks.
type VADHandler struct {
	core.BaseHandler
	config VADConfig

	mu            sync.Mutex
	userSpeaking  bool
	botSpeaking   bool
	suspicion     bool    // interruption suspected, not yet confirmed
	speechRunSecs float32 // consecutive speech while a suspicion is pending
	silenceSecs   float32 // consecutive silence since the last speech chunk
	patienceSecs  float32
}

func NewVADHandler(service VADService, config VADConfig, logger *core.Logger) *VADHandler {
	if config.VadPatienceSeconds == 0 {
		config.VadPatienceSeconds = 0.8
	}
	if config.InterruptionConfirmSeconds == 0 {
		config.InterruptionConfirmSeconds = 0.4
	}
	h := &VADHandler{
		BaseHandler:  *core.NewBaseHandler(service, nil, nil, logger),
		config:       config,
		patienceSecs: config.VadPatienceSeconds,
	}
	h.SetHandleEventFunc(h.handleEvent)
	return h
}

func (h *VADHandler) handleEvent(packet *core.EventPacket) error {
	switch event := packet.Event.(type) {
	case *transport.TransportAudioInputEvent:
		h.classify(event.AudioChunk)
		return nil

	case *tts.TTSSpeakingStartedEvent:
		h.mu.Lock()
		h.botSpeaking = true
		h.mu.Unlock()

	case *tts.TTSSpeakingEndedEvent:
		h.mu.Lock()
		h.botSpeaking = false
		h.mu.Unlock()
	}
	h.SendPacket(packet)
	return nil
}

func (h *VADHandler) classify(chunk core.AudioChunk) {
	result, err := h.Service.(VADService).ProcessAudio(chunk)
	if err != nil {
		h.HandleError(err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Until the detector has a full window, the chunk keeps the previous
	// classification so the audio stream reaches STT without gaps.
	speech := h.userSpeaking
	if result.Ready {
		speech = result.Confidence >= h.config.MinConfidence
	}

	if speech {
		h.onSpeechChunk(chunk)
	} else {
		h.onSilenceChunk(chunk)
	}
}

func (h *VADHandler) onSpeechChunk(chunk core.AudioChunk) {
	h.silenceSecs = 0

	if !h.userSpeaking {
		h.userSpeaking = true
		h.speechRunSecs = 0
		h.send(&vad.VadUserSpeechStartedEvent{})

		if h.botSpeaking && h.config.AllowInterruptions && !h.suspicion {
			h.suspicion = true
			h.Logger.Debug("VADHandler: user speech during bot output, interruption suspected")
			h.send(&vad.VadInterruptionSuspectedEvent{})
		}
	}

	h.send(&vad.VADUserSpeechChunkEvent{AudioChunk: chunk})

	if h.suspicion {
		h.speechRunSecs += float32(chunk.GetDurationInSeconds())
		if h.speechRunSecs >= h.config.InterruptionConfirmSeconds {
			h.suspicion = false
			// Users who interrupt tend to keep going; give them more slack
			// before their turn is considered over.
			h.patienceSecs += h.config.VadPatienceIncreaseOnInterruption
			h.Logger.Info("VADHandler: interruption confirmed")
			h.send(&vad.VadInterruptionConfirmedEvent{})
		}
	}
}

func (h *VADHandler) onSilenceChunk(chunk core.AudioChunk) {
	h.send(&vad.VADSilenceChunkEvent{AudioChunk: chunk})

	if !h.userSpeaking {
		return
	}
	h.silenceSecs += float32(chunk.GetDurationInSeconds())
	if h.silenceSecs < h.patienceSecs {
		return
	}

	h.userSpeaking = false
	h.suspicion = false
	h.speechRunSecs = 0
	h.send(&vad.VadUserSpeechEndedEvent{})
}

func (h *VADHandler) send(event core.IEvent) {
	h.SendPacket(core.NewEventPacket(event, core.EventRelayDestinationNextService, "VADHandler"))
}

func (h *VADHandler) Reset() error {
	h.mu.Lock()
	h.userSpeaking = false
	h.botSpeaking = false
	h.suspicion = false
	h.speechRunSecs = 0
	h.silenceSecs = 0
	h.patienceSecs = h.config.VadPatienceSeconds
	h.mu.Unlock()
	return h.BaseHandler.Reset()
}
