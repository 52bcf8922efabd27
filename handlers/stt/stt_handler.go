package stt

import (
	"context"

	"spritebot/core"
	"spritebot/events/stt"
	"spritebot/events/vad"
)

// ISTTService is the contract for streaming speech-to-text providers.
type ISTTService interface {
	core.IService
	// StartTranscriptionSession begins streaming transcription. Final
	// transcripts arrive on outChan, partials on interimOutputChan. Must not
	// block; the session lives until the handler's context is cancelled.
	StartTranscriptionSession(outChan chan<- string, interimOutputChan chan<- string, fatalServiceErrorChan chan<- error)
	SendTranscriptionAudio(chunk core.AudioChunk) error
}

// ITranscriptionFlusher is implemented by services that can force the
// provider to finalize whatever partial transcript it is holding.
type ITranscriptionFlusher interface {
	Flush() error
}

// STTHandler feeds VAD-classified audio to a streaming transcription service
// and emits STTInterimOutputEvent / STTFinalOutputEvent downstream. Audio
// chunk events are consumed here; everything else is relayed unchanged.
type STTHandler struct {
	core.BaseHandler
	messageOutChan chan string
	interimOutChan chan string
	config         STTConfig
}

func NewSTTHandler(service ISTTService, config STTConfig, logger *core.Logger) *STTHandler {
	h := &STTHandler{
		BaseHandler: *core.NewBaseHandler(service, nil, nil, logger),
		config:      config,
	}
	h.SetHandleEventFunc(h.handleEvent)
	return h
}

// WithBackupService appends a fallback transcription service, tried in order
// when the active one reports a fatal error.
func (h *STTHandler) WithBackupService(service ISTTService) *STTHandler {
	h.BackupServices = append(h.BackupServices, service)
	return h
}

func (h *STTHandler) Initialize(
	inputChan <-chan *core.EventPacket,
	outputNextChan chan<- *core.EventPacket,
	outputTopChan chan<- *core.EventPacket,
	ctx context.Context,
) error {
	// Services hand transcripts over with non-blocking sends, so a small
	// buffer keeps results from being dropped while the loop is busy.
	h.messageOutChan = make(chan string, 16)
	h.interimOutChan = make(chan string, 16)
	return h.BaseHandler.Initialize(inputChan, outputNextChan, outputTopChan, ctx)
}

func (h *STTHandler) Start() error {
	h.Service.(ISTTService).StartTranscriptionSession(h.messageOutChan, h.interimOutChan, h.FatalServiceErrorChan)
	go h.eventLoop()
	return nil
}

func (h *STTHandler) eventLoop() {
	for {
		select {
		case transcript := <-h.messageOutChan:
			h.SendPacket(core.NewEventPacket(
				&stt.STTFinalOutputEvent{Text: transcript},
				core.EventRelayDestinationNextService,
				"STTHandler",
			))
		case transcript := <-h.interimOutChan:
			h.SendPacket(core.NewEventPacket(
				&stt.STTInterimOutputEvent{Text: transcript},
				core.EventRelayDestinationNextService,
				"STTHandler",
			))
		case packet := <-h.InputChan:
			if err := h.HandleEvent(packet); err != nil {
				h.Logger.With(map[string]interface{}{
					"event": packet.Event.GetId(),
					"error": err.Error(),
				}).Error("STTHandler: event processing failed")
			}
		case <-h.Ctx.Done():
			return
		}
	}
}

func (h *STTHandler) handleEvent(packet *core.EventPacket) error {
	switch event := packet.Event.(type) {
	case *vad.VADUserSpeechChunkEvent:
		// Consumed here; downstream handlers work on transcripts, not audio.
		h.sendAudio(event.AudioChunk)
		return nil

	case *vad.VADSilenceChunkEvent:
		if h.config.SendSilenceAudio {
			h.sendAudio(event.AudioChunk)
		}
		return nil

	case *vad.VadUserSpeechEndedEvent:
		if h.config.FlushOnSpeechEnded {
			if flusher, ok := h.Service.(ITranscriptionFlusher); ok {
				if err := flusher.Flush(); err != nil {
					h.Logger.With(map[string]interface{}{"error": err.Error()}).Warn("STTHandler: transcript flush failed")
				}
			}
		}
	}
	h.SendPacket(packet)
	return nil
}

func (h *STTHandler) sendAudio(chunk core.AudioChunk) {
	if err := h.Service.(ISTTService).SendTranscriptionAudio(chunk); err != nil {
		// Transient send failures are the service's problem to recover from;
		// it reports unrecoverable ones on the fatal error channel itself.
		h.Logger.With(map[string]interface{}{"error": err.Error()}).Debug("STTHandler: audio send failed")
	}
}
