package transport

import (
	"context"
	"sync"

	"spritebot/core"
	"spritebot/events/transport"
	"spritebot/events/tts"
	"spritebot/utils/audio"
)

// ITransportService is the contract between the pipeline and a transport
// backend (Daily relay, LiveKit room, Twilio stream, raw WebSocket).
type ITransportService interface {
	core.IService

	// Connect establishes or verifies the underlying connection.
	Connect() error

	// StartReceiving pushes inbound media onto outputChan until the
	// connection ends. Unrecoverable failures go to errorChan.
	StartReceiving(outputChan chan<- core.MediaChunk, errorChan chan<- error)

	// SendEvent renders a pipeline event onto the wire. Services ignore
	// event types they have no representation for.
	SendEvent(event core.IEvent) error
}

// IParticipantEventSource is implemented by transport services that surface
// room membership changes (joins, leaves) as pipeline events.
type IParticipantEventSource interface {
	ParticipantEvents() <-chan core.IEvent
}

// TransportHandlerWrapper shares one transport service between the input
// handler at the head of the pipeline and the output handler near the tail,
// connecting it exactly once.
type TransportHandlerWrapper struct {
	service ITransportService
	config  Config
	logger  *core.Logger

	connectOnce sync.Once
	connectErr  error
}

// NewTransportHandlerWrapper wires a transport service for use as pipeline
// head and tail. Use DefaultConfig() and override only what you need.
func NewTransportHandlerWrapper(service ITransportService, config Config, logger *core.Logger) *TransportHandlerWrapper {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &TransportHandlerWrapper{
		service: service,
		config:  config,
		logger:  logger,
	}
}

func (w *TransportHandlerWrapper) connect() error {
	w.connectOnce.Do(func() {
		w.connectErr = w.service.Connect()
	})
	return w.connectErr
}

func (w *TransportHandlerWrapper) GetInputHandler() *TransportInputHandler {
	h := &TransportInputHandler{
		BaseHandler: *core.NewBaseHandler(w.service, nil, nil, w.logger),
		config:      w.config,
		wrapper:     w,
	}
	h.SetHandleEventFunc(h.handleEvent)
	return h
}

func (w *TransportHandlerWrapper) GetOutputHandler() *TransportOutputHandler {
	h := &TransportOutputHandler{
		BaseHandler: *core.NewBaseHandler(w.service, nil, nil, w.logger),
		config:      w.config,
		wrapper:     w,
	}
	h.SetHandleEventFunc(h.handleEvent)
	return h
}

// TransportInputHandler turns inbound media chunks into pipeline events. It
// sits at the head of the pipeline, so packets arriving on its input channel
// are top re-injections that just need relaying.
type TransportInputHandler struct {
	core.BaseHandler
	config  Config
	wrapper *TransportHandlerWrapper
}

func (h *TransportInputHandler) Initialize(
	inputChan <-chan *core.EventPacket,
	outputNextChan chan<- *core.EventPacket,
	outputTopChan chan<- *core.EventPacket,
	ctx context.Context,
) error {
	if err := h.BaseHandler.Initialize(inputChan, outputNextChan, outputTopChan, ctx); err != nil {
		return err
	}
	return h.wrapper.connect()
}

func (h *TransportInputHandler) Start() error {
	mediaChan := make(chan core.MediaChunk, 32)
	errorChan := make(chan error, 1)

	go h.Service.(ITransportService).StartReceiving(mediaChan, errorChan)

	var participantChan <-chan core.IEvent
	if src, ok := h.Service.(IParticipantEventSource); ok {
		participantChan = src.ParticipantEvents()
	}

	go func() {
		for {
			select {
			case chunk := <-mediaChan:
				h.relayMedia(chunk)

			case ev := <-participantChan:
				h.relayParticipant(ev)

			case err := <-errorChan:
				h.HandleError(err)

			case packet := <-h.InputChan:
				if err := h.HandleEvent(packet); err != nil {
					h.Logger.With(map[string]interface{}{"error": err.Error()}).Error("transport input: event processing failed")
				}

			case <-h.Ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (h *TransportInputHandler) relayMedia(chunk core.MediaChunk) {
	if chunk.Audio.Data != nil && len(*chunk.Audio.Data) > 0 {
		h.SendPacket(core.NewEventPacket(
			&transport.TransportAudioInputEvent{AudioChunk: chunk.Audio},
			core.EventRelayDestinationNextService,
			"TransportInputHandler",
		))
	}
	if chunk.Video.Data != nil && len(*chunk.Video.Data) > 0 {
		h.SendPacket(core.NewEventPacket(
			&transport.TransportVideoInputEvent{VideoChunk: chunk.Video},
			core.EventRelayDestinationNextService,
			"TransportInputHandler",
		))
	}
	if chunk.Text.Text != "" {
		h.SendPacket(core.NewEventPacket(
			&transport.TransportTextInputEvent{Text: chunk.Text.Text},
			core.EventRelayDestinationNextService,
			"TransportInputHandler",
		))
	}
}

func (h *TransportInputHandler) relayParticipant(ev core.IEvent) {
	if ev == nil {
		return
	}
	h.SendPacket(core.NewEventPacket(ev, core.EventRelayDestinationNextService, "TransportInputHandler"))

	if left, ok := ev.(*transport.ParticipantLeftEvent); ok && h.config.EndOnParticipantLeft {
		h.Logger.With(map[string]interface{}{"participant": left.ParticipantID}).Info("transport input: participant left, ending call")
		h.SendPacket(core.NewEventPacket(
			&core.EndCallEvent{Reason: "participant left"},
			core.EventRelayDestinationTopService,
			"TransportInputHandler",
		))
	}
}

func (h *TransportInputHandler) handleEvent(packet *core.EventPacket) error {
	h.SendPacket(packet)
	return nil
}

// TransportOutputHandler renders pipeline events onto the wire. TTS audio is
// normalized to the configured output format first; every packet is still
// relayed downstream so later handlers observe the full stream.
type TransportOutputHandler struct {
	core.BaseHandler
	config  Config
	wrapper *TransportHandlerWrapper
}

func (h *TransportOutputHandler) Initialize(
	inputChan <-chan *core.EventPacket,
	outputNextChan chan<- *core.EventPacket,
	outputTopChan chan<- *core.EventPacket,
	ctx context.Context,
) error {
	if err := h.BaseHandler.Initialize(inputChan, outputNextChan, outputTopChan, ctx); err != nil {
		return err
	}
	return h.wrapper.connect()
}

func (h *TransportOutputHandler) handleEvent(packet *core.EventPacket) error {
	if e, ok := packet.Event.(*tts.TTSOutputEvent); ok && h.config.OutSampleRate > 0 {
		converted, err := audio.ConvertAudioChunk(
			e.AudioChunk, h.config.OutAudioFormat, h.config.OutChannels, h.config.OutSampleRate,
		)
		if err != nil {
			h.Logger.With(map[string]interface{}{"error": err.Error()}).Error("transport output: audio conversion failed")
			h.SendPacket(packet)
			return err
		}
		e.AudioChunk = converted
	}

	if err := h.Service.(ITransportService).SendEvent(packet.Event); err != nil {
		// A send failure is not necessarily fatal: the receive side reports
		// dead connections through its own error channel.
		h.Logger.With(map[string]interface{}{"event": packet.Event.GetId(), "error": err.Error()}).Error("transport output: send failed")
	}

	h.SendPacket(packet)
	return nil
}
