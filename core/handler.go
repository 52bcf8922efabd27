package core

import (
	"context"
	"errors"
)

// IService is the lifecycle contract for anything a handler drives: a cloud
// API client, a local inference session, a transport connection.
type IService interface {
	Initialize(ctx context.Context) error
	Cleanup() error
	Reset() error
}

// IHandler is one stage of the pipeline. The Runner wires each handler's
// input channel to the previous handler's output and starts them in order.
type IHandler interface {
	Initialize(
		inputChan <-chan *EventPacket,
		outputNextChan chan<- *EventPacket,
		outputTopChan chan<- *EventPacket,
		ctx context.Context,
	) error
	Start() error // Begins consuming events. Must not block.
	HandleEvent(packet *EventPacket) error

	Cleanup() error
	Reset() error // Returns the handler to its initial state between turns.
}

// BaseHandler carries the common plumbing: channels, context, logger, the
// primary service plus backups, and the fatal-error / failover loop. Concrete
// handlers embed it and register their HandleEvent via SetHandleEventFunc.
type BaseHandler struct {
	Service               IService
	BackupServices        []IService
	Ctx                   context.Context
	InputChan             <-chan *EventPacket
	Logger                *Logger
	FatalServiceErrorChan chan error

	outputNextChan  chan<- *EventPacket
	outputTopChan   chan<- *EventPacket
	handleEventFunc func(packet *EventPacket) error
}

func NewBaseHandler(service IService, backupServices []IService, handleEventFunc func(*EventPacket) error, logger *Logger) *BaseHandler {
	if logger == nil {
		logger = GetLogger()
	}
	return &BaseHandler{
		Service:         service,
		BackupServices:  backupServices,
		handleEventFunc: handleEventFunc,
		Logger:          logger,
	}
}

// SetHandleEventFunc points the default event loop at the embedding handler's
// HandleEvent. Without it, packets are relayed downstream unchanged.
func (h *BaseHandler) SetHandleEventFunc(fn func(packet *EventPacket) error) {
	h.handleEventFunc = fn
}

func (h *BaseHandler) Initialize(
	inputChan <-chan *EventPacket,
	outputNextChan chan<- *EventPacket,
	outputTopChan chan<- *EventPacket,
	ctx context.Context,
) error {
	h.InputChan = inputChan
	h.outputNextChan = outputNextChan
	h.outputTopChan = outputTopChan
	h.FatalServiceErrorChan = make(chan error)
	h.Ctx = ctx
	go h.fatalErrorHandlerLoop()
	return h.Service.Initialize(ctx)
}

// Start runs the default event loop. Handlers that own extra channels
// (service output, timers) override it with their own select loop.
func (h *BaseHandler) Start() error {
	go func() {
		for {
			select {
			case packet := <-h.InputChan:
				if err := h.HandleEvent(packet); err != nil {
					h.Logger.With(map[string]interface{}{"event": packet.Event.GetId(), "error": err.Error()}).Error("handler: event processing failed")
				}
			case <-h.Ctx.Done():
				return
			}
		}
	}()
	return nil
}

// HandleEvent dispatches to the registered handle func, or relays the packet
// unchanged when none is set.
func (h *BaseHandler) HandleEvent(packet *EventPacket) error {
	if h.handleEventFunc != nil {
		return h.handleEventFunc(packet)
	}
	h.SendPacket(packet)
	return nil
}

func (h *BaseHandler) Cleanup() error {
	return h.Service.Cleanup()
}

func (h *BaseHandler) Reset() error {
	return h.Service.Reset()
}

// SwitchToBackupService replaces the failed primary with the next backup and
// initializes it on the live context.
func (h *BaseHandler) SwitchToBackupService() error {
	if len(h.BackupServices) == 0 {
		return errors.New("no backup services available")
	}
	h.Service = h.BackupServices[0]
	if err := h.Service.Initialize(h.Ctx); err != nil {
		return err
	}
	h.BackupServices = h.BackupServices[1:]
	return nil
}

func (h *BaseHandler) SendPacket(packet *EventPacket) {
	switch packet.Destination {
	case EventRelayDestinationTopService:
		h.outputTopChan <- packet
	default:
		h.outputNextChan <- packet
	}
}

// HandleError reports a fatal service error to the failover loop.
func (h *BaseHandler) HandleError(err error) {
	h.FatalServiceErrorChan <- err
}

func (h *BaseHandler) fatalErrorHandlerLoop() {
	for {
		select {
		case err := <-h.FatalServiceErrorChan:
			h.Logger.With(map[string]interface{}{"error": err.Error()}).Error("handler: fatal service error")
			if switchErr := h.SwitchToBackupService(); switchErr != nil {
				// Nothing left to fail over to. Tell the runner so it can end the session.
				h.SendPacket(NewEventPacket(
					&CriticalErrorEvent{Error: err.Error()},
					EventRelayDestinationTopService,
					"BaseHandler",
				))
				return
			}
			h.Logger.Warn("handler: switched to backup service")
			h.SendPacket(NewEventPacket(
				&WarningEvent{Error: err.Error()},
				EventRelayDestinationTopService,
				"BaseHandler",
			))
		case <-h.Ctx.Done():
			return
		}
	}
}
