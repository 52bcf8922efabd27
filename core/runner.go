package core

import (
	"context"
	"errors"
)

const runnerChannelBuffer = 100

// Runner owns a pipeline of handlers. It wires each handler's output to the
// next handler's input, re-injects top-destined packets at the head of the
// chain, and closes Finished when the session ends (EndCallEvent or
// CriticalErrorEvent reaching the runner).
type Runner struct {
	Handlers []IHandler

	// Finished is closed exactly once when the pipeline terminates on its own.
	Finished chan struct{}

	logger       *Logger
	ctx          context.Context
	cancel       context.CancelFunc
	topChan      chan *EventPacket
	tailChan     chan *EventPacket
	headChan     chan *EventPacket
	external     *ExternalEventHandler
	finishCalled bool
}

func NewRunner(handlers []IHandler, logger *Logger) *Runner {
	if logger == nil {
		logger = GetLogger()
	}
	return &Runner{
		Handlers: handlers,
		Finished: make(chan struct{}),
		logger:   logger.With(map[string]interface{}{"component": "runner"}),
	}
}

// SetExternalEventHandler attaches the WebSocket bridge. Must be called before
// Start. IExternalOutputEvent packets observed by the runner are broadcast to
// its clients, and it gains write access to the pipeline top.
func (r *Runner) SetExternalEventHandler(ext *ExternalEventHandler) {
	r.external = ext
}

// Start initializes and starts every handler, then begins routing. It returns
// an error if any handler fails to initialize or start; in that case all
// already-started handlers are cleaned up.
func (r *Runner) Start() error {
	if len(r.Handlers) == 0 {
		return errors.New("runner: no handlers")
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.topChan = make(chan *EventPacket, runnerChannelBuffer)
	r.tailChan = make(chan *EventPacket, runnerChannelBuffer)

	inputChans := make([]chan *EventPacket, len(r.Handlers))
	for i := range inputChans {
		inputChans[i] = make(chan *EventPacket, runnerChannelBuffer)
	}
	r.headChan = inputChans[0]

	for i, handler := range r.Handlers {
		var next chan<- *EventPacket
		if i < len(r.Handlers)-1 {
			next = inputChans[i+1]
		} else {
			next = r.tailChan
		}

		if err := handler.Initialize(inputChans[i], next, r.topChan, r.ctx); err != nil {
			r.teardown(i)
			r.cancel()
			return err
		}
		if err := handler.Start(); err != nil {
			r.teardown(i + 1)
			r.cancel()
			return err
		}
	}

	if r.external != nil {
		r.external.Initialize(r.topChan, r.ctx)
	}

	go r.route()
	return nil
}

// route is the runner's event loop: packets destined for the top are echoed
// into the first handler, packets leaving the tail are dropped (every handler
// has already seen them), and terminal events end the session.
func (r *Runner) route() {
	for {
		select {
		case packet := <-r.topChan:
			r.mirrorExternal(packet)
			if r.handleTerminal(packet) {
				return
			}
			select {
			case r.headChan <- packet:
			case <-r.ctx.Done():
				return
			}

		case packet := <-r.tailChan:
			r.mirrorExternal(packet)
			if r.handleTerminal(packet) {
				return
			}

		case <-r.ctx.Done():
			return
		}
	}
}

// handleTerminal reports whether the packet ends the session and, if so,
// closes Finished.
func (r *Runner) handleTerminal(packet *EventPacket) bool {
	switch ev := packet.Event.(type) {
	case *EndCallEvent:
		r.logger.With(map[string]interface{}{"reason": ev.Reason}).Info("runner: end of call requested")
	case *CriticalErrorEvent:
		r.logger.With(map[string]interface{}{"error": ev.Error}).Error("runner: critical error, ending session")
	default:
		return false
	}
	r.finish()
	return true
}

func (r *Runner) mirrorExternal(packet *EventPacket) {
	if r.external == nil {
		return
	}
	if _, ok := packet.Event.(IExternalOutputEvent); ok {
		r.external.Broadcast(packet)
	}
}

func (r *Runner) finish() {
	if r.finishCalled {
		return
	}
	r.finishCalled = true
	close(r.Finished)
}

// Stop cancels the pipeline context and cleans up all handlers. Safe to call
// after the runner finished on its own.
func (r *Runner) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	return r.teardown(len(r.Handlers))
}

// Reset returns every handler to its initial state without tearing down the
// pipeline. Used between conversation turns.
func (r *Runner) Reset() error {
	var errs []error
	for _, handler := range r.Handlers {
		if err := handler.Reset(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) teardown(n int) error {
	var errs []error
	for i := 0; i < n && i < len(r.Handlers); i++ {
		if err := r.Handlers[i].Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
