package factories

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"spritebot/core"
	"spritebot/handlers/transport"
)

// scriptedPipelineHandler is a minimal pipeline stage. With endAfter set it
// requests the end of the call once started, letting Run finish on its own.
type scriptedPipelineHandler struct {
	mu       sync.Mutex
	started  bool
	cleanups int
	startErr error
	endAfter time.Duration

	topChan chan<- *core.EventPacket
}

func (h *scriptedPipelineHandler) Initialize(
	inputChan <-chan *core.EventPacket,
	outputNextChan chan<- *core.EventPacket,
	outputTopChan chan<- *core.EventPacket,
	ctx context.Context,
) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topChan = outputTopChan
	return nil
}

func (h *scriptedPipelineHandler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.startErr != nil {
		return h.startErr
	}
	h.started = true
	if h.endAfter > 0 {
		top := h.topChan
		delay := h.endAfter
		go func() {
			time.Sleep(delay)
			top <- core.NewEventPacket(&core.EndCallEvent{Reason: "scripted"}, core.EventRelayDestinationTopService, "scriptedPipelineHandler")
		}()
	}
	return nil
}

func (h *scriptedPipelineHandler) HandleEvent(packet *core.EventPacket) error { return nil }

func (h *scriptedPipelineHandler) Cleanup() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups++
	return nil
}

func (h *scriptedPipelineHandler) Reset() error { return nil }

func (h *scriptedPipelineHandler) wasStarted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

func (h *scriptedPipelineHandler) cleanupCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cleanups
}

// nullTransportService satisfies ITransportService without any wire behind it.
type nullTransportService struct{}

func (nullTransportService) Initialize(ctx context.Context) error                { return nil }
func (nullTransportService) Cleanup() error                                      { return nil }
func (nullTransportService) Reset() error                                        { return nil }
func (nullTransportService) Connect() error                                      { return nil }
func (nullTransportService) StartReceiving(chan<- core.MediaChunk, chan<- error) {}
func (nullTransportService) SendEvent(core.IEvent) error                         { return nil }

type fakeProvider struct {
	mu      sync.Mutex
	handler func(transport.ITransportService, context.Context) error
	regErr  error
	started chan struct{}
	stopped chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (p *fakeProvider) RegisterJobHandler(fn func(transport.ITransportService, context.Context) error) error {
	if p.regErr != nil {
		return p.regErr
	}
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) Start() error {
	close(p.started)
	return nil
}

func (p *fakeProvider) Stop() error {
	close(p.stopped)
	return nil
}

func (p *fakeProvider) jobHandler() func(transport.ITransportService, context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

func TestPipelineRunCompletesWhenSessionEnds(t *testing.T) {
	handler := &scriptedPipelineHandler{endAfter: 20 * time.Millisecond}
	var builtFor transport.ITransportService
	builder := func(svc transport.ITransportService, ctx context.Context) ([]core.IHandler, error) {
		builtFor = svc
		return []core.IHandler{handler}, nil
	}

	p := NewPipeline(builder, PipelineConfig{}, newTestLogger())
	svc := nullTransportService{}
	require.NoError(t, p.Run(svc, context.Background()))

	require.Equal(t, transport.ITransportService(svc), builtFor)
	require.True(t, handler.wasStarted())
	require.Equal(t, 1, handler.cleanupCount(), "handlers are cleaned up after a natural finish")
}

func TestPipelineRunSkipsCancelledContext(t *testing.T) {
	built := false
	builder := func(svc transport.ITransportService, ctx context.Context) ([]core.IHandler, error) {
		built = true
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPipeline(builder, PipelineConfig{}, newTestLogger())
	require.NoError(t, p.Run(nullTransportService{}, ctx))
	require.False(t, built)
}

func TestPipelineRunSkipsNilService(t *testing.T) {
	built := false
	builder := func(svc transport.ITransportService, ctx context.Context) ([]core.IHandler, error) {
		built = true
		return nil, nil
	}

	p := NewPipeline(builder, PipelineConfig{}, newTestLogger())
	require.NoError(t, p.Run(nil, context.Background()))
	require.False(t, built)
}

func TestPipelineRunPropagatesBuilderError(t *testing.T) {
	boom := errors.New("no stt provider configured")
	builder := func(svc transport.ITransportService, ctx context.Context) ([]core.IHandler, error) {
		return nil, boom
	}

	p := NewPipeline(builder, PipelineConfig{}, newTestLogger())
	require.ErrorIs(t, p.Run(nullTransportService{}, context.Background()), boom)
}

func TestPipelineRunReportsHandlerStartFailure(t *testing.T) {
	handler := &scriptedPipelineHandler{startErr: errors.New("bind failed")}
	builder := func(svc transport.ITransportService, ctx context.Context) ([]core.IHandler, error) {
		return []core.IHandler{handler}, nil
	}

	p := NewPipeline(builder, PipelineConfig{}, newTestLogger())
	require.EqualError(t, p.Run(nullTransportService{}, context.Background()), "bind failed")
	require.Equal(t, 1, handler.cleanupCount(), "initialized handlers are cleaned up on start failure")
}

func TestPipelineRunTimesOut(t *testing.T) {
	handler := &scriptedPipelineHandler{} // never ends the call
	builder := func(svc transport.ITransportService, ctx context.Context) ([]core.IHandler, error) {
		return []core.IHandler{handler}, nil
	}

	p := NewPipeline(builder, PipelineConfig{Timeout: 50 * time.Millisecond}, newTestLogger())
	require.ErrorIs(t, p.Run(nullTransportService{}, context.Background()), context.DeadlineExceeded)
	require.Equal(t, 1, handler.cleanupCount())
}

func TestPipelineRunStopsOnContextCancel(t *testing.T) {
	handler := &scriptedPipelineHandler{}
	builder := func(svc transport.ITransportService, ctx context.Context) ([]core.IHandler, error) {
		return []core.IHandler{handler}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	p := NewPipeline(builder, PipelineConfig{}, newTestLogger())
	require.NoError(t, p.Run(nullTransportService{}, ctx))
	require.Equal(t, 1, handler.cleanupCount())
}

func TestPipelineRunFinishesOnExternalEndCall(t *testing.T) {
	handler := &scriptedPipelineHandler{}
	builder := func(svc transport.ITransportService, ctx context.Context) ([]core.IHandler, error) {
		return []core.IHandler{handler}, nil
	}

	ext := core.NewExternalEventHandler(newTestLogger())
	p := NewPipeline(builder, PipelineConfig{}, newTestLogger()).WithExternalEvents(ext)

	done := make(chan error, 1)
	go func() { done <- p.Run(nullTransportService{}, context.Background()) }()

	// The bridge only accepts input once the runner has attached, so keep
	// hanging up until the session ends.
	require.Eventually(t, func() bool {
		ext.SendInput(&core.EndCallEvent{Reason: "remote hangup"}, "external-ws")
		select {
		case err := <-done:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "external end call never finished the session")
	require.Equal(t, 1, handler.cleanupCount())
}

func TestPipelineServeRunsJobsUntilCancelled(t *testing.T) {
	builder := func(svc transport.ITransportService, ctx context.Context) ([]core.IHandler, error) {
		return []core.IHandler{&scriptedPipelineHandler{endAfter: 5 * time.Millisecond}}, nil
	}
	p := NewPipeline(builder, PipelineConfig{}, newTestLogger())

	provider := newFakeProvider()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Serve(provider, ctx) }()

	select {
	case <-provider.started:
	case <-time.After(2 * time.Second):
		t.Fatal("provider never started")
	}

	job := provider.jobHandler()
	require.NotNil(t, job)
	require.NoError(t, job(nullTransportService{}, context.Background()))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	select {
	case <-provider.stopped:
	default:
		t.Fatal("provider was not stopped")
	}
}

func TestPipelineServeReportsRegistrationFailure(t *testing.T) {
	p := NewPipeline(nil, PipelineConfig{}, newTestLogger())
	provider := newFakeProvider()
	provider.regErr = errors.New("relay offline")

	require.EqualError(t, p.Serve(provider, context.Background()), "relay offline")
}
