package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *Logger {
	return NewLogger(func(level, msg string, attrs map[string]interface{}) {})
}

type pipeEvent struct{ id string }

func (e *pipeEvent) GetId() string { return e.id }

// recordingHandler relays every packet downstream unchanged and records the
// event ids it saw, in order.
type recordingHandler struct {
	mu   sync.Mutex
	seen []string

	input <-chan *EventPacket
	next  chan<- *EventPacket
	ctx   context.Context

	cleanups int
	resets   int
}

func (h *recordingHandler) Initialize(input <-chan *EventPacket, next chan<- *EventPacket, top chan<- *EventPacket, ctx context.Context) error {
	h.input = input
	h.next = next
	h.ctx = ctx
	return nil
}

func (h *recordingHandler) Start() error {
	go func() {
		for {
			select {
			case packet := <-h.input:
				h.HandleEvent(packet)
			case <-h.ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (h *recordingHandler) HandleEvent(packet *EventPacket) error {
	h.mu.Lock()
	h.seen = append(h.seen, packet.Event.GetId())
	h.mu.Unlock()
	h.next <- packet
	return nil
}

func (h *recordingHandler) Cleanup() error {
	h.mu.Lock()
	h.cleanups++
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) Reset() error {
	h.mu.Lock()
	h.resets++
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.seen))
	copy(out, h.seen)
	return out
}

func (h *recordingHandler) cleanupCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cleanups
}

func (h *recordingHandler) resetCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resets
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestRunnerRequiresHandlers(t *testing.T) {
	r := NewRunner(nil, newTestLogger())
	require.Error(t, r.Start())
}

func TestRunnerRoutesPacketsThroughEveryHandler(t *testing.T) {
	first := &recordingHandler{}
	second := &recordingHandler{}
	r := NewRunner([]IHandler{first, second}, newTestLogger())
	require.NoError(t, r.Start())
	defer r.Stop()

	r.headChan <- NewEventPacket(&pipeEvent{id: "test.ping"}, EventRelayDestinationNextService, "test")

	waitFor(t, func() bool { return len(second.events()) == 1 })
	assert.Equal(t, []string{"test.ping"}, first.events())
	assert.Equal(t, []string{"test.ping"}, second.events())
}

func TestRunnerEchoesTopPacketsToHead(t *testing.T) {
	first := &recordingHandler{}
	second := &recordingHandler{}
	third := &recordingHandler{}
	r := NewRunner([]IHandler{first, second, third}, newTestLogger())
	require.NoError(t, r.Start())
	defer r.Stop()

	// A broadcast from anywhere in the pipeline re-enters at the head so
	// every handler observes it.
	r.topChan <- NewEventPacket(&pipeEvent{id: "test.broadcast"}, EventRelayDestinationTopService, "test")

	waitFor(t, func() bool { return len(third.events()) == 1 })
	assert.Equal(t, []string{"test.broadcast"}, first.events())
	assert.Equal(t, []string{"test.broadcast"}, second.events())
	assert.Equal(t, []string{"test.broadcast"}, third.events())
}

func TestRunnerFinishesOnEndCall(t *testing.T) {
	h := &recordingHandler{}
	r := NewRunner([]IHandler{h}, newTestLogger())
	require.NoError(t, r.Start())
	defer r.Stop()

	r.topChan <- NewEventPacket(&EndCallEvent{Reason: "user said goodbye"}, EventRelayDestinationTopService, "test")

	select {
	case <-r.Finished:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not finish after EndCallEvent")
	}
}

func TestRunnerFinishesWhenEndCallLeavesTail(t *testing.T) {
	h := &recordingHandler{}
	r := NewRunner([]IHandler{h}, newTestLogger())
	require.NoError(t, r.Start())
	defer r.Stop()

	// The event traverses the single handler and reaches the tail, where the
	// runner recognizes it as terminal.
	r.headChan <- NewEventPacket(&EndCallEvent{Reason: "assistant hung up"}, EventRelayDestinationNextService, "test")

	select {
	case <-r.Finished:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not finish after EndCallEvent left the tail")
	}
	assert.Equal(t, []string{"shared.end_call"}, h.events())
}

func TestRunnerFinishesOnCriticalError(t *testing.T) {
	h := &recordingHandler{}
	r := NewRunner([]IHandler{h}, newTestLogger())
	require.NoError(t, r.Start())
	defer r.Stop()

	r.topChan <- NewEventPacket(&CriticalErrorEvent{Error: "synthesizer unreachable"}, EventRelayDestinationTopService, "test")

	select {
	case <-r.Finished:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not finish after CriticalErrorEvent")
	}
}

func TestRunnerStopCleansUpHandlers(t *testing.T) {
	first := &recordingHandler{}
	second := &recordingHandler{}
	r := NewRunner([]IHandler{first, second}, newTestLogger())
	require.NoError(t, r.Start())

	require.NoError(t, r.Stop())
	assert.Equal(t, 1, first.cleanupCount())
	assert.Equal(t, 1, second.cleanupCount())
}

func TestRunnerResetResetsEveryHandler(t *testing.T) {
	first := &recordingHandler{}
	second := &recordingHandler{}
	r := NewRunner([]IHandler{first, second}, newTestLogger())
	require.NoError(t, r.Start())
	defer r.Stop()

	require.NoError(t, r.Reset())
	assert.Equal(t, 1, first.resetCount())
	assert.Equal(t, 1, second.resetCount())
}
