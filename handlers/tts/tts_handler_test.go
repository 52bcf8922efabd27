package tts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spritebot/core"
	"spritebot/events/llm"
	"spritebot/events/tts"
	"spritebot/events/vad"
)

func newTestLogger() *core.Logger {
	return core.NewLogger(func(level, msg string, attrs map[string]interface{}) {})
}

// fakeSynthesizer records submitted text and exposes the channels captured
// from StartTTSSession so tests can inject audio and stream-done signals.
type fakeSynthesizer struct {
	mu      sync.Mutex
	texts   []string
	flushes int
	resets  int

	audioChan chan<- core.AudioChunk
	doneChan  chan<- bool
}

func (s *fakeSynthesizer) Initialize(_ context.Context) error { return nil }
func (s *fakeSynthesizer) Cleanup() error                     { return nil }

func (s *fakeSynthesizer) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil
}

func (s *fakeSynthesizer) StartTTSSession(outChan chan<- core.AudioChunk, _ chan<- error, doneChan chan<- bool) error {
	s.audioChan = outChan
	s.doneChan = doneChan
	return nil
}

func (s *fakeSynthesizer) BufferText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSynthesizer) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *fakeSynthesizer) bufferedTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func (s *fakeSynthesizer) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

func (s *fakeSynthesizer) resetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

func initHandler(t *testing.T, h *TTSHandler) (chan *core.EventPacket, chan *core.EventPacket, chan *core.EventPacket) {
	t.Helper()
	input := make(chan *core.EventPacket, 32)
	next := make(chan *core.EventPacket, 64)
	top := make(chan *core.EventPacket, 32)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, h.Initialize(input, next, top, ctx))
	return input, next, top
}

func chunkPacket(text string) *core.EventPacket {
	return core.NewEventPacket(&llm.LLMResponseChunkEvent{Chunk: text},
		core.EventRelayDestinationNextService, "test")
}

func drainIds(ch chan *core.EventPacket) []string {
	var ids []string
	for {
		select {
		case pkt := <-ch:
			ids = append(ids, pkt.Event.GetId())
		default:
			return ids
		}
	}
}

// collectIds receives exactly n packets or fails the test.
func collectIds(t *testing.T, ch chan *core.EventPacket, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	deadline := time.After(2 * time.Second)
	for len(ids) < n {
		select {
		case pkt := <-ch:
			ids = append(ids, pkt.Event.GetId())
		case <-deadline:
			t.Fatalf("timed out waiting for %d packets, got %v", n, ids)
		}
	}
	return ids
}

func TestTTSHandlerDefaults(t *testing.T) {
	h := NewTTSHandler(&fakeSynthesizer{}, TTSConfig{}, newTestLogger())

	assert.Equal(t, defaultBreakWords, h.config.BreakWords)
	assert.Equal(t, 20, h.config.MinTextLength)
	assert.Equal(t, 800*time.Millisecond, h.config.SpeechIdleTimeout)
}

func TestTTSHandlerBuffersUntilBreakWord(t *testing.T) {
	service := &fakeSynthesizer{}
	h := NewTTSHandler(service, TTSConfig{MinTextLength: 20}, newTestLogger())
	_, next, _ := initHandler(t, h)

	// The comma boundary is only 12 characters in: too short to synthesize.
	require.NoError(t, h.HandleEvent(chunkPacket("Hello there, ")))
	assert.Empty(t, service.bufferedTexts())
	assert.Equal(t, []string{"llm.response_chunk"}, drainIds(next))

	// The period boundary now clears MinTextLength; the text up to and
	// including it is submitted and the tail stays buffered.
	require.NoError(t, h.HandleEvent(chunkPacket("friend. And now")))
	assert.Equal(t, []string{"Hello there, friend."}, service.bufferedTexts())
	assert.Equal(t, " And now", h.textBuffer.String())

	ids := drainIds(next)
	require.Equal(t, []string{"tts.spoken_text_chunk", "llm.response_chunk"}, ids)
}

func TestTTSHandlerMirrorsSpokenText(t *testing.T) {
	service := &fakeSynthesizer{}
	h := NewTTSHandler(service, TTSConfig{MinTextLength: 5}, newTestLogger())
	_, next, _ := initHandler(t, h)

	require.NoError(t, h.HandleEvent(chunkPacket("Good morning!")))

	pkt := <-next
	spoken, ok := pkt.Event.(*tts.TTSSpokenTextChunkEvent)
	require.True(t, ok)
	assert.Equal(t, "Good morning!", spoken.Text)
}

func TestTTSHandlerCompletedFlushesRemainder(t *testing.T) {
	service := &fakeSynthesizer{}
	h := NewTTSHandler(service, TTSConfig{MinTextLength: 20}, newTestLogger())
	_, next, _ := initHandler(t, h)

	require.NoError(t, h.HandleEvent(chunkPacket("Hello there, ")))
	require.NoError(t, h.HandleEvent(chunkPacket("friend. And now")))
	drainIds(next)

	completed := core.NewEventPacket(&llm.LLMResponseCompletedEvent{},
		core.EventRelayDestinationNextService, "test")
	require.NoError(t, h.HandleEvent(completed))

	assert.Equal(t, []string{"Hello there, friend.", "And now"}, service.bufferedTexts())
	assert.Equal(t, 1, service.flushCount())
	assert.True(t, h.responseDone)
	assert.Equal(t, []string{"tts.spoken_text_chunk", "llm.response_completed"}, drainIds(next))
}

func TestTTSHandlerResponseStartedDropsStaleBuffer(t *testing.T) {
	service := &fakeSynthesizer{}
	h := NewTTSHandler(service, DefaultConfig(), newTestLogger())
	_, next, _ := initHandler(t, h)

	require.NoError(t, h.HandleEvent(chunkPacket("leftover text")))
	started := core.NewEventPacket(&llm.LLMResponseStartedEvent{},
		core.EventRelayDestinationNextService, "test")
	require.NoError(t, h.HandleEvent(started))
	completed := core.NewEventPacket(&llm.LLMResponseCompletedEvent{},
		core.EventRelayDestinationNextService, "test")
	require.NoError(t, h.HandleEvent(completed))

	// The buffered fragment from before the new response never reaches the
	// provider.
	assert.Empty(t, service.bufferedTexts())
	assert.Equal(t, []string{"llm.response_chunk", "llm.response_started", "llm.response_completed"}, drainIds(next))
}

func TestTTSHandlerSpeakEventIsConsumed(t *testing.T) {
	service := &fakeSynthesizer{}
	h := NewTTSHandler(service, DefaultConfig(), newTestLogger())
	_, next, _ := initHandler(t, h)

	speak := core.NewEventPacket(&tts.TTSSpeakEvent{Text: "One moment please."},
		core.EventRelayDestinationNextService, "test")
	require.NoError(t, h.HandleEvent(speak))

	assert.Equal(t, []string{"One moment please."}, service.bufferedTexts())
	assert.Equal(t, 1, service.flushCount())
	// Only the spoken-text mirror goes downstream; the speak request itself
	// stops here.
	assert.Equal(t, []string{"tts.spoken_text_chunk"}, drainIds(next))
}

func TestTTSHandlerImmediateChunkSkipsBuffering(t *testing.T) {
	service := &fakeSynthesizer{}
	h := NewTTSHandler(service, DefaultConfig(), newTestLogger())
	_, next, _ := initHandler(t, h)

	filler := core.NewEventPacket(&llm.LLMResponseChunkEvent{Chunk: "Hmm, let me check.", ConsumeImmediately: true},
		core.EventRelayDestinationNextService, "test")
	require.NoError(t, h.HandleEvent(filler))

	assert.Equal(t, []string{"Hmm, let me check."}, service.bufferedTexts())
	assert.Equal(t, 1, service.flushCount())
	assert.Equal(t, []string{"tts.spoken_text_chunk", "llm.response_chunk"}, drainIds(next))
}

func TestTTSHandlerInterruptionResetsSynthesis(t *testing.T) {
	service := &fakeSynthesizer{}
	h := NewTTSHandler(service, DefaultConfig(), newTestLogger())
	_, next, _ := initHandler(t, h)

	require.NoError(t, h.HandleEvent(chunkPacket("about to be cut off")))
	h.speaking = true

	confirmed := core.NewEventPacket(&vad.VadInterruptionConfirmedEvent{},
		core.EventRelayDestinationNextService, "test")
	require.NoError(t, h.HandleEvent(confirmed))

	assert.Equal(t, 1, service.resetCount())
	assert.Zero(t, h.textBuffer.Len())
	assert.False(t, h.speaking)
	assert.False(t, h.responseDone)
	assert.Equal(t, []string{"llm.response_chunk", "vad.interruption.confirmed"}, drainIds(next))

	// Whatever was buffered before the interruption never synthesizes.
	completed := core.NewEventPacket(&llm.LLMResponseCompletedEvent{},
		core.EventRelayDestinationNextService, "test")
	require.NoError(t, h.HandleEvent(completed))
	assert.Empty(t, service.bufferedTexts())
}

func TestTTSHandlerAnnouncesSpeakingLifecycle(t *testing.T) {
	service := &fakeSynthesizer{}
	h := NewTTSHandler(service, TTSConfig{MinTextLength: 5, SpeechIdleTimeout: 30 * time.Millisecond}, newTestLogger())
	input, next, top := initHandler(t, h)
	require.NoError(t, h.Start())

	input <- chunkPacket("Good morning! How can I help you today?")
	input <- core.NewEventPacket(&llm.LLMResponseCompletedEvent{},
		core.EventRelayDestinationNextService, "test")
	require.Equal(t, []string{"tts.spoken_text_chunk", "llm.response_chunk", "llm.response_completed"},
		collectIds(t, next, 3))

	data := make([]byte, 9600)
	service.audioChan <- core.AudioChunk{Data: &data, SampleRate: 24000, Channels: 1, Format: core.PCM}

	assert.Equal(t, []string{"tts.speaking_started"}, collectIds(t, top, 1))
	assert.Equal(t, []string{"tts.output"}, collectIds(t, next, 1))

	// The audio stream going idle after the full response ends the turn.
	assert.Equal(t, []string{"tts.speaking_ended"}, collectIds(t, top, 1))
}

func TestTTSHandlerProviderDoneEndsTurn(t *testing.T) {
	service := &fakeSynthesizer{}
	h := NewTTSHandler(service, TTSConfig{MinTextLength: 5, SpeechIdleTimeout: 10 * time.Second}, newTestLogger())
	input, next, top := initHandler(t, h)
	require.NoError(t, h.Start())

	input <- chunkPacket("All done here.")
	input <- core.NewEventPacket(&llm.LLMResponseCompletedEvent{},
		core.EventRelayDestinationNextService, "test")
	collectIds(t, next, 3)

	data := make([]byte, 9600)
	service.audioChan <- core.AudioChunk{Data: &data, SampleRate: 24000, Channels: 1, Format: core.PCM}
	collectIds(t, top, 1)
	collectIds(t, next, 1)

	// The idle timeout is far away; the provider's done signal ends the turn
	// on its own.
	service.doneChan <- true
	assert.Equal(t, []string{"tts.speaking_ended"}, collectIds(t, top, 1))
}

func TestTTSHandlerMidResponseStallKeepsSpeaking(t *testing.T) {
	service := &fakeSynthesizer{}
	h := NewTTSHandler(service, TTSConfig{SpeechIdleTimeout: 20 * time.Millisecond}, newTestLogger())
	_, next, top := initHandler(t, h)
	require.NoError(t, h.Start())

	// Audio arrives while the response text is still streaming in.
	data := make([]byte, 9600)
	service.audioChan <- core.AudioChunk{Data: &data, SampleRate: 24000, Channels: 1, Format: core.PCM}
	collectIds(t, top, 1)
	collectIds(t, next, 1)

	// Idle fires mid-response: the pause must not count as done speaking.
	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, drainIds(top))
}

func TestTTSHandlerResetClearsState(t *testing.T) {
	service := &fakeSynthesizer{}
	h := NewTTSHandler(service, DefaultConfig(), newTestLogger())
	_, next, _ := initHandler(t, h)

	require.NoError(t, h.HandleEvent(chunkPacket("half a sentence")))
	h.speaking = true
	h.responseDone = true
	drainIds(next)

	require.NoError(t, h.Reset())

	assert.Zero(t, h.textBuffer.Len())
	assert.False(t, h.speaking)
	assert.False(t, h.responseDone)
	assert.Equal(t, 1, service.resetCount())
}
