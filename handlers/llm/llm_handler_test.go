package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spritebot/core"
	"spritebot/events/llm"
	"spritebot/events/vad"
)

func newTestLogger() *core.Logger {
	return core.NewLogger(func(level, msg string, attrs map[string]interface{}) {})
}

// fakeCompleter scripts RunCompletion via a caller-provided function and
// records every completion context it is handed.
type fakeCompleter struct {
	mu       sync.Mutex
	contexts []core.LLMContext
	resets   int

	script func(outChan chan<- string, toolChan chan<- core.LLMToolCall, startChan chan<- struct{}, endChan chan<- struct{})

	jsonResult map[string]any
	jsonErr    error
	jsonCalls  []core.LLMContext
}

func (s *fakeCompleter) Initialize(_ context.Context) error { return nil }
func (s *fakeCompleter) Cleanup() error                     { return nil }

func (s *fakeCompleter) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil
}

func (s *fakeCompleter) RunCompletion(
	llmCtx core.LLMContext,
	outChan chan<- string,
	toolChan chan<- core.LLMToolCall,
	_ chan<- error,
	startChan chan<- struct{},
	endChan chan<- struct{},
) {
	s.mu.Lock()
	s.contexts = append(s.contexts, llmCtx)
	script := s.script
	s.mu.Unlock()
	if script != nil {
		script(outChan, toolChan, startChan, endChan)
	}
}

func (s *fakeCompleter) GenerateJsonOutput(llmCtx core.LLMContext) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jsonCalls = append(s.jsonCalls, llmCtx)
	return s.jsonResult, s.jsonErr
}

func (s *fakeCompleter) completionContexts() []core.LLMContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.LLMContext(nil), s.contexts...)
}

func (s *fakeCompleter) resetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

func (s *fakeCompleter) jsonContexts() []core.LLMContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.LLMContext(nil), s.jsonCalls...)
}

func initHandler(t *testing.T, h *LLMHandler) (chan *core.EventPacket, chan *core.EventPacket, chan *core.EventPacket) {
	t.Helper()
	input := make(chan *core.EventPacket, 32)
	next := make(chan *core.EventPacket, 64)
	top := make(chan *core.EventPacket, 32)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, h.Initialize(input, next, top, ctx))
	return input, next, top
}

// collectPackets receives exactly n packets or fails the test.
func collectPackets(t *testing.T, ch chan *core.EventPacket, n int) []*core.EventPacket {
	t.Helper()
	pkts := make([]*core.EventPacket, 0, n)
	deadline := time.After(2 * time.Second)
	for len(pkts) < n {
		select {
		case pkt := <-ch:
			pkts = append(pkts, pkt)
		case <-deadline:
			t.Fatalf("timed out waiting for %d packets, got %d", n, len(pkts))
		}
	}
	return pkts
}

func packetIds(pkts []*core.EventPacket) []string {
	ids := make([]string, len(pkts))
	for i, pkt := range pkts {
		ids[i] = pkt.Event.GetId()
	}
	return ids
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

func generatePacket(userMessage string) *core.EventPacket {
	llmCtx := core.LLMContext{}
	llmCtx.AddUserMessage(userMessage)
	return core.NewEventPacket(&llm.LLMGenerateResponseEvent{Context: llmCtx},
		core.EventRelayDestinationNextService, "test")
}

func TestLLMHandlerStreamsCompletion(t *testing.T) {
	service := &fakeCompleter{script: func(outChan chan<- string, _ chan<- core.LLMToolCall, startChan chan<- struct{}, endChan chan<- struct{}) {
		startChan <- struct{}{}
		time.Sleep(30 * time.Millisecond)
		outChan <- "The capital of France "
		outChan <- "is Paris."
		time.Sleep(30 * time.Millisecond)
		endChan <- struct{}{}
	}}
	h := NewLLMHandler(service, DefaultConfig(), newTestLogger())
	input, next, _ := initHandler(t, h)
	require.NoError(t, h.Start())

	input <- generatePacket("what is the capital of France?")

	pkts := collectPackets(t, next, 5)
	assert.Equal(t, []string{
		"llm.response_started",
		"llm.generate_response",
		"llm.response_chunk",
		"llm.response_chunk",
		"llm.response_completed",
	}, packetIds(pkts))

	first := pkts[2].Event.(*llm.LLMResponseChunkEvent)
	second := pkts[3].Event.(*llm.LLMResponseChunkEvent)
	assert.Equal(t, "The capital of France ", first.Chunk)
	assert.Equal(t, "is Paris.", second.Chunk)
	assert.False(t, first.ConsumeImmediately)

	completed := pkts[4].Event.(*llm.LLMResponseCompletedEvent)
	assert.Equal(t, "The capital of France is Paris.", completed.FullText)

	contexts := service.completionContexts()
	require.Len(t, contexts, 1)
	require.Len(t, contexts[0].Messages, 1)
	assert.Equal(t, "what is the capital of France?", contexts[0].Messages[0].Message)
	// A fresh generation always cancels whatever the service was doing.
	assert.Equal(t, 1, service.resetCount())
}

func TestLLMHandlerRelaysToolInvocations(t *testing.T) {
	params := map[string]any{"city": "Paris"}
	service := &fakeCompleter{script: func(_ chan<- string, toolChan chan<- core.LLMToolCall, startChan chan<- struct{}, endChan chan<- struct{}) {
		startChan <- struct{}{}
		time.Sleep(30 * time.Millisecond)
		toolChan <- core.LLMToolCall{CallID: "call_3", ToolId: "get_weather", Parameters: &params}
		time.Sleep(30 * time.Millisecond)
		endChan <- struct{}{}
	}}
	h := NewLLMHandler(service, DefaultConfig(), newTestLogger())
	input, next, _ := initHandler(t, h)
	require.NoError(t, h.Start())

	input <- generatePacket("weather in Paris please")

	pkts := collectPackets(t, next, 4)
	assert.Equal(t, []string{
		"llm.response_started",
		"llm.generate_response",
		"llm.tool_invocation_requested",
		"llm.response_completed",
	}, packetIds(pkts))

	request := pkts[2].Event.(*llm.LLMToolInvocationRequestedEvent)
	assert.Equal(t, "call_3", request.CallID)
	assert.Equal(t, "get_weather", request.ToolId)
	require.NotNil(t, request.Params)
	assert.Equal(t, "Paris", (*request.Params)["city"])
}

func TestLLMHandlerStripsToolsWhenDisallowed(t *testing.T) {
	service := &fakeCompleter{script: func(_ chan<- string, _ chan<- core.LLMToolCall, startChan chan<- struct{}, endChan chan<- struct{}) {
		startChan <- struct{}{}
		endChan <- struct{}{}
	}}
	h := NewLLMHandler(service, LLMHandlerConfig{AllowToolCalls: false}, newTestLogger())
	input, next, _ := initHandler(t, h)
	require.NoError(t, h.Start())

	llmCtx := core.LLMContext{Tools: []core.LLMTool{{Name: "get_weather", ToolId: "get_weather"}}}
	llmCtx.AddUserMessage("hello there everyone")
	input <- core.NewEventPacket(&llm.LLMGenerateResponseEvent{Context: llmCtx},
		core.EventRelayDestinationNextService, "test")

	collectPackets(t, next, 3)
	contexts := service.completionContexts()
	require.Len(t, contexts, 1)
	assert.Nil(t, contexts[0].Tools)
}

func TestLLMHandlerSuspectedInterruptionDiscardsChunks(t *testing.T) {
	release := make(chan struct{})
	service := &fakeCompleter{script: func(outChan chan<- string, _ chan<- core.LLMToolCall, startChan chan<- struct{}, endChan chan<- struct{}) {
		startChan <- struct{}{}
		<-release
		outChan <- "stale chunk"
		endChan <- struct{}{}
	}}
	h := NewLLMHandler(service, DefaultConfig(), newTestLogger())
	input, next, _ := initHandler(t, h)
	require.NoError(t, h.Start())

	input <- generatePacket("tell me a long story")
	pkts := collectPackets(t, next, 2)
	assert.Equal(t, []string{"llm.response_started", "llm.generate_response"}, packetIds(pkts))

	input <- core.NewEventPacket(&vad.VadInterruptionSuspectedEvent{},
		core.EventRelayDestinationNextService, "test")
	assert.Equal(t, []string{"vad.interruption.suspected"}, packetIds(collectPackets(t, next, 1)))

	// The generation finishes after the suspicion: its chunks and completion
	// must not leak downstream.
	close(release)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, drainIds(next))
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.discarding))
}

func TestLLMHandlerConfirmedInterruptionResetsService(t *testing.T) {
	service := &fakeCompleter{}
	h := NewLLMHandler(service, DefaultConfig(), newTestLogger())
	input, next, _ := initHandler(t, h)
	require.NoError(t, h.Start())

	input <- core.NewEventPacket(&vad.VadInterruptionConfirmedEvent{},
		core.EventRelayDestinationNextService, "test")

	assert.Equal(t, []string{"vad.interruption.confirmed"}, packetIds(collectPackets(t, next, 1)))
	assert.Equal(t, 1, service.resetCount())
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.discarding))
}

func TestLLMHandlerSpeaksFillerBeforeCompletion(t *testing.T) {
	service := &fakeCompleter{script: func(outChan chan<- string, _ chan<- core.LLMToolCall, startChan chan<- struct{}, endChan chan<- struct{}) {
		startChan <- struct{}{}
		time.Sleep(30 * time.Millisecond)
		outChan <- " it will be sunny tomorrow."
		time.Sleep(30 * time.Millisecond)
		endChan <- struct{}{}
	}}
	fillerService := &fakeCompleter{jsonResult: map[string]any{"filler": "Hmm, let me see.", "skip": false}}
	h := NewLLMHandler(service, LLMHandlerConfig{AllowToolCalls: true, GenerateFillers: true}, newTestLogger()).
		WithFillerService(fillerService)
	input, next, _ := initHandler(t, h)
	require.NoError(t, h.Start())

	llmCtx := core.LLMContext{}
	llmCtx.AddUserMessage("please tell me the weather forecast for san francisco")
	input <- core.NewEventPacket(&llm.LLMPrepareInterimFillerEvent{
		PartialTranscript: "please tell me the weather forecast for san francisco",
		Context:           &llmCtx,
	}, core.EventRelayDestinationNextService, "test")

	assert.Equal(t, []string{"llm.prepare_interim_filler"}, packetIds(collectPackets(t, next, 1)))
	require.Eventually(t, func() bool {
		h.filler.mu.Lock()
		defer h.filler.mu.Unlock()
		return h.filler.fillerReady
	}, 2*time.Second, 10*time.Millisecond)

	input <- generatePacket("please tell me the weather forecast for san francisco")

	pkts := collectPackets(t, next, 5)
	assert.Equal(t, []string{
		"llm.response_started",
		"llm.generate_response",
		"llm.response_chunk",
		"llm.response_chunk",
		"llm.response_completed",
	}, packetIds(pkts))

	filler := pkts[2].Event.(*llm.LLMResponseChunkEvent)
	assert.True(t, filler.ConsumeImmediately)
	assert.Equal(t, "Hmm, let me see.", filler.Chunk)

	// The aggregated response text starts with the spoken filler.
	completed := pkts[4].Event.(*llm.LLMResponseCompletedEvent)
	assert.Equal(t, "Hmm, let me see. it will be sunny tomorrow.", completed.FullText)

	// The main completion is told it already spoke the filler.
	contexts := service.completionContexts()
	require.Len(t, contexts, 1)
	last := contexts[0].Messages[len(contexts[0].Messages)-1]
	assert.Equal(t, core.LLMMessageRoleSystem, last.Role)
	assert.Contains(t, last.Message, `The response already starts with "Hmm, let me see."`)

	// The filler itself came from the dedicated lighter service.
	jsonCalls := fillerService.jsonContexts()
	require.Len(t, jsonCalls, 1)
	assert.Equal(t, FILLER_PROMPT, jsonCalls[0].Messages[0].Message)
	assert.Contains(t, jsonCalls[0].Messages[2].Message, "please tell me the weather forecast for san francisco")
}

func TestFillerStateGating(t *testing.T) {
	tests := []struct {
		name    string
		interim string
		want    bool
	}{
		{name: "FluffOnly", interim: "um, well... so, like", want: false},
		{name: "TooFewContentWords", interim: "what is the weather like today", want: false},
		{name: "ContentfulUtterance", interim: "please tell me the weather forecast for san francisco", want: true},
		{name: "Blank", interim: "   ", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFillerState(true)
			request, text, _, _ := f.onInterim(tt.interim)
			assert.Equal(t, tt.want, request)
			if tt.want {
				assert.Equal(t, tt.interim, text)
			}
		})
	}
}

func TestFillerStateDisabled(t *testing.T) {
	f := newFillerState(false)
	request, _, _, _ := f.onInterim("please tell me the weather forecast for san francisco")
	assert.False(t, request)
	assert.Equal(t, "", f.waitForFiller(10*time.Millisecond))
}

func TestFillerStateRoundTrip(t *testing.T) {
	f := newFillerState(true)
	request, _, utteranceID, token := f.onInterim("please tell me the weather forecast for san francisco")
	require.True(t, request)

	f.storeResult(token, utteranceID, "  Hmm, checking.  ", false)

	assert.Equal(t, "Hmm, checking.", f.waitForFiller(time.Second))
	assert.Equal(t, "Hmm, checking.", f.getConsumedFiller())

	// Once consumed, later interims of the same utterance stop requesting.
	request, _, _, _ = f.onInterim("please tell me the weather forecast for san francisco area")
	assert.False(t, request)

	f.clearAfterResponse()
	assert.Equal(t, "", f.getConsumedFiller())

	// A new utterance starts fresh.
	request, _, nextUtterance, _ := f.onInterim("please tell me the weather forecast for san francisco")
	assert.True(t, request)
	assert.Equal(t, utteranceID+1, nextUtterance)
}

func TestFillerStateStaleResultIgnored(t *testing.T) {
	f := newFillerState(true)
	_, _, utteranceID, staleToken := f.onInterim("please tell me the weather forecast for san francisco")
	request, _, _, freshToken := f.onInterim("please tell me the weather forecast for san francisco right now")
	require.True(t, request)
	require.NotEqual(t, staleToken, freshToken)

	// The result of the superseded request never surfaces.
	f.storeResult(staleToken, utteranceID, "Stale filler.", false)
	assert.Equal(t, "", f.waitForFiller(50*time.Millisecond))

	f.storeResult(freshToken, utteranceID, "Fresh filler.", false)
	assert.Equal(t, "Fresh filler.", f.waitForFiller(time.Second))
}

func TestFillerStateSkipResult(t *testing.T) {
	f := newFillerState(true)
	_, _, utteranceID, token := f.onInterim("please tell me the weather forecast for san francisco")

	f.storeResult(token, utteranceID, "Whatever.", true)

	assert.Equal(t, "", f.waitForFiller(50*time.Millisecond))
	assert.Equal(t, "", f.getConsumedFiller())
}

func TestFillerStateRequestFailed(t *testing.T) {
	f := newFillerState(true)
	_, _, utteranceID, token := f.onInterim("please tell me the weather forecast for san francisco")

	f.requestFailed(token, utteranceID)

	// With the request gone, the wait returns without burning the timeout.
	started := time.Now()
	assert.Equal(t, "", f.waitForFiller(2*time.Second))
	assert.Less(t, time.Since(started), time.Second)
}

func TestParseFillerResponse(t *testing.T) {
	tests := []struct {
		name       string
		raw        map[string]any
		wantFiller string
		wantSkip   bool
		wantErr    bool
	}{
		{
			name:       "Filler",
			raw:        map[string]any{"filler": "Hmm, good question.", "skip": false},
			wantFiller: "Hmm, good question.",
			wantSkip:   false,
		},
		{
			name:     "ExplicitSkip",
			raw:      map[string]any{"filler": "Anything.", "skip": true},
			wantSkip: true,
		},
		{
			name:     "BlankFillerSkips",
			raw:      map[string]any{"filler": "   ", "skip": false},
			wantSkip: true,
		},
		{
			name:     "EmptyObjectSkips",
			raw:      map[string]any{},
			wantSkip: true,
		},
		{
			name:     "WrongTypeErrors",
			raw:      map[string]any{"filler": 42},
			wantSkip: true,
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filler, skip, err := parseFillerResponse(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSkip, skip)
			if !tt.wantSkip {
				assert.Equal(t, tt.wantFiller, filler)
			}
		})
	}
}
