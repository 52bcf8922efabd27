package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"spritebot/core"
	"spritebot/events/llm"
	"spritebot/events/vad"
	"spritebot/utils/text"
)

// fillerWait bounds how long a new generation waits for an in-flight
// filler result before starting without one.
const fillerWait = 300 * time.Millisecond

type LLMService interface {
	core.IService
	RunCompletion(
		context core.LLMContext,
		outChan chan<- string,
		toolInvocationChan chan<- core.LLMToolCall,
		FatalServiceErrorChan chan<- error,
		completionStartChan chan<- struct{},
		completionEndChan chan<- struct{},
	)
	GenerateJsonOutput(
		context core.LLMContext,
	) (map[string]any, error)
}

// LLMHandler turns aggregated user messages into streamed completions. It
// pushes each chunk downstream as it arrives and emits a completed event
// with the aggregated text once the stream ends. A suspected interruption
// mutes the in-flight stream without cancelling it; a confirmed one also
// resets the service.
type LLMHandler struct {
	core.BaseHandler
	messageOutChan        chan string
	toolInvocationOutChan chan core.LLMToolCall
	completionStartChan   chan struct{}
	completionEndChan     chan struct{}
	config                LLMHandlerConfig
	filler                *fillerState
	fillerService         LLMService // lighter model used only for fillers, optional
	discarding            int32      // atomic, 1 while chunks from a cancelled generation are muted
}

// NewLLMHandler creates a new LLM handler.
// Use DefaultConfig() to get a config with sensible defaults and override only what you need.
// Chain WithBackupService and WithFillerService to register optional services.
func NewLLMHandler(service LLMService, config LLMHandlerConfig, logger *core.Logger) *LLMHandler {
	return &LLMHandler{
		BaseHandler: *core.NewBaseHandler(service, nil, nil, logger),
		config:      config,
		filler:      newFillerState(config.GenerateFillers),
	}
}

// WithBackupService registers a fallback service used when the primary fails.
// Returns the handler to allow chaining.
func (h *LLMHandler) WithBackupService(service LLMService) *LLMHandler {
	h.BackupServices = append(h.BackupServices, service)
	return h
}

// WithFillerService sets a dedicated lighter service used only for filler generation.
// Returns the handler to allow chaining.
func (h *LLMHandler) WithFillerService(service LLMService) *LLMHandler {
	h.fillerService = service
	return h
}

func (h *LLMHandler) Initialize(
	inputChan <-chan *core.EventPacket,
	outputNextChan chan<- *core.EventPacket,
	outputTopChan chan<- *core.EventPacket,
	ctx context.Context,
) error {
	h.messageOutChan = make(chan string, 10)
	h.toolInvocationOutChan = make(chan core.LLMToolCall)
	h.completionStartChan = make(chan struct{}, 1)
	h.completionEndChan = make(chan struct{}, 1)
	if err := h.BaseHandler.Initialize(inputChan, outputNextChan, outputTopChan, ctx); err != nil {
		return err
	}
	if h.fillerService != nil {
		h.fillerService.(core.IService).Initialize(ctx)
	}
	h.BaseHandler.SetHandleEventFunc(h.HandleEvent)
	return nil
}

func (h *LLMHandler) Start() error {
	go h.eventLoop()
	return nil
}

// eventLoop multiplexes pipeline packets with the completion channels the
// service streams into. Aggregation of the full response text lives here so
// the completed event carries exactly what was forwarded downstream.
func (h *LLMHandler) eventLoop() {
	var aggregated string
	for {
		select {
		case chunk := <-h.messageOutChan:
			if h.muted() {
				continue
			}
			h.SendPacket(core.NewEventPacket(&llm.LLMResponseChunkEvent{
				Chunk: chunk,
			}, core.EventRelayDestinationNextService, "LLMHandler"))
			aggregated += chunk

		case toolCall := <-h.toolInvocationOutChan:
			if h.muted() {
				continue
			}
			h.SendPacket(core.NewEventPacket(&llm.LLMToolInvocationRequestedEvent{
				CallID: toolCall.CallID,
				ToolId: toolCall.ToolId,
				Params: toolCall.Parameters,
			}, core.EventRelayDestinationNextService, "LLMHandler"))

		case <-h.completionStartChan:
			if h.muted() {
				continue
			}
			// The spoken filler, if any, is part of the response text.
			aggregated = h.getConsumedFiller()

		case <-h.completionEndChan:
			if !h.muted() {
				h.SendPacket(core.NewEventPacket(&llm.LLMResponseCompletedEvent{
					FullText: aggregated,
				}, core.EventRelayDestinationNextService, "LLMHandler"))
				h.clearFillerAfterResponse()
			}
			aggregated = ""

		case packet := <-h.InputChan:
			if err := h.HandleEvent(packet); err != nil {
				h.Logger.With(map[string]interface{}{
					"event": packet.Event.GetId(),
					"error": err.Error(),
				}).Error("LLMHandler: event processing failed")
			}

		case <-h.Ctx.Done():
			return
		}
	}
}

func (h *LLMHandler) muted() bool {
	return atomic.LoadInt32(&h.discarding) == 1
}

func (h *LLMHandler) HandleEvent(packet *core.EventPacket) error {
	switch e := packet.Event.(type) {
	case *llm.LLMGenerateResponseEvent:
		atomic.StoreInt32(&h.discarding, 0)
		h.SendPacket(core.NewEventPacket(&llm.LLMResponseStartedEvent{},
			core.EventRelayDestinationNextService, "LLMHandler"))
		// Run the completion off the event loop so interruption events keep
		// flowing while the model streams.
		go h.runGeneration(e.Context)

	case *vad.VadInterruptionSuspectedEvent:
		// Mute in-flight chunks but keep the stream alive until confirmation.
		atomic.StoreInt32(&h.discarding, 1)
		h.filler.clearAfterResponse()

	case *vad.VadInterruptionConfirmedEvent:
		atomic.StoreInt32(&h.discarding, 1)
		h.Service.Reset()
		h.filler.clearAfterResponse()

	case *llm.LLMPrepareInterimFillerEvent:
		h.handleInterimTranscript(e.PartialTranscript, e.Context)

	default:
	}
	h.SendPacket(packet)
	return nil
}

// runGeneration starts one completion, optionally preceded by a filler. The
// filler wait happens before Reset: when no dedicated fillerService is set
// the filler call runs on the main service, and resetting first would kill
// it mid-flight.
func (h *LLMHandler) runGeneration(llmCtx core.LLMContext) {
	filler := h.waitForFiller(fillerWait)

	h.Service.Reset()

	completionCtx := llmCtx
	if !h.config.AllowToolCalls {
		completionCtx.Tools = nil
	}
	if filler != "" {
		h.Logger.Infof("Prepending filler to response: '%s'", filler)
		h.SendPacket(core.NewEventPacket(
			&llm.LLMResponseChunkEvent{Chunk: filler, ConsumeImmediately: true},
			core.EventRelayDestinationNextService, "LLMHandler"))
		completionCtx = withSpokenFiller(completionCtx, llmCtx.Messages, filler)
	}

	h.Service.(LLMService).RunCompletion(
		completionCtx,
		h.messageOutChan,
		h.toolInvocationOutChan,
		h.FatalServiceErrorChan,
		h.completionStartChan,
		h.completionEndChan,
	)
}

// withSpokenFiller appends a system message telling the model the filler has
// already been spoken, so its continuation picks up from there instead of
// repeating it.
func withSpokenFiller(llmCtx core.LLMContext, messages []core.LLMMessage, filler string) core.LLMContext {
	msgs := make([]core.LLMMessage, len(messages), len(messages)+1)
	copy(msgs, messages)
	return core.LLMContext{
		Messages: append(msgs, core.LLMMessage{
			Role: core.LLMMessageRoleSystem,
			Message: fmt.Sprintf(
				"The response already starts with \"%s\". Do NOT repeat it. Continue seamlessly from that point. Begin your output with \"...\" followed by the continuation.",
				filler,
			),
		}),
		Tools: llmCtx.Tools,
	}
}

func (h *LLMHandler) Cleanup() error {
	if h.fillerService != nil {
		if err := h.fillerService.(core.IService).Cleanup(); err != nil {
			return err
		}
	}
	return h.BaseHandler.Cleanup()
}

func (h *LLMHandler) handleInterimTranscript(partial string, ctx *core.LLMContext) {
	if h.filler == nil {
		return
	}
	shouldRequest, requestText, utteranceID, token := h.filler.onInterim(partial)
	if !shouldRequest {
		return
	}
	go h.generateFiller(requestText, *ctx, utteranceID, token)
}

func (h *LLMHandler) getConsumedFiller() string {
	if h.filler == nil {
		return ""
	}
	return h.filler.getConsumedFiller()
}

func (h *LLMHandler) clearFillerAfterResponse() {
	if h.filler == nil {
		return
	}
	h.filler.clearAfterResponse()
}

func (h *LLMHandler) waitForFiller(timeout time.Duration) string {
	if h.filler == nil {
		return ""
	}
	return h.filler.waitForFiller(timeout)
}

// generateFiller asks the lighter model for a short sentence opener. The
// result is handed to the filler state, which decides whether it is still
// the freshest candidate for the current utterance.
func (h *LLMHandler) generateFiller(partial string, llmCtx core.LLMContext, utteranceID, token uint64) {
	service := h.fillerService
	if service == nil {
		var ok bool
		service, ok = h.Service.(LLMService)
		if !ok {
			return
		}
	}

	// The last assistant turn gives the filler model enough context to stay
	// on topic.
	lastAssistantTurn := ""
	for i := len(llmCtx.Messages) - 1; i >= 0; i-- {
		if llmCtx.Messages[i].Role == core.LLMMessageRoleAssistant {
			lastAssistantTurn = llmCtx.Messages[i].Message
			break
		}
	}

	result, err := service.GenerateJsonOutput(core.LLMContext{
		Messages: []core.LLMMessage{
			{Role: core.LLMMessageRoleSystem, Message: FILLER_PROMPT},
			{Role: core.LLMMessageRoleSystem, Message: "Context for filler generation: " + lastAssistantTurn},
			{Role: core.LLMMessageRoleUser, Message: "Generate a filler for this partial transcript:\n " + partial + "..."},
		},
	})
	if err != nil {
		h.Logger.Warnf("failed to generate filler: %v", err)
		h.filler.requestFailed(token, utteranceID)
		return
	}
	filler, skip, err := parseFillerResponse(result)
	if err != nil {
		h.Logger.Warnf("failed to decode filler response: %v", err)
		h.filler.requestFailed(token, utteranceID)
		return
	}
	h.Logger.Infof("Decoded filler response: filler='%s', skip=%v", filler, skip)
	h.filler.storeResult(token, utteranceID, filler, skip)
}

func parseFillerResponse(raw map[string]any) (string, bool, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return "", true, err
	}
	var payload struct {
		Filler     string `json:"filler"`
		Skip       bool   `json:"skip"`
		Prediction string `json:"prediction"` // older prompt templates answered { "prediction": ... }
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", true, err
	}
	filler := strings.TrimSpace(payload.Filler)
	return filler, payload.Skip || filler == "", nil
}

// fillerState tracks one filler candidate per user utterance. Interim
// transcripts keep refreshing the candidate; once the response starts and
// consumes it, further requests for that utterance stop.
type fillerState struct {
	enabled            bool
	normalizer         *text.Normalizer
	mu                 sync.Mutex
	listening          bool
	currentUtteranceID uint64
	fillerUtteranceID  uint64
	fillerRequested    bool
	fillerReady        bool
	fillerConsumed     bool
	pendingFiller      string
	consumedFiller     string
	activeRequestToken uint64
	nextRequestToken   uint64
}

func newFillerState(enabled bool) *fillerState {
	return &fillerState{
		enabled:    enabled,
		normalizer: text.NewNormalizer(text.ENGLISH),
	}
}

// onInterim decides whether this interim transcript warrants a fresh filler
// request. It returns the request text plus the utterance and token
// identifiers that storeResult must echo back.
func (f *fillerState) onInterim(interim string) (bool, string, uint64, uint64) {
	if f == nil || !f.enabled {
		return false, "", 0, 0
	}
	trimmed := strings.TrimSpace(interim)
	if trimmed == "" {
		return false, "", 0, 0
	}
	// Gate on content words so "um well so like" never triggers a filler.
	contentWords := len(strings.Fields(f.normalizer.Normalize(trimmed)))

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.listening {
		f.listening = true
		f.currentUtteranceID++
		f.resetUtteranceLocked()
	}
	if contentWords <= 3 || f.fillerConsumed {
		return false, "", 0, 0
	}
	// Supersede any earlier in-flight or pending result so waitForFiller
	// only ever sees the candidate from this latest interim.
	f.fillerReady = false
	f.pendingFiller = ""
	f.fillerRequested = true
	f.fillerUtteranceID = f.currentUtteranceID
	f.nextRequestToken++
	f.activeRequestToken = f.nextRequestToken
	return true, trimmed, f.currentUtteranceID, f.nextRequestToken
}

func (f *fillerState) resetUtteranceLocked() {
	f.fillerRequested = false
	f.fillerReady = false
	f.fillerConsumed = false
	f.pendingFiller = ""
	f.consumedFiller = ""
	f.fillerUtteranceID = 0
	f.activeRequestToken = 0
}

func (f *fillerState) getConsumedFiller() string {
	if f == nil || !f.enabled {
		return ""
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consumedFiller
}

func (f *fillerState) clearAfterResponse() {
	if f == nil || !f.enabled {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = false
	f.resetUtteranceLocked()
}

// storeResult records a filler generation result. Stale tokens, superseded
// utterances and skip answers are dropped silently.
func (f *fillerState) storeResult(token, utteranceID uint64, filler string, skip bool) {
	if f == nil || !f.enabled {
		return
	}
	trimmed := strings.TrimSpace(filler)
	f.mu.Lock()
	defer f.mu.Unlock()
	if token == 0 || token != f.activeRequestToken || utteranceID != f.fillerUtteranceID {
		return
	}
	f.activeRequestToken = 0
	if skip || trimmed == "" {
		f.pendingFiller = ""
		f.fillerReady = false
		return
	}
	f.pendingFiller = trimmed
	f.fillerReady = true
}

// waitForFiller polls until a filler is ready or the timeout elapses. It
// returns immediately when nothing was requested for the current utterance.
func (f *fillerState) waitForFiller(timeout time.Duration) string {
	if f == nil || !f.enabled {
		return ""
	}
	deadline := time.Now().Add(timeout)
	for {
		f.mu.Lock()
		if !f.fillerRequested {
			f.mu.Unlock()
			return ""
		}
		if f.fillerReady && !f.fillerConsumed && f.pendingFiller != "" {
			filler := f.pendingFiller
			f.fillerConsumed = true
			f.consumedFiller = filler
			f.mu.Unlock()
			return filler
		}
		f.mu.Unlock()
		if time.Now().After(deadline) {
			return ""
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// requestFailed withdraws a failed request so waitForFiller stops waiting
// for a result that will never come.
func (f *fillerState) requestFailed(token, utteranceID uint64) {
	if f == nil || !f.enabled {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if token == 0 || token != f.activeRequestToken || utteranceID != f.fillerUtteranceID {
		return
	}
	f.activeRequestToken = 0
	f.fillerRequested = false
}
