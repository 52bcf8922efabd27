package context

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"spritebot/core"
	"spritebot/events/llm"
	"spritebot/events/tts"
)

// LLMAssistantContextAggregator is the last stage of the pipeline. It buffers
// the text segments the TTS stage actually submitted for synthesis and
// commits them as one assistant message when speaking ends. Because an
// interruption ends speaking early, the committed message is naturally
// truncated to what the user heard (at segment granularity).
//
// It also resolves tool invocations: the registered handler runs, the
// request/result exchange is recorded, and a follow-up generation is sent to
// the top of the pipeline so it reaches the upstream LLM stage. Tools whose
// handler returns an empty string are silent: nothing is recorded and no
// follow-up is generated.
type LLMAssistantContextAggregator struct {
	core.BaseHandler
	manager *LLMContextManager

	mu     sync.Mutex
	spoken strings.Builder
}

func newLLMAssistantContextAggregator(manager *LLMContextManager, logger *core.Logger) *LLMAssistantContextAggregator {
	h := &LLMAssistantContextAggregator{
		BaseHandler: *core.NewBaseHandler(&contextService{}, nil, nil, logger),
		manager:     manager,
	}
	h.SetHandleEventFunc(h.handleEvent)
	return h
}

func (h *LLMAssistantContextAggregator) Initialize(
	inputChan <-chan *core.EventPacket,
	outputNextChan chan<- *core.EventPacket,
	outputTopChan chan<- *core.EventPacket,
	ctx context.Context,
) error {
	// Tool handlers emit through the manager (end_call and friends); route
	// those events to the top so every stage sees them.
	h.manager.setEventEmitter(func(event core.IEvent) {
		h.SendPacket(core.NewEventPacket(event, core.EventRelayDestinationTopService, "LLMContextManager"))
	})
	return h.BaseHandler.Initialize(inputChan, outputNextChan, outputTopChan, ctx)
}

func (h *LLMAssistantContextAggregator) handleEvent(packet *core.EventPacket) error {
	switch event := packet.Event.(type) {
	case *tts.TTSSpokenTextChunkEvent:
		h.mu.Lock()
		if h.spoken.Len() > 0 {
			h.spoken.WriteString(" ")
		}
		h.spoken.WriteString(strings.TrimSpace(event.Text))
		h.mu.Unlock()
	case *tts.TTSSpeakingEndedEvent:
		h.commitSpoken()
	case *llm.LLMToolInvocationRequestedEvent:
		h.onToolInvocation(event)
	}
	h.SendPacket(packet)
	return nil
}

func (h *LLMAssistantContextAggregator) commitSpoken() {
	h.mu.Lock()
	text := strings.TrimSpace(h.spoken.String())
	h.spoken.Reset()
	h.mu.Unlock()
	if text == "" {
		return
	}
	h.manager.CommitAssistantMessage(text)
	h.Logger.With(map[string]interface{}{"chars": len(text)}).Debug("LLMAssistantContextAggregator: assistant message committed")
}

func (h *LLMAssistantContextAggregator) onToolInvocation(event *llm.LLMToolInvocationRequestedEvent) {
	call := core.LLMToolCall{CallID: event.CallID, ToolId: event.ToolId, Parameters: event.Params}
	result, handled := h.manager.HandleToolCall(call)
	if !handled {
		// Record the failure so the model stops retrying the same call.
		h.Logger.With(map[string]interface{}{"tool_id": event.ToolId}).Warn("LLMAssistantContextAggregator: no handler registered for tool")
		result = fmt.Sprintf("Tool %q is not available.", event.ToolId)
	} else if result == "" {
		h.Logger.With(map[string]interface{}{"tool_id": event.ToolId}).Debug("LLMAssistantContextAggregator: silent tool handled")
		return
	}

	h.manager.AddToolExchange(call, result)
	h.SendPacket(core.NewEventPacket(&llm.LLMToolInvocationResultEvent{
		ToolId: event.ToolId,
		Result: result,
	}, core.EventRelayDestinationNextService, "LLMAssistantContextAggregator"))

	// The LLM stage sits upstream of this one, so the follow-up generation
	// has to travel over the top of the pipeline.
	h.SendPacket(core.NewEventPacket(&llm.LLMGenerateResponseEvent{
		Context: h.manager.SnapshotContext(),
	}, core.EventRelayDestinationTopService, "LLMAssistantContextAggregator"))
}

func (h *LLMAssistantContextAggregator) Cleanup() error {
	h.manager.cleanup()
	return h.BaseHandler.Cleanup()
}

func (h *LLMAssistantContextAggregator) Reset() error {
	h.mu.Lock()
	h.spoken.Reset()
	h.mu.Unlock()
	return h.BaseHandler.Reset()
}
