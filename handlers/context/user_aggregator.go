package context

import (
	"strings"
	"sync"

	"spritebot/core"
	"spritebot/events/llm"
	"spritebot/events/stt"
	"spritebot/events/transport"
)

// LLMUserContextAggregator sits between the STT stage and the LLM stage. It
// commits final user utterances to the shared context and emits a generation
// request carrying a snapshot, so the LLM never races against later edits.
// It also turns the first participant join into a greeting generation and
// relays interim transcripts as filler-preparation hints.
type LLMUserContextAggregator struct {
	core.BaseHandler
	manager *LLMContextManager

	mu      sync.Mutex
	greeted bool
}

func newLLMUserContextAggregator(manager *LLMContextManager, logger *core.Logger) *LLMUserContextAggregator {
	h := &LLMUserContextAggregator{
		BaseHandler: *core.NewBaseHandler(&contextService{}, nil, nil, logger),
		manager:     manager,
	}
	h.SetHandleEventFunc(h.handleEvent)
	return h
}

func (h *LLMUserContextAggregator) handleEvent(packet *core.EventPacket) error {
	switch event := packet.Event.(type) {
	case *stt.STTFinalOutputEvent:
		h.onUserUtterance(event.Text)
	case *transport.TransportTextInputEvent:
		h.onUserUtterance(event.Text)
	case *stt.STTInterimOutputEvent:
		if strings.TrimSpace(event.Text) != "" {
			snapshot := h.manager.SnapshotContext()
			h.SendPacket(core.NewEventPacket(&llm.LLMPrepareInterimFillerEvent{
				PartialTranscript: event.Text,
				Context:           &snapshot,
			}, core.EventRelayDestinationNextService, "LLMUserContextAggregator"))
		}
	case *transport.ParticipantJoinedEvent:
		h.onParticipantJoined(event)
	}
	h.SendPacket(packet)
	return nil
}

func (h *LLMUserContextAggregator) onUserUtterance(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	h.manager.AddUserMessage(text)
	h.Logger.With(map[string]interface{}{"chars": len(text)}).Debug("LLMUserContextAggregator: user message committed")
	h.requestGeneration()
}

// onParticipantJoined triggers the opening generation once: the system prompt
// tells the model to introduce itself, so an empty user turn is enough.
func (h *LLMUserContextAggregator) onParticipantJoined(event *transport.ParticipantJoinedEvent) {
	h.mu.Lock()
	first := !h.greeted
	h.greeted = true
	h.mu.Unlock()
	if !first || !h.manager.config.GreetOnFirstJoin {
		return
	}
	h.Logger.With(map[string]interface{}{"participant_id": event.ParticipantID}).Info("LLMUserContextAggregator: first participant joined, generating greeting")
	h.requestGeneration()
}

func (h *LLMUserContextAggregator) requestGeneration() {
	h.SendPacket(core.NewEventPacket(&llm.LLMGenerateResponseEvent{
		Context: h.manager.SnapshotContext(),
	}, core.EventRelayDestinationNextService, "LLMUserContextAggregator"))
}

func (h *LLMUserContextAggregator) Reset() error {
	h.mu.Lock()
	h.greeted = false
	h.mu.Unlock()
	return h.BaseHandler.Reset()
}
