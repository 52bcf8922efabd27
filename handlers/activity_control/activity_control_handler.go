package activitycontrol

import (
	"context"
	"sync"
	"time"

	"spritebot/core"
	"spritebot/events/llm"
	"spritebot/events/tts"
	"spritebot/events/vad"
)

const defaultInterruptionWindow = 1500 * time.Millisecond

// Config holds configuration for ActivityControlHandler.
type Config struct {
	// ConfirmationTimeout bounds how long a suspected interruption may stay
	// unconfirmed before cached audio is released again. Default: 1500ms.
	ConfirmationTimeout time.Duration `json:"confirmation_timeout"`
	// RollbackDuration discounts the effective playback position on a
	// confirmed interruption, covering audio still in flight to the
	// client. Default: 1500ms.
	RollbackDuration time.Duration `json:"rollback_duration"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		ConfirmationTimeout: defaultInterruptionWindow,
		RollbackDuration:    defaultInterruptionWindow,
	}
}

// ActivityControlHandler gates synthesized audio on its way to the output
// transport. While speech flows normally it just counts sent duration. A
// VadInterruptionSuspectedEvent flips it into a suspended mode where chunks
// are cached rather than forwarded; a confirmation drops the cache and
// broadcasts TTSSpeakingEndedEvent, while an expired confirmation window
// replays the cache and resumes.
type ActivityControlHandler struct {
	core.BaseHandler

	mu sync.Mutex

	// Chunks withheld while suspended, in arrival order.
	cachedChunks []*core.EventPacket

	speakingStartTime time.Time
	totalSentDuration float64 // seconds of audio forwarded downstream
	isSpeaking        bool

	isSuspended  bool
	confirmTimer *time.Timer

	// Signalled by the timer when a suspicion expires unconfirmed.
	resumeChan chan struct{}

	config Config
}

// dummyService is a no-op IService required by BaseHandler.
type dummyService struct{}

func (s *dummyService) Initialize(_ context.Context) error { return nil }
func (s *dummyService) Cleanup() error                     { return nil }
func (s *dummyService) Reset() error                       { return nil }

// NewActivityControlHandler creates a new ActivityControlHandler.
func NewActivityControlHandler(cfg Config, logger *core.Logger) *ActivityControlHandler {
	if cfg.ConfirmationTimeout == 0 {
		cfg.ConfirmationTimeout = defaultInterruptionWindow
	}
	if cfg.RollbackDuration == 0 {
		cfg.RollbackDuration = defaultInterruptionWindow
	}
	return &ActivityControlHandler{
		BaseHandler: *core.NewBaseHandler(&dummyService{}, nil, nil, logger),
		config:      cfg,
	}
}

func (h *ActivityControlHandler) Initialize(
	inputChan <-chan *core.EventPacket,
	outputNextChan chan<- *core.EventPacket,
	outputTopChan chan<- *core.EventPacket,
	ctx context.Context,
) error {
	h.resumeChan = make(chan struct{}, 1)
	return h.BaseHandler.Initialize(inputChan, outputNextChan, outputTopChan, ctx)
}

func (h *ActivityControlHandler) Start() error {
	go h.eventLoop()
	return nil
}

func (h *ActivityControlHandler) eventLoop() {
	for {
		select {
		case <-h.Ctx.Done():
			return
		case packet := <-h.InputChan:
			h.HandleEvent(packet)
		case <-h.resumeChan:
			h.onFalsePositive()
		}
	}
}

func (h *ActivityControlHandler) HandleEvent(packet *core.EventPacket) error {
	switch event := packet.Event.(type) {
	case *tts.TTSSpeakingStartedEvent:
		h.mu.Lock()
		h.speakingStartTime = time.Now()
		h.totalSentDuration = 0
		h.isSpeaking = true
		h.mu.Unlock()
		h.SendPacket(packet)

	case *tts.TTSSpeakingEndedEvent:
		h.mu.Lock()
		h.isSpeaking = false
		h.mu.Unlock()
		h.SendPacket(packet)

	case *llm.LLMResponseStartedEvent:
		// A new turn begins; cached audio from the previous one is stale.
		h.mu.Lock()
		h.cachedChunks = nil
		h.speakingStartTime = time.Time{}
		h.totalSentDuration = 0
		h.mu.Unlock()
		h.SendPacket(packet)

	case *tts.TTSOutputEvent:
		h.onAudio(packet, event)

	case *vad.VadInterruptionSuspectedEvent:
		h.onSuspected(packet)

	case *vad.VadInterruptionConfirmedEvent:
		h.onConfirmed(packet)

	default:
		h.SendPacket(packet)
	}
	return nil
}

// onAudio forwards a TTS chunk downstream, or shelves it while an
// interruption verdict is pending.
func (h *ActivityControlHandler) onAudio(packet *core.EventPacket, event *tts.TTSOutputEvent) {
	h.mu.Lock()
	if h.isSuspended {
		h.cachedChunks = append(h.cachedChunks, packet)
		h.mu.Unlock()
		return
	}
	h.totalSentDuration += event.AudioChunk.GetDurationInSeconds()
	h.mu.Unlock()
	h.SendPacket(packet)
}

func (h *ActivityControlHandler) onSuspected(packet *core.EventPacket) {
	h.mu.Lock()
	arm := !h.isSuspended
	h.isSuspended = true
	if arm {
		h.confirmTimer = time.AfterFunc(h.config.ConfirmationTimeout, func() {
			select {
			case h.resumeChan <- struct{}{}:
			default:
			}
		})
	}
	h.mu.Unlock()
	h.SendPacket(packet)
}

func (h *ActivityControlHandler) onConfirmed(packet *core.EventPacket) {
	h.stopConfirmTimer()

	h.mu.Lock()
	var approxPlayed float64
	if !h.speakingStartTime.IsZero() {
		approxPlayed = time.Since(h.speakingStartTime).Seconds() - h.config.RollbackDuration.Seconds()
		if approxPlayed < 0 {
			approxPlayed = 0
		}
	}
	totalSent := h.totalSentDuration
	wasSpeaking := h.isSpeaking

	// The user cut in; withheld chunks must never reach the speaker.
	h.cachedChunks = nil
	h.isSuspended = false
	h.isSpeaking = false
	h.totalSentDuration = 0
	h.speakingStartTime = time.Time{}
	h.mu.Unlock()

	unplayed := totalSent - approxPlayed
	if unplayed < 0 {
		unplayed = 0
	}
	h.Logger.With(map[string]any{
		"approx_played_s": approxPlayed,
		"total_sent_s":    totalSent,
		"unplayed_s":      unplayed,
	}).Info("ActivityControl: interruption confirmed, dropping cached audio")

	// Everyone tracking bot-speaking state (VAD, TTS) needs to know the
	// bot went quiet mid-utterance.
	if wasSpeaking {
		h.SendPacket(core.NewEventPacket(
			&tts.TTSSpeakingEndedEvent{},
			core.EventRelayDestinationTopService,
			"ActivityControlHandler",
		))
	}

	h.SendPacket(packet)
}

func (h *ActivityControlHandler) stopConfirmTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.confirmTimer != nil {
		h.confirmTimer.Stop()
		h.confirmTimer = nil
	}
}

// onFalsePositive runs when the confirmation window closes without a
// confirmed interruption: the shelved audio goes out after all.
func (h *ActivityControlHandler) onFalsePositive() {
	h.mu.Lock()
	chunks := h.cachedChunks
	h.cachedChunks = nil
	h.isSuspended = false
	h.mu.Unlock()

	h.Logger.With(map[string]any{
		"cached_chunks": len(chunks),
	}).Info("ActivityControl: false positive interruption, resuming cached audio")

	for _, pkt := range chunks {
		if ev, ok := pkt.Event.(*tts.TTSOutputEvent); ok {
			h.mu.Lock()
			h.totalSentDuration += ev.AudioChunk.GetDurationInSeconds()
			h.mu.Unlock()
		}
		h.SendPacket(pkt)
	}
}

func (h *ActivityControlHandler) Cleanup() error {
	h.stopConfirmTimer()
	return h.BaseHandler.Cleanup()
}

func (h *ActivityControlHandler) Reset() error {
	return h.BaseHandler.Reset()
}
