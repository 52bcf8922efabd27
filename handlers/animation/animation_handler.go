package animation

import (
	"context"
	"errors"
	"sync"

	"spritebot/core"
	"spritebot/events/animation"
	"spritebot/events/tts"
	"spritebot/sprite"
)

// TalkingAnimationHandler drives the avatar between two states: a looping
// talking animation while synthesized audio is flowing, and a static quiet
// frame otherwise. The first audio packet of a response starts the loop;
// the speaking-ended broadcast drops back to the quiet frame. Playback
// itself happens in the output transport, which consumes the emitted
// animation events on its video track.
//
// Every input packet is forwarded unchanged; animation events are emitted in
// addition to, never instead of, the triggering packet.
type TalkingAnimationHandler struct {
	core.BaseHandler
	config Config

	loop  []core.ImageChunk // talking frames, ping-pong order
	quiet core.ImageChunk   // frame shown while idle

	mu      sync.Mutex
	talking bool
}

// animationService is the no-op IService required by BaseHandler; the
// handler is pure local state.
type animationService struct{}

func (s *animationService) Initialize(_ context.Context) error { return nil }
func (s *animationService) Cleanup() error                     { return nil }
func (s *animationService) Reset() error                       { return nil }

// NewTalkingAnimationHandler creates the handler from the decoded avatar
// frames, typically sprite.LoadDirectory output. The talking loop is the
// frames concatenated with their reverse; the quiet frame is the first one.
func NewTalkingAnimationHandler(frames []core.ImageChunk, config Config, logger *core.Logger) (*TalkingAnimationHandler, error) {
	if len(frames) == 0 {
		return nil, errors.New("TalkingAnimationHandler: at least one avatar frame is required")
	}
	if config.FrameRate <= 0 {
		config.FrameRate = DefaultConfig().FrameRate
	}
	h := &TalkingAnimationHandler{
		BaseHandler: *core.NewBaseHandler(&animationService{}, nil, nil, logger),
		config:      config,
		loop:        sprite.PingPong(frames),
		quiet:       frames[0],
	}
	h.SetHandleEventFunc(h.handleEvent)
	return h, nil
}

// Start shows the quiet frame before any audio arrives, then runs the
// default event loop.
func (h *TalkingAnimationHandler) Start() error {
	h.emitQuiet()
	return h.BaseHandler.Start()
}

func (h *TalkingAnimationHandler) handleEvent(packet *core.EventPacket) error {
	switch packet.Event.(type) {
	case *tts.TTSOutputEvent:
		h.onBotAudio()
	case *tts.TTSSpeakingEndedEvent:
		h.onSpeakingEnded()
	}
	h.SendPacket(packet)
	return nil
}

// onBotAudio starts the talking loop on the first audio packet of a
// response. Subsequent audio while talking changes nothing.
func (h *TalkingAnimationHandler) onBotAudio() {
	h.mu.Lock()
	if h.talking {
		h.mu.Unlock()
		return
	}
	h.talking = true
	h.mu.Unlock()

	h.Logger.With(map[string]interface{}{"frames": len(h.loop), "frame_rate": h.config.FrameRate}).Debug("TalkingAnimationHandler: talking loop started")
	h.SendPacket(core.NewEventPacket(&animation.SpriteAnimationEvent{
		Frames:    h.loop,
		FrameRate: h.config.FrameRate,
	}, core.EventRelayDestinationNextService, "TalkingAnimationHandler"))
}

func (h *TalkingAnimationHandler) onSpeakingEnded() {
	h.mu.Lock()
	wasTalking := h.talking
	h.talking = false
	h.mu.Unlock()
	if !wasTalking {
		return
	}
	h.Logger.Debug("TalkingAnimationHandler: back to quiet frame")
	h.emitQuiet()
}

func (h *TalkingAnimationHandler) emitQuiet() {
	h.SendPacket(core.NewEventPacket(&animation.StaticImageEvent{
		Frame: h.quiet,
	}, core.EventRelayDestinationNextService, "TalkingAnimationHandler"))
}

func (h *TalkingAnimationHandler) Reset() error {
	h.mu.Lock()
	h.talking = false
	h.mu.Unlock()
	h.emitQuiet()
	return h.BaseHandler.Reset()
}
