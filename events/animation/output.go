package animation

import "spritebot/core"

// SpriteAnimationEvent asks the transport to cycle through Frames at
// FrameRate on its video track until a StaticImageEvent replaces them.
type SpriteAnimationEvent struct {
	Frames    []core.ImageChunk
	FrameRate int
}

func (e *SpriteAnimationEvent) GetId() string {
	return "animation.sprite"
}

// StaticImageEvent asks the transport to hold a single frame on its video
// track, stopping any running sprite animation.
type StaticImageEvent struct {
	Frame core.ImageChunk
}

func (e *StaticImageEvent) GetId() string {
	return "animation.static_image"
}
