package video

import "spritebot/core"

// VideoOutputEvent carries one video chunk bound for the output transport,
// such as a sprite animation frame.
type VideoOutputEvent struct {
	VideoChunk core.VideoChunk
}

func (e *VideoOutputEvent) GetId() string { return "video.output" }
