package factories

import (
	"fmt"

	"spritebot/core"
	animationhandler "spritebot/handlers/animation"
	"spritebot/sprite"
)

// AvatarConfig describes the sprite avatar rendered while the bot talks.
type AvatarConfig struct {
	// Enabled turns the avatar stage on. When false no animation handler is
	// built and transports receive no frames.
	Enabled bool `json:"enabled"`
	// AssetsDir is the directory holding the numbered sprite frames.
	AssetsDir string `json:"assets_dir"`
	// FrameRate is how many frames per second the talking loop plays at.
	// Zero means the handler default.
	FrameRate int `json:"frame_rate"`
	// CameraWidth and CameraHeight describe the video surface the frames are
	// drawn on. Transports that publish a camera track use these.
	CameraWidth  int `json:"camera_width"`
	CameraHeight int `json:"camera_height"`
}

// DefaultAvatarConfig returns an AvatarConfig matching the demo bot's robot
// sprites: disabled until an assets directory is set.
func DefaultAvatarConfig() AvatarConfig {
	return AvatarConfig{
		Enabled:      false,
		AssetsDir:    "assets",
		FrameRate:    12,
		CameraWidth:  1024,
		CameraHeight: 576,
	}
}

// BuildAnimationHandler loads the sprite frames from disk and constructs the
// talking-animation handler. Returns nil when the avatar is disabled.
func BuildAnimationHandler(config AvatarConfig, logger *core.Logger) (*animationhandler.TalkingAnimationHandler, error) {
	if !config.Enabled {
		return nil, nil
	}

	frames, err := sprite.LoadDirectory(config.AssetsDir)
	if err != nil {
		return nil, fmt.Errorf("avatar: %w", err)
	}

	handlerConfig := animationhandler.DefaultConfig()
	if config.FrameRate > 0 {
		handlerConfig.FrameRate = config.FrameRate
	}

	return animationhandler.NewTalkingAnimationHandler(frames, handlerConfig, logger)
}
