package animation

// Config holds configuration for TalkingAnimationHandler.
type Config struct {
	// FrameRate is how many sprite frames per second the talking loop plays
	// at. Raw frames are heavy on the wire, so this defaults well below
	// typical camera rates.
	FrameRate int `json:"frame_rate"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		FrameRate: 12,
	}
}
