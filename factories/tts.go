package factories

import (
	"errors"

	"spritebot/core"
	ttshandler "spritebot/handlers/tts"
	cartesia "spritebot/services/cartesia/tts"
	deepgramtts "spritebot/services/deepgram/tts"
	elevenlabs "spritebot/services/elevenlabs/tts"
)

// TTSFactoryConfig selects the speech synthesis provider. Set exactly one
// provider config and leave the rest nil.
type TTSFactoryConfig struct {
	DeepgramConfig   *deepgramtts.DepgramTTSConfig   `json:"deepgram,omitempty"`
	ElevenLabsConfig *elevenlabs.ElevenLabsTTSConfig `json:"elevenlabs,omitempty"`
	CartesiaConfig   *cartesia.CartesiaTTSConfig     `json:"cartesia,omitempty"`
}

// DefaultTTSFactoryConfig selects ElevenLabs; the service constructor fills
// in voice and model defaults.
func DefaultTTSFactoryConfig() TTSFactoryConfig {
	return TTSFactoryConfig{ElevenLabsConfig: &elevenlabs.ElevenLabsTTSConfig{}}
}

// BuildTTSService constructs the synthesizer named by config.
func BuildTTSService(config TTSFactoryConfig, logger *core.Logger) (ttshandler.TTSService, error) {
	switch {
	case config.DeepgramConfig != nil:
		return deepgramtts.NewDepgramTTS(*config.DeepgramConfig, logger), nil
	case config.ElevenLabsConfig != nil:
		return elevenlabs.NewElevenLabsTTS(*config.ElevenLabsConfig, logger), nil
	case config.CartesiaConfig != nil:
		return cartesia.NewCartesiaTTS(*config.CartesiaConfig, logger), nil
	}
	return nil, errors.New("TTSFactoryConfig: no provider config specified")
}
