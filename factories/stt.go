package factories

import (
	"errors"

	"spritebot/core"
	stthandler "spritebot/handlers/stt"
	deepgramstt "spritebot/services/deepgram/stt"
)

// STTFactoryConfig selects the speech-to-text provider. Set exactly one
// provider config and leave the rest nil. Deepgram is currently the only
// streaming recognizer wired in.
type STTFactoryConfig struct {
	DeepgramConfig *deepgramstt.DeepgramConfig `json:"deepgram,omitempty"`
}

// DefaultSTTFactoryConfig selects Deepgram with its service defaults.
func DefaultSTTFactoryConfig() STTFactoryConfig {
	return STTFactoryConfig{DeepgramConfig: deepgramstt.DefaultConfig()}
}

// BuildSTTService constructs the recognizer named by config.
func BuildSTTService(config STTFactoryConfig, logger *core.Logger) (stthandler.ISTTService, error) {
	if config.DeepgramConfig != nil {
		return deepgramstt.NewDeepgramSTTService(config.DeepgramConfig, logger), nil
	}
	return nil, errors.New("STTFactoryConfig: no provider config specified")
}
