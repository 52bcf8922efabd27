package tts

import "time"

type TTSConfig struct {
	// BreakWords are punctuation and linguistic markers that trigger early
	// flushing of buffered text to the synthesizer. Defaults to common
	// sentence and clause boundaries when left empty.
	BreakWords []string `json:"break_words"`
	// MinTextLength is the minimum buffered length before a break word may
	// trigger a flush. Very short fragments synthesize with poor prosody.
	MinTextLength int `json:"min_text_length"`
	// SpeechIdleTimeout is how long the synthesized audio stream must stay
	// idle, after the response text has been fully submitted, before the bot
	// counts as done speaking.
	SpeechIdleTimeout time.Duration `json:"speech_idle_timeout"`
}

// DefaultConfig returns a TTSConfig with sensible defaults.
// BreakWords defaults are applied by NewTTSHandler when left empty.
func DefaultConfig() TTSConfig {
	return TTSConfig{
		MinTextLength:     20,
		SpeechIdleTimeout: 800 * time.Millisecond,
	}
}
