package vad

type VADConfig struct {
	MinConfidence float32 `json:"min_confidence"` // Minimum confidence threshold for voice activity detection. Values range from 0.0 to 1.0, where higher values indicate stricter detection.
	// VadPatienceSeconds is how much sustained silence ends the user's turn.
	// Pauses shorter than this stay inside the same utterance.
	VadPatienceSeconds float32 `json:"vad_patience_seconds"`
	AllowInterruptions bool    `json:"allow_interruptions"` // If true, interruptions from the user while the bot is speaking are detected and handled.
	// InterruptionConfirmSeconds is how much sustained user speech during bot
	// output upgrades a suspected interruption to a confirmed one. Must be
	// shorter than the activity-control confirmation timeout.
	InterruptionConfirmSeconds        float32 `json:"interruption_confirm_seconds"`
	VadPatienceIncreaseOnInterruption float32 `json:"vad_patience_increase_on_interruption"` // The amount of time (in seconds) to increase the VAD grace period when an interruption is detected.
}

// DefaultConfig returns a VADConfig with sensible defaults
func DefaultConfig() VADConfig {
	return VADConfig{
		MinConfidence:                     0.5,
		VadPatienceSeconds:                0.8,
		AllowInterruptions:                true,
		InterruptionConfirmSeconds:        0.4,
		VadPatienceIncreaseOnInterruption: 0.2,
	}
}
