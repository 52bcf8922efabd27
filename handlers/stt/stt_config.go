package stt

// STTConfig controls handler-level transcription behaviour. Provider-specific
// options (model, language, encoding) live on the service configs.
type STTConfig struct {
	// SendSilenceAudio also streams silence-classified audio to the provider.
	// Streaming recognizers rely on trailing silence for endpointing, so
	// disabling this usually delays final transcripts.
	SendSilenceAudio bool `json:"send_silence_audio"`
	// FlushOnSpeechEnded asks the provider to finalize its pending transcript
	// as soon as the VAD reports the user stopped speaking, for providers
	// that support it.
	FlushOnSpeechEnded bool `json:"flush_on_speech_ended"`
}

// DefaultConfig returns an STTConfig with sensible defaults.
func DefaultConfig() STTConfig {
	return STTConfig{
		SendSilenceAudio:   true,
		FlushOnSpeechEnded: true,
	}
}
