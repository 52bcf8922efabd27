package vad

import "spritebot/core"

// VADUserSpeechChunkEvent carries audio classified as user speech.
type VADUserSpeechChunkEvent struct {
	AudioChunk core.AudioChunk
}

func (e *VADUserSpeechChunkEvent) GetId() string { return "vad.user_speech.chunk" }

// VADSilenceChunkEvent carries audio classified as silence. Downstream
// handlers may still want it for timing, so it is forwarded rather than
// dropped.
type VADSilenceChunkEvent struct {
	AudioChunk core.AudioChunk
}

func (e *VADSilenceChunkEvent) GetId() string { return "vad.silence.chunk" }

// VadInterruptionSuspectedEvent fires when user speech is detected while the
// bot is speaking. Downstream handlers pause output but keep it recoverable
// until the suspicion is confirmed or withdrawn.
type VadInterruptionSuspectedEvent struct{}

func (e *VadInterruptionSuspectedEvent) GetId() string { return "vad.interruption.suspected" }

// VadInterruptionConfirmedEvent fires when suspected user speech persists long
// enough to count as a real barge-in. Cached bot output is dropped for good.
type VadInterruptionConfirmedEvent struct{}

func (e *VadInterruptionConfirmedEvent) GetId() string { return "vad.interruption.confirmed" }

// VadUserSpeechStartedEvent marks the transition from silence to speech.
type VadUserSpeechStartedEvent struct{}

func (e *VadUserSpeechStartedEvent) GetId() string { return "vad.user_speech.started" }

// VadUserSpeechEndedEvent marks the transition from speech back to silence.
type VadUserSpeechEndedEvent struct{}

func (e *VadUserSpeechEndedEvent) GetId() string { return "vad.user_speech.ended" }
