package tts

import "spritebot/core"

// TTSOutputEvent carries one chunk of synthesized speech audio.
type TTSOutputEvent struct {
	AudioChunk core.AudioChunk
}

func (e *TTSOutputEvent) GetId() string { return "tts.output" }

// TTSSpokenTextChunkEvent reports the text that was actually synthesized,
// chunk by chunk, so the assistant context can record what was said.
type TTSSpokenTextChunkEvent struct {
	Text string
}

func (e *TTSSpokenTextChunkEvent) GetId() string { return "tts.spoken_text_chunk" }

// TTSSpeakingStartedEvent marks the start of audible bot speech. Mirrored to
// external WebSocket clients so UIs can animate while the bot talks.
type TTSSpeakingStartedEvent struct {
	core.ExternalOutputMarker
}

func (e *TTSSpeakingStartedEvent) GetId() string { return "tts.speaking_started" }

// TTSSpeakingEndedEvent marks the end of audible bot speech. Mirrored to
// external WebSocket clients alongside TTSSpeakingStartedEvent.
type TTSSpeakingEndedEvent struct {
	core.ExternalOutputMarker
}

func (e *TTSSpeakingEndedEvent) GetId() string { return "tts.speaking_ended" }

// TTSSpeakEvent triggers the TTS to immediately speak the given text,
// bypassing the normal LLM chunk accumulation pipeline. External clients may
// inject it over the event WebSocket.
type TTSSpeakEvent struct {
	core.ExternalInputMarker
	Text string `json:"text"`
}

func (e *TTSSpeakEvent) GetId() string { return "tts.speak" }
