package transport

import "spritebot/core"

// Config describes the audio contract between the pipeline and the transport
// wire: outbound TTS audio is normalized to this format before SendEvent.
type Config struct {
	OutSampleRate  int                      `json:"out_sample_rate"`
	OutChannels    int                      `json:"out_channels"`
	OutAudioFormat core.AudioEncodingFormat `json:"out_audio_format"`

	// EndOnParticipantLeft ends the session when the remote participant
	// leaves. Meant for single-user rooms.
	EndOnParticipantLeft bool `json:"end_on_participant_left"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		OutSampleRate:        24000,
		OutChannels:          1,
		OutAudioFormat:       core.PCM,
		EndOnParticipantLeft: true,
	}
}
