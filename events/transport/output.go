package transport

import "spritebot/core"

type TransportAudioInputEvent struct {
	AudioChunk core.AudioChunk
}

func (e *TransportAudioInputEvent) GetId() string {
	return "serializer.audio_input"
}

type TransportVideoInputEvent struct {
	VideoChunk core.VideoChunk
}

func (e *TransportVideoInputEvent) GetId() string {
	return "serializer.video_input"
}

type TransportTextInputEvent struct {
	Text string
}

func (e *TransportTextInputEvent) GetId() string {
	return "serializer.text_input"
}

// ParticipantJoinedEvent fires when a remote participant enters the room or
// call. The context manager uses the first one to kick off the greeting.
type ParticipantJoinedEvent struct {
	ParticipantID string
	Name          string
}

func (e *ParticipantJoinedEvent) GetId() string {
	return "serializer.participant_joined"
}

// ParticipantLeftEvent fires when a remote participant leaves. Transports that
// host exactly one user typically end the call on it.
type ParticipantLeftEvent struct {
	ParticipantID string
	Reason        string
}

func (e *ParticipantLeftEvent) GetId() string {
	return "serializer.participant_left"
}
