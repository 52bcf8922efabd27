package core

// TTSContext gives a synthesis service conversational context. Services
// that support it use the recent audio and message history to keep prosody
// consistent across utterances.
type TTSContext struct {
	PreviousAudio        []AudioChunk
	ConversationMessages []LLMMessage
}
