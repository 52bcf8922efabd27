package stt

// STTInterimOutputEvent carries a partial transcript that may still be
// revised by the recognizer.
type STTInterimOutputEvent struct {
	Text string
}

func (e *STTInterimOutputEvent) GetId() string { return "stt.interim_output" }

// STTFinalOutputEvent carries a finalized transcript segment.
type STTFinalOutputEvent struct {
	Text string
}

func (e *STTFinalOutputEvent) GetId() string { return "stt.final_output" }
