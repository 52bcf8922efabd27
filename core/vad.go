package core

// VADResult is one speech-probability reading from the voice activity
// detector. Ready is false while the detector is still filling its first
// analysis window, during which Confidence carries no signal.
type VADResult struct {
	Confidence float32
	Ready      bool
}
