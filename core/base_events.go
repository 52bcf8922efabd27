package core

// CriticalErrorEvent aborts the session. The runner treats it as fatal and
// tears the pipeline down.
type CriticalErrorEvent struct {
	Error string
}

func (e *CriticalErrorEvent) GetId() string { return "shared.critical_error" }

// WarningEvent reports a recoverable fault. Handlers keep running.
type WarningEvent struct {
	Error string
}

func (e *WarningEvent) GetId() string { return "shared.warning" }

// EndCallEvent is fired when the agent decides to terminate the session.
// The runner handles it by stopping the pipeline gracefully. External
// clients may inject it to hang up remotely.
type EndCallEvent struct {
	ExternalInputMarker
	Reason string `json:"reason"`
}

func (e *EndCallEvent) GetId() string { return "shared.end_call" }
