package core

type IEvent interface {
	GetId() string // Returns the unique identifier of the event.
}

// IExternalOutputEvent is implemented by events that should be mirrored to the
// ExternalEventHandler in addition to flowing through the pipeline. Embed
// ExternalOutputMarker in an event struct to opt in; events without the marker
// never leave the process.
type IExternalOutputEvent interface {
	IEvent
	externalOutput()
}

// IExternalInputEvent is implemented by events that originate outside the
// pipeline. When the ExternalEventHandler receives one, it is pushed to the
// pipeline top so all handlers can observe it.
type IExternalInputEvent interface {
	IEvent
	externalInput()
}

// ExternalOutputMarker opts an event type into external broadcast.
type ExternalOutputMarker struct{}

func (ExternalOutputMarker) externalOutput() {}

// ExternalInputMarker opts an event type into external injection.
type ExternalInputMarker struct{}

func (ExternalInputMarker) externalInput() {}
