package core

import "github.com/google/uuid"

// EventRelayDestination selects where a packet goes after the current
// handler.
type EventRelayDestination int

const (
	// EventRelayDestinationNextService forwards to the next handler in the
	// pipeline.
	EventRelayDestinationNextService EventRelayDestination = iota + 1
	// EventRelayDestinationTopService hands the packet to the runner's top
	// channel, which re-injects it at the head of the pipeline.
	EventRelayDestinationTopService
)

// EventPacket wraps one event in flight. Uid identifies the packet in logs;
// Relayer names the handler that sent it.
type EventPacket struct {
	Event       IEvent
	Destination EventRelayDestination
	Uid         string
	Relayer     string
}

func NewEventPacket(event IEvent, destination EventRelayDestination, relayer string) *EventPacket {
	return &EventPacket{
		Event:       event,
		Destination: destination,
		Uid:         uuid.New().String(),
		Relayer:     relayer,
	}
}
