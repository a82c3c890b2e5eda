package ebo

import "fmt"

// EventName identifies the kind of protocol event consumed by an actor.
type EventName string

const (
	EventRequestCreated         EventName = "RequestCreated"
	EventResponseProposed       EventName = "ResponseProposed"
	EventResponseDisputed       EventName = "ResponseDisputed"
	EventDisputeStatusUpdated   EventName = "DisputeStatusUpdated"
	EventDisputeEscalated       EventName = "DisputeEscalated"
	EventOracleRequestFinalized EventName = "OracleRequestFinalized"
)

// EventMetadata is the name-specific payload of an Event. The set of
// implementations is closed to this package.
type EventMetadata interface {
	eventName() EventName
}

// RequestCreated announces a new oracle request.
type RequestCreated struct {
	RequestID   RequestID
	Epoch       uint64
	ChainID     ChainID
	DecodedData RequestDecoded
	ProphetData ProphetRequest
}

// ResponseProposed announces a proposed response.
type ResponseProposed struct {
	RequestID   RequestID
	ResponseID  ResponseID
	DecodedData ResponseDecoded
	ProphetData ProphetResponse
}

// ResponseDisputed announces a dispute against a response.
type ResponseDisputed struct {
	ResponseID  ResponseID
	DisputeID   DisputeID
	ProphetData ProphetDispute
}

// DisputeStatusUpdated announces a dispute status change.
type DisputeStatusUpdated struct {
	DisputeID DisputeID
	Dispute   ProphetDispute
	Status    DisputeStatus
}

// DisputeEscalated announces that a dispute was escalated to resolution.
type DisputeEscalated struct {
	Caller    string
	DisputeID DisputeID
	Dispute   ProphetDispute
}

// OracleRequestFinalized announces request finalization.
type OracleRequestFinalized struct {
	RequestID  RequestID
	ResponseID ResponseID
	Caller     string
}

func (RequestCreated) eventName() EventName         { return EventRequestCreated }
func (ResponseProposed) eventName() EventName       { return EventResponseProposed }
func (ResponseDisputed) eventName() EventName       { return EventResponseDisputed }
func (DisputeStatusUpdated) eventName() EventName   { return EventDisputeStatusUpdated }
func (DisputeEscalated) eventName() EventName       { return EventDisputeEscalated }
func (OracleRequestFinalized) eventName() EventName { return EventOracleRequestFinalized }

// Event is an immutable, ordered protocol fact routed to one actor.
type Event struct {
	Name        EventName
	BlockNumber uint64
	LogIndex    uint
	Timestamp   uint64
	RequestID   RequestID
	Metadata    EventMetadata
}

// NewEvent builds an event whose name is derived from its metadata.
func NewEvent(requestID RequestID, blockNumber uint64, logIndex uint, timestamp uint64, metadata EventMetadata) Event {
	var name EventName
	if metadata != nil {
		name = metadata.eventName()
	}
	return Event{
		Name:        name,
		BlockNumber: blockNumber,
		LogIndex:    logIndex,
		Timestamp:   timestamp,
		RequestID:   requestID,
		Metadata:    metadata,
	}
}

// Position returns the chain position the event was emitted at.
func (e Event) Position() CreatedAt {
	return CreatedAt{Timestamp: e.Timestamp, BlockNumber: e.BlockNumber, LogIndex: e.LogIndex}
}

// After reports whether e sorts strictly after other by (block, log index).
func (e Event) After(other Event) bool {
	return other.Position().Before(e.Position())
}

func (e Event) String() string {
	return fmt.Sprintf("%s@%d:%d", e.Name, e.BlockNumber, e.LogIndex)
}

func (e Event) validate() error {
	if e.Metadata == nil || e.Metadata.eventName() != e.Name {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, e.Name)
	}
	return nil
}
