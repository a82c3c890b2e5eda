package ebo

import "fmt"

// CommandKind enumerates the registry mutations an event can produce.
type CommandKind uint8

const (
	CommandAddRequest CommandKind = iota + 1
	CommandAddResponse
	CommandAddDispute
	CommandUpdateDisputeStatus
	CommandFinalizeRequest
)

func (k CommandKind) String() string {
	switch k {
	case CommandAddRequest:
		return "AddRequest"
	case CommandAddResponse:
		return "AddResponse"
	case CommandAddDispute:
		return "AddDispute"
	case CommandUpdateDisputeStatus:
		return "UpdateDisputeStatus"
	case CommandFinalizeRequest:
		return "FinalizeRequest"
	default:
		return "Unknown"
	}
}

type commandState uint8

const (
	commandPending commandState = iota
	commandApplied
	commandReverted
)

// Command is a single reversible registry mutation. It may be run once and
// undone once; the inverse is captured when it runs.
type Command struct {
	kind     CommandKind
	registry *Registry
	state    commandState

	request  *Request
	response *Response
	dispute  *Dispute

	requestID RequestID
	disputeID DisputeID
	status    DisputeStatus

	// captured by Run for Undo
	prevDisputeStatus DisputeStatus
	prevRequestStatus RequestStatus
}

// NewAddRequest registers a new request.
func NewAddRequest(registry *Registry, req *Request) *Command {
	return &Command{kind: CommandAddRequest, registry: registry, request: req.Clone()}
}

// NewAddResponse registers a new response.
func NewAddResponse(registry *Registry, resp *Response) *Command {
	return &Command{kind: CommandAddResponse, registry: registry, response: resp.Clone()}
}

// NewAddDispute registers a new dispute.
func NewAddDispute(registry *Registry, d *Dispute) *Command {
	return &Command{kind: CommandAddDispute, registry: registry, dispute: d.Clone()}
}

// NewUpdateDisputeStatus moves a stored dispute to status.
func NewUpdateDisputeStatus(registry *Registry, id DisputeID, status DisputeStatus) *Command {
	return &Command{kind: CommandUpdateDisputeStatus, registry: registry, disputeID: id, status: status}
}

// NewFinalizeRequest marks a stored request as finalized.
func NewFinalizeRequest(registry *Registry, id RequestID) *Command {
	return &Command{kind: CommandFinalizeRequest, registry: registry, requestID: id}
}

// Kind returns the mutation the command carries.
func (c *Command) Kind() CommandKind { return c.kind }

// Run applies the mutation.
func (c *Command) Run() error {
	if c.state != commandPending {
		return fmt.Errorf("%w: %s", ErrCommandAlreadyRun, c.kind)
	}
	if c.registry == nil {
		return fmt.Errorf("%w: %s has no registry", ErrInvalidActorState, c.kind)
	}
	if err := c.apply(); err != nil {
		return err
	}
	c.state = commandApplied
	return nil
}

// Undo reverts a previously run mutation.
func (c *Command) Undo() error {
	switch c.state {
	case commandPending:
		return fmt.Errorf("%w: %s", ErrCommandNotRun, c.kind)
	case commandReverted:
		return fmt.Errorf("%w: %s already undone", ErrCommandAlreadyRun, c.kind)
	}
	c.revert()
	c.state = commandReverted
	return nil
}

func (c *Command) apply() error {
	reg := c.registry
	switch c.kind {
	case CommandAddRequest:
		if c.request == nil {
			return fmt.Errorf("%w: nil request", ErrInvalidActorState)
		}
		if reg.GetRequest(c.request.ID) != nil {
			return fmt.Errorf("%w: request %s already registered", ErrInvalidActorState, c.request.ID)
		}
		reg.AddRequest(c.request)
	case CommandAddResponse:
		if c.response == nil {
			return fmt.Errorf("%w: nil response", ErrInvalidActorState)
		}
		if reg.GetResponse(c.response.ID) != nil {
			return fmt.Errorf("%w: response %s already registered", ErrInvalidActorState, c.response.ID)
		}
		reg.AddResponse(c.response)
	case CommandAddDispute:
		if c.dispute == nil {
			return fmt.Errorf("%w: nil dispute", ErrInvalidActorState)
		}
		if reg.GetDispute(c.dispute.ID) != nil {
			return fmt.Errorf("%w: dispute %s already registered", ErrInvalidActorState, c.dispute.ID)
		}
		if reg.GetResponse(c.dispute.ProphetData.ResponseID) == nil {
			return fmt.Errorf("%w: dispute %s response %s", ErrDisputeWithoutResponse, c.dispute.ID, c.dispute.ProphetData.ResponseID)
		}
		reg.AddDispute(c.dispute)
	case CommandUpdateDisputeStatus:
		current := reg.GetDispute(c.disputeID)
		if current == nil {
			return fmt.Errorf("%w: dispute %s not registered", ErrInvalidActorState, c.disputeID)
		}
		if !current.Status.CanTransition(c.status) {
			return fmt.Errorf("%w: %s -> %s for dispute %s", ErrInvalidDisputeStatus, current.Status, c.status, c.disputeID)
		}
		c.prevDisputeStatus = current.Status
		reg.UpdateDisputeStatus(c.disputeID, c.status)
	case CommandFinalizeRequest:
		current := reg.GetRequest(c.requestID)
		if current == nil {
			return fmt.Errorf("%w: request %s not registered", ErrInvalidActorState, c.requestID)
		}
		c.prevRequestStatus = current.Status
		reg.setRequestStatus(c.requestID, RequestStatusFinalized)
	default:
		return fmt.Errorf("%w: command kind %d", ErrInvalidActorState, c.kind)
	}
	return nil
}

func (c *Command) revert() {
	reg := c.registry
	switch c.kind {
	case CommandAddRequest:
		reg.removeRequest(c.request.ID)
	case CommandAddResponse:
		reg.removeResponse(c.response.ID)
	case CommandAddDispute:
		reg.removeDispute(c.dispute.ID)
	case CommandUpdateDisputeStatus:
		reg.UpdateDisputeStatus(c.disputeID, c.prevDisputeStatus)
	case CommandFinalizeRequest:
		reg.setRequestStatus(c.requestID, c.prevRequestStatus)
	}
}

// BuildCommand translates an event into the registry mutation it implies.
func BuildCommand(registry *Registry, event Event) (*Command, error) {
	if err := event.validate(); err != nil {
		return nil, err
	}
	at := event.Position()
	switch meta := event.Metadata.(type) {
	case RequestCreated:
		return NewAddRequest(registry, &Request{
			ID:          meta.RequestID,
			ChainID:     meta.ChainID,
			Epoch:       meta.Epoch,
			CreatedAt:   at,
			Status:      RequestStatusActive,
			DecodedData: meta.DecodedData,
			ProphetData: meta.ProphetData,
		}), nil
	case ResponseProposed:
		return NewAddResponse(registry, &Response{
			ID:          meta.ResponseID,
			CreatedAt:   at,
			DecodedData: meta.DecodedData,
			ProphetData: meta.ProphetData,
		}), nil
	case ResponseDisputed:
		return NewAddDispute(registry, &Dispute{
			ID:          meta.DisputeID,
			CreatedAt:   at,
			Status:      DisputeStatusActive,
			ProphetData: meta.ProphetData,
		}), nil
	case DisputeStatusUpdated:
		return NewUpdateDisputeStatus(registry, meta.DisputeID, meta.Status), nil
	case DisputeEscalated:
		return NewUpdateDisputeStatus(registry, meta.DisputeID, DisputeStatusEscalated), nil
	case OracleRequestFinalized:
		return NewFinalizeRequest(registry, meta.RequestID), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event.Name)
	}
}
