package ebo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func seededRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, event := range []Event{
		requestCreatedEvent(10, 0),
		responseProposedEvent(1, 11, 0, 500, rivalAddress),
		responseDisputedEvent(1, 1, 12, 0),
	} {
		cmd, err := BuildCommand(reg, event)
		require.NoError(t, err)
		require.NoError(t, cmd.Run())
	}
	return reg
}

type registryView struct {
	request   *Request
	other     *Request
	responses []*Response
	disputes  []*Dispute
}

func viewOf(reg *Registry) registryView {
	return registryView{
		request:   reg.GetRequest(testRequestID),
		other:     reg.GetRequest(otherRequest),
		responses: reg.GetResponses(),
		disputes:  reg.GetDisputes(),
	}
}

func TestCommandRunUndoRestoresRegistry(t *testing.T) {
	cases := []struct {
		name  string
		build func(reg *Registry) *Command
	}{
		{"add request", func(reg *Registry) *Command {
			return NewAddRequest(reg, &Request{ID: otherRequest, Status: RequestStatusActive})
		}},
		{"add response", func(reg *Registry) *Command {
			return NewAddResponse(reg, &Response{ID: responseID(9), ProphetData: ProphetResponse{RequestID: testRequestID}})
		}},
		{"add dispute", func(reg *Registry) *Command {
			reg.AddResponse(&Response{ID: responseID(8)})
			return NewAddDispute(reg, &Dispute{ID: disputeID(8), Status: DisputeStatusActive, ProphetData: ProphetDispute{ResponseID: responseID(8)}})
		}},
		{"update dispute status", func(reg *Registry) *Command {
			return NewUpdateDisputeStatus(reg, disputeID(1), DisputeStatusLost)
		}},
		{"finalize request", func(reg *Registry) *Command {
			return NewFinalizeRequest(reg, testRequestID)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := seededRegistry(t)
			cmd := tc.build(reg)
			before := viewOf(reg)

			require.NoError(t, cmd.Run())
			require.NotEqual(t, before, viewOf(reg))
			require.NoError(t, cmd.Undo())
			require.Equal(t, before, viewOf(reg))
		})
	}
}

func TestUpdateDisputeStatusUndoRestoresCapturedStatus(t *testing.T) {
	reg := seededRegistry(t)

	escalate := NewUpdateDisputeStatus(reg, disputeID(1), DisputeStatusEscalated)
	require.NoError(t, escalate.Run())

	won := NewUpdateDisputeStatus(reg, disputeID(1), DisputeStatusWon)
	require.NoError(t, won.Run())
	require.Equal(t, DisputeStatusWon, reg.GetDispute(disputeID(1)).Status)

	require.NoError(t, won.Undo())
	require.Equal(t, DisputeStatusEscalated, reg.GetDispute(disputeID(1)).Status)
}

func TestCommandGuards(t *testing.T) {
	reg := seededRegistry(t)
	cmd := NewFinalizeRequest(reg, testRequestID)

	require.ErrorIs(t, cmd.Undo(), ErrCommandNotRun)
	require.NoError(t, cmd.Run())
	require.ErrorIs(t, cmd.Run(), ErrCommandAlreadyRun)
	require.NoError(t, cmd.Undo())
	require.Error(t, cmd.Undo())
	require.ErrorIs(t, cmd.Run(), ErrCommandAlreadyRun)
}

func TestAddDisputeRequiresStoredResponse(t *testing.T) {
	reg := NewRegistry()
	cmd := NewAddDispute(reg, &Dispute{ID: disputeID(1), ProphetData: ProphetDispute{ResponseID: responseID(1)}})
	require.ErrorIs(t, cmd.Run(), ErrDisputeWithoutResponse)
	require.Nil(t, reg.GetDispute(disputeID(1)))
}

func TestUpdateDisputeStatusRejectsBackwardsTransition(t *testing.T) {
	reg := seededRegistry(t)
	require.NoError(t, NewUpdateDisputeStatus(reg, disputeID(1), DisputeStatusLost).Run())

	err := NewUpdateDisputeStatus(reg, disputeID(1), DisputeStatusActive).Run()
	require.ErrorIs(t, err, ErrInvalidDisputeStatus)
	require.Equal(t, DisputeStatusLost, reg.GetDispute(disputeID(1)).Status)
}

func TestBuildCommandRejectsMismatchedMetadata(t *testing.T) {
	event := requestCreatedEvent(1, 0)
	event.Name = EventResponseProposed
	_, err := BuildCommand(NewRegistry(), event)
	require.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDisputeStatusTransitions(t *testing.T) {
	require.True(t, DisputeStatusNone.CanTransition(DisputeStatusActive))
	require.True(t, DisputeStatusActive.CanTransition(DisputeStatusEscalated))
	require.True(t, DisputeStatusActive.CanTransition(DisputeStatusNoResolution))
	require.True(t, DisputeStatusEscalated.CanTransition(DisputeStatusWon))
	require.True(t, DisputeStatusWon.CanTransition(DisputeStatusWon))
	require.False(t, DisputeStatusEscalated.CanTransition(DisputeStatusActive))
	require.False(t, DisputeStatusNone.CanTransition(DisputeStatusWon))
	require.False(t, DisputeStatusActive.CanTransition(DisputeStatus(42)))

	status, ok := ParseDisputeStatus("noresolution")
	require.True(t, ok)
	require.Equal(t, DisputeStatusNoResolution, status)
}
