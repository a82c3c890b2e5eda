package ebo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// OnLastBlockUpdated settles disputes and finalizes the request once their
// block deadlines have passed. It is serialised with ProcessEvents.
func (a *Actor) OnLastBlockUpdated(ctx context.Context, blockNumber uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	req := a.registry.GetRequest(a.request.ID)
	if req == nil {
		return nil
	}
	settleErr := a.settleDisputes(ctx, req, blockNumber)
	if errors.Is(settleErr, ErrDisputeWithoutResponse) {
		return settleErr
	}
	return errors.Join(settleErr, a.finalizeRequest(ctx, req, blockNumber))
}

// disputeDeadline is the last block at which pledges may still tie.
func disputeDeadline(req *Request, d *Dispute) uint64 {
	params := req.DecodedData.DisputeModuleData
	return d.CreatedAt.BlockNumber + params.BondEscalationDeadline + params.TyingBuffer
}

func (a *Actor) settleDisputes(ctx context.Context, req *Request, blockNumber uint64) error {
	var errs []error
	for _, dispute := range a.registry.GetDisputes() {
		if dispute.Status != DisputeStatusActive {
			continue
		}
		resp := a.registry.GetResponse(dispute.ProphetData.ResponseID)
		if resp == nil {
			return fmt.Errorf("%w: dispute %s", ErrDisputeWithoutResponse, dispute.ID)
		}
		if blockNumber <= disputeDeadline(req, dispute) {
			continue
		}
		if err := a.settleDispute(ctx, req, resp, dispute); err != nil {
			a.logger.Error("settle dispute",
				slog.String("dispute_id", dispute.ID.String()),
				slog.Uint64("block", blockNumber),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Actor) settleDispute(ctx context.Context, req *Request, resp *Response, dispute *Dispute) error {
	err := a.call("settle_dispute", func() error {
		return a.provider.SettleDispute(ctx, req, resp, dispute)
	})
	if err == nil {
		a.logger.Info("dispute settled", slog.String("dispute_id", dispute.ID.String()))
		return nil
	}
	revert, ok := ClassifyRevert(err)
	if !ok {
		return err
	}
	// ShouldBeEscalated resolves to the escalate strategy, which issues the
	// escalation with this same request, response and dispute.
	_, err = a.handleRevert(ctx, revert.WithContext(nil, req, resp, dispute))
	return err
}

func (a *Actor) finalizeRequest(ctx context.Context, req *Request, blockNumber uint64) error {
	if req.Status == RequestStatusFinalized {
		return nil
	}
	proposalDeadline := req.CreatedAt.BlockNumber + req.DecodedData.ResponseModuleData.Deadline
	if blockNumber <= proposalDeadline {
		return nil
	}
	accepted := a.acceptedResponse(req, blockNumber)
	if accepted == nil {
		a.logger.Debug("no accepted response to finalize", slog.Uint64("block", blockNumber))
		return nil
	}
	if a.finalizing != nil && *a.finalizing == accepted.ID {
		return nil
	}
	err := a.call("finalize", func() error {
		return a.provider.Finalize(ctx, req, accepted)
	})
	if err == nil {
		a.markFinalizing(accepted.ID)
		a.logger.Info("request finalization submitted", slog.String("response_id", accepted.ID.String()))
		return nil
	}
	revert, ok := ClassifyRevert(err)
	if !ok {
		return err
	}
	retry, err := a.handleRevert(ctx, revert.WithContext(nil, req, accepted, nil))
	if err == nil && !retry {
		a.markFinalizing(accepted.ID)
	}
	return err
}

// markFinalizing stops further finalize calls for id until the accepted
// response changes.
func (a *Actor) markFinalizing(id ResponseID) {
	a.finalizing = &id
}

// acceptedResponse returns the earliest response whose dispute window has
// elapsed without a dispute, or whose dispute was lost by the disputer.
func (a *Actor) acceptedResponse(req *Request, blockNumber uint64) *Response {
	var best *Response
	for _, resp := range a.registry.GetResponses() {
		if !a.isResponseAccepted(req, resp, blockNumber) {
			continue
		}
		if best == nil || resp.CreatedAt.Before(best.CreatedAt) {
			best = resp
		}
	}
	return best
}

func disputeWindowElapsed(req *Request, resp *Response, blockNumber uint64) bool {
	return blockNumber > resp.CreatedAt.BlockNumber+req.DecodedData.ResponseModuleData.DisputeWindow
}

func (a *Actor) isResponseAccepted(req *Request, resp *Response, blockNumber uint64) bool {
	if resp.ProphetData.RequestID != req.ID {
		return false
	}
	if !disputeWindowElapsed(req, resp, blockNumber) {
		return false
	}
	dispute := a.registry.GetResponseDispute(resp)
	return dispute == nil || dispute.Status == DisputeStatusLost
}

// activeResponses lists responses still in play: undisputed inside their
// dispute window, or disputed without a final outcome.
func (a *Actor) activeResponses(req *Request, blockNumber uint64) []*Response {
	var active []*Response
	for _, resp := range a.registry.GetResponses() {
		if a.isResponseAccepted(req, resp, blockNumber) {
			continue
		}
		dispute := a.registry.GetResponseDispute(resp)
		if dispute == nil {
			if !disputeWindowElapsed(req, resp, blockNumber) {
				active = append(active, resp)
			}
			continue
		}
		if !dispute.Status.Terminal() {
			active = append(active, resp)
		}
	}
	return active
}

// CanBeTerminated reports whether the request's epoch is over, the request is
// finalized and no response is still in play.
func (a *Actor) CanBeTerminated(currentEpoch uint64, blockNumber uint64) bool {
	req := a.registry.GetRequest(a.request.ID)
	if req == nil {
		return false
	}
	if currentEpoch <= req.Epoch {
		return false
	}
	if req.Status != RequestStatusFinalized {
		return false
	}
	return len(a.activeResponses(req, blockNumber)) == 0
}

// Snapshot is a point-in-time view of an actor for diagnostics.
type Snapshot struct {
	Request       ActorRequest
	Entity        *Request
	Responses     []*Response
	Disputes      []*Dispute
	QueuedEvents  int
	LastProcessed *Event
	Terminated    bool
}

// Snapshot returns the actor's current state without blocking on an
// in-flight processing pass.
func (a *Actor) Snapshot() Snapshot {
	a.qmu.Lock()
	queued := a.queue.Len()
	var last *Event
	if a.lastProcessed != nil {
		copied := *a.lastProcessed
		last = &copied
	}
	a.qmu.Unlock()
	return Snapshot{
		Request:       a.request,
		Entity:        a.registry.GetRequest(a.request.ID),
		Responses:     a.registry.GetResponses(),
		Disputes:      a.registry.GetDisputes(),
		QueuedEvents:  queued,
		LastProcessed: last,
		Terminated:    a.Terminated(),
	}
}
