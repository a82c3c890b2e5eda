package ebo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"eboagent/observability"
)

// Actor drives a single oracle request: it applies protocol events to its
// registry in chain order, reacts to the newest event, and settles or
// finalizes once block deadlines pass.
type Actor struct {
	request  ActorRequest
	provider ProtocolProvider
	blocks   BlockNumberService
	registry *Registry
	notifier Notifier
	metrics  *observability.EboActorMetrics
	logger   *slog.Logger

	// mu serialises processing passes and deadline checks.
	mu sync.Mutex

	qmu           sync.Mutex
	queue         EventQueue
	lastProcessed *Event

	// finalizing is the response already submitted for finalization.
	finalizing *ResponseID

	terminated atomic.Bool
}

// ActorOption customises an actor.
type ActorOption func(*Actor)

// WithLogger sets the base logger; request attributes are added to it.
func WithLogger(logger *slog.Logger) ActorOption {
	return func(a *Actor) { a.logger = logger }
}

// WithNotifier sets the sink for notify and terminate recoveries.
func WithNotifier(n Notifier) ActorOption {
	return func(a *Actor) { a.notifier = n }
}

// WithMetrics overrides the metrics registry. A nil value disables metrics.
func WithMetrics(m *observability.EboActorMetrics) ActorOption {
	return func(a *Actor) { a.metrics = m }
}

// WithRegistry supplies a pre-built registry.
func WithRegistry(r *Registry) ActorOption {
	return func(a *Actor) { a.registry = r }
}

// NewActor constructs an actor for one request.
func NewActor(request ActorRequest, provider ProtocolProvider, blocks BlockNumberService, opts ...ActorOption) (*Actor, error) {
	if provider == nil {
		return nil, fmt.Errorf("ebo: protocol provider required")
	}
	if blocks == nil {
		return nil, fmt.Errorf("ebo: block number service required")
	}
	a := &Actor{
		request:  request,
		provider: provider,
		blocks:   blocks,
		metrics:  observability.EboActor(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = NewRegistry()
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.logger = a.logger.With(
		slog.String("component", "ebo-actor"),
		slog.String("request_id", request.ID.String()),
		slog.String("chain_id", string(request.ChainID)),
		slog.Uint64("epoch", request.Epoch),
	)
	return a, nil
}

// Request returns the identity the actor was built for.
func (a *Actor) Request() ActorRequest { return a.request }

// Registry exposes the actor's projection for read-only inspection.
func (a *Actor) Registry() *Registry { return a.registry }

// Terminated reports whether a revert asked the host to stop servicing this
// request.
func (a *Actor) Terminated() bool { return a.terminated.Load() }

// Enqueue accepts an event for later processing.
func (a *Actor) Enqueue(event Event) error {
	if event.RequestID != a.request.ID {
		return fmt.Errorf("%w: got %s want %s", ErrRequestMismatch, event.RequestID, a.request.ID)
	}
	a.qmu.Lock()
	defer a.qmu.Unlock()
	if a.lastProcessed != nil && !event.After(*a.lastProcessed) {
		return fmt.Errorf("%w: %s is not after %s", ErrPastEvent, event, *a.lastProcessed)
	}
	a.queue.Push(event)
	return nil
}

func (a *Actor) popEvent() (Event, bool) {
	a.qmu.Lock()
	defer a.qmu.Unlock()
	event, ok := a.queue.Pop()
	if !ok {
		return Event{}, false
	}
	processed := event
	a.lastProcessed = &processed
	return event, true
}

func (a *Actor) requeue(event Event) {
	a.qmu.Lock()
	defer a.qmu.Unlock()
	a.queue.Push(event)
}

// Pending returns the number of queued events, including events requeued
// for retry.
func (a *Actor) Pending() int {
	a.qmu.Lock()
	defer a.qmu.Unlock()
	return a.queue.Len()
}

func (a *Actor) queueEmpty() bool {
	a.qmu.Lock()
	defer a.qmu.Unlock()
	return a.queue.Empty()
}

// ProcessEvents drains the queue in chain order. Only the newest event gets
// its reactive handler run. A retryable revert requeues that event, undoes
// its command and ends the pass; unrecoverable errors abort the pass and are
// returned so the caller can try again later.
func (a *Actor) ProcessEvents(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for {
		event, ok := a.popEvent()
		if !ok {
			return nil
		}
		cmd, err := BuildCommand(a.registry, event)
		if err != nil {
			return a.abort(event, err)
		}
		if err := cmd.Run(); err != nil {
			return a.abort(event, err)
		}
		a.metrics.RecordEvent(string(event.Name))

		if !a.queueEmpty() {
			continue
		}
		err = a.onLastEvent(ctx, event)
		if err == nil {
			continue
		}
		revert, ok := ClassifyRevert(err)
		if !ok {
			return a.abort(event, err)
		}
		if revert.Event == nil {
			revert.WithContext(&event, nil, nil, nil)
		}
		retry, err := a.handleRevert(ctx, revert)
		if err != nil {
			return a.abort(event, err)
		}
		if !retry {
			continue
		}
		a.requeue(event)
		if err := cmd.Undo(); err != nil {
			return a.abort(event, err)
		}
		a.metrics.RecordUndo(cmd.Kind().String())
		a.logger.Warn("event requeued for retry",
			slog.String("event", string(event.Name)),
			slog.Uint64("block", event.BlockNumber),
			slog.String("reason", revert.Reason),
		)
		return nil
	}
}

func (a *Actor) abort(event Event, err error) error {
	a.metrics.RecordAbort(string(event.Name))
	a.logger.Error("processing pass aborted",
		slog.String("event", string(event.Name)),
		slog.Uint64("block", event.BlockNumber),
		slog.Uint64("log_index", uint64(event.LogIndex)),
		slog.String("error", err.Error()),
	)
	return err
}

func (a *Actor) onLastEvent(ctx context.Context, event Event) error {
	switch meta := event.Metadata.(type) {
	case RequestCreated:
		return a.onRequestCreated(ctx, event)
	case ResponseProposed:
		return a.onResponseProposed(ctx, event, meta)
	case ResponseDisputed:
		return a.onResponseDisputed(ctx, event, meta)
	case DisputeStatusUpdated:
		return a.onDisputeStatusUpdated(ctx, event, meta)
	case DisputeEscalated:
		a.logger.Info("dispute escalated", slog.String("dispute_id", meta.DisputeID.String()))
		return nil
	case OracleRequestFinalized:
		a.logger.Info("request finalized", slog.String("response_id", meta.ResponseID.String()))
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, event.Name)
	}
}

func (a *Actor) actorRequest() (*Request, error) {
	req := a.registry.GetRequest(a.request.ID)
	if req == nil {
		return nil, fmt.Errorf("%w: request %s not registered", ErrInvalidActorState, a.request.ID)
	}
	return req, nil
}

func (a *Actor) onRequestCreated(ctx context.Context, event Event) error {
	req, err := a.actorRequest()
	if err != nil {
		return err
	}
	err = a.proposeResponse(ctx, req)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrResponseAlreadyProposed):
		a.logger.Warn("skipping proposal, equal response already stored")
		return nil
	case errors.Is(err, ErrEpochMismatch):
		a.logger.Warn("skipping proposal", slog.String("error", err.Error()))
		return nil
	}
	if revert, ok := ClassifyRevert(err); ok {
		return revert.WithContext(&event, req, nil, nil)
	}
	return err
}

func (a *Actor) onResponseProposed(ctx context.Context, event Event, meta ResponseProposed) error {
	req, err := a.actorRequest()
	if err != nil {
		return err
	}
	resp := a.registry.GetResponse(meta.ResponseID)
	if resp == nil {
		return fmt.Errorf("%w: response %s not registered", ErrInvalidActorState, meta.ResponseID)
	}
	body, err := a.buildResponseBody(ctx, req)
	if errors.Is(err, ErrEpochMismatch) {
		a.logger.Warn("skipping response check",
			slog.String("response_id", resp.ID.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err != nil {
		return err
	}
	if responsesEqual(req.ID, body.Block, resp) {
		a.logger.Info("proposed response accepted",
			slog.String("response_id", resp.ID.String()),
			slog.Uint64("block", body.Block),
		)
		return nil
	}
	dispute := ProphetDispute{
		Disputer:   a.provider.GetAccountAddress(),
		Proposer:   resp.ProphetData.Proposer,
		ResponseID: resp.ID,
		RequestID:  req.ID,
	}
	a.logger.Info("disputing response",
		slog.String("response_id", resp.ID.String()),
		slog.Uint64("proposed_block", resp.DecodedData.Response.Block),
		slog.Uint64("expected_block", body.Block),
	)
	err = a.call("dispute_response", func() error {
		return a.provider.DisputeResponse(ctx, req, resp, dispute)
	})
	if err == nil {
		return nil
	}
	if revert, ok := ClassifyRevert(err); ok {
		return revert.WithContext(&event, req, resp, nil)
	}
	return err
}

func (a *Actor) onResponseDisputed(ctx context.Context, event Event, meta ResponseDisputed) error {
	req, err := a.actorRequest()
	if err != nil {
		return err
	}
	dispute := a.registry.GetDispute(meta.DisputeID)
	if dispute == nil {
		return fmt.Errorf("%w: dispute %s not registered", ErrInvalidActorState, meta.DisputeID)
	}
	resp := a.registry.GetResponse(dispute.ProphetData.ResponseID)
	if resp == nil {
		return fmt.Errorf("%w: dispute %s", ErrDisputeWithoutResponse, dispute.ID)
	}
	body, err := a.buildResponseBody(ctx, req)
	if errors.Is(err, ErrEpochMismatch) {
		a.logger.Warn("skipping pledge",
			slog.String("dispute_id", dispute.ID.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err != nil {
		return err
	}
	valid := !responsesEqual(req.ID, body.Block, resp)
	if valid {
		err = a.call("pledge_for_dispute", func() error {
			return a.provider.PledgeForDispute(ctx, req, dispute)
		})
	} else {
		err = a.call("pledge_against_dispute", func() error {
			return a.provider.PledgeAgainstDispute(ctx, req, dispute)
		})
	}
	if err == nil {
		a.logger.Info("pledged on dispute",
			slog.String("dispute_id", dispute.ID.String()),
			slog.Bool("for_dispute", valid),
		)
		return nil
	}
	revert, ok := ClassifyRevert(err)
	if !ok {
		return err
	}
	_, err = a.handleRevert(ctx, revert.WithContext(&event, req, resp, dispute))
	return err
}

func (a *Actor) onDisputeStatusUpdated(ctx context.Context, event Event, meta DisputeStatusUpdated) error {
	switch meta.Status {
	case DisputeStatusNone:
		a.logger.Warn("dispute status None has no handling", slog.String("dispute_id", meta.DisputeID.String()))
		return nil
	case DisputeStatusActive, DisputeStatusEscalated, DisputeStatusWon, DisputeStatusLost:
		a.logger.Debug("dispute status applied",
			slog.String("dispute_id", meta.DisputeID.String()),
			slog.String("status", meta.Status.String()),
		)
		return nil
	case DisputeStatusNoResolution:
		req, err := a.actorRequest()
		if err != nil {
			return err
		}
		err = a.proposeResponse(ctx, req)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrResponseAlreadyProposed), IsRevert(err, ReasonResponseAlreadyProposed):
			a.logger.Warn("response already proposed after unresolved dispute",
				slog.String("dispute_id", meta.DisputeID.String()),
			)
			return nil
		case errors.Is(err, ErrEpochMismatch):
			a.logger.Warn("skipping proposal after unresolved dispute",
				slog.String("dispute_id", meta.DisputeID.String()),
				slog.String("error", err.Error()),
			)
			return nil
		}
		if revert, ok := ClassifyRevert(err); ok {
			return revert.WithContext(&event, req, nil, nil)
		}
		return err
	default:
		return fmt.Errorf("%w: %d", ErrInvalidDisputeStatus, meta.Status)
	}
}

// buildResponseBody computes the answer the actor itself would propose. The
// answer is only known while the request's epoch is the current one.
func (a *Actor) buildResponseBody(ctx context.Context, req *Request) (ResponseBody, error) {
	epoch, err := a.provider.GetCurrentEpoch(ctx)
	if err != nil {
		return ResponseBody{}, fmt.Errorf("current epoch: %w", err)
	}
	if epoch.Number != req.Epoch {
		return ResponseBody{}, fmt.Errorf("%w: current %d, request %d", ErrEpochMismatch, epoch.Number, req.Epoch)
	}
	block, err := a.blocks.GetEpochBlockNumber(ctx, epoch.StartTimestamp, req.ChainID)
	if err != nil {
		return ResponseBody{}, fmt.Errorf("epoch block number for %s: %w", req.ChainID, err)
	}
	return ResponseBody{Block: block}, nil
}

func (a *Actor) proposeResponse(ctx context.Context, req *Request) error {
	body, err := a.buildResponseBody(ctx, req)
	if err != nil {
		return err
	}
	if a.alreadyProposed(req.ID, body.Block) {
		return fmt.Errorf("%w: block %d for request %s", ErrResponseAlreadyProposed, body.Block, req.ID)
	}
	proposal := ProposedResponse{
		Proposer:  a.provider.GetAccountAddress(),
		RequestID: req.ID,
		Response:  body,
	}
	a.logger.Info("proposing response", slog.Uint64("block", body.Block))
	return a.call("propose_response", func() error {
		return a.provider.ProposeResponse(ctx, req, proposal)
	})
}

// alreadyProposed reports whether a stored response for the request already
// carries block.
func (a *Actor) alreadyProposed(id RequestID, block uint64) bool {
	for _, resp := range a.registry.GetResponses() {
		if responsesEqual(id, block, resp) {
			return true
		}
	}
	return false
}

// responsesEqual compares a candidate block with a stored response. Chain and
// epoch are fixed per request and not compared.
func responsesEqual(id RequestID, block uint64, resp *Response) bool {
	if resp == nil {
		return false
	}
	return resp.ProphetData.RequestID == id && resp.DecodedData.Response.Block == block
}

// handleRevert executes a classified revert's strategy. It reports whether
// the triggering event should be retried.
func (a *Actor) handleRevert(ctx context.Context, revert *RevertError) (bool, error) {
	a.metrics.RecordRevert(revert.Reason, revert.Strategy.String())
	attrs := []any{
		slog.String("reason", revert.Reason),
		slog.String("strategy", revert.Strategy.String()),
	}
	if revert.Event != nil {
		attrs = append(attrs, slog.String("event", revert.Event.String()))
	}
	a.logger.Warn("contract reverted", attrs...)

	switch revert.Strategy {
	case StrategyRetry:
		return true, nil
	case StrategyEscalate:
		if revert.Request == nil || revert.Response == nil || revert.Dispute == nil {
			return false, fmt.Errorf("%w: escalation for %s lacks dispute context", ErrInvalidActorState, revert.Reason)
		}
		err := a.call("escalate_dispute", func() error {
			return a.provider.EscalateDispute(ctx, revert.Request, revert.Response, revert.Dispute)
		})
		if err == nil {
			a.logger.Info("dispute escalated instead of settled", slog.String("dispute_id", revert.Dispute.ID.String()))
			return false, nil
		}
		nested, ok := ClassifyRevert(err)
		if !ok || nested.Strategy == StrategyEscalate {
			return false, err
		}
		nested.WithContext(revert.Event, revert.Request, revert.Response, revert.Dispute)
		return a.handleRevert(ctx, nested)
	case StrategyNotify:
		a.notify(ctx, revert)
		return false, nil
	case StrategyTerminate:
		a.terminated.Store(true)
		a.notify(ctx, revert)
		return false, nil
	default:
		return false, fmt.Errorf("%w: no recovery for strategy %d", ErrInvalidActorState, revert.Strategy)
	}
}

func (a *Actor) notify(ctx context.Context, revert *RevertError) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Notify(ctx, revert); err != nil {
		a.logger.Error("notify revert", slog.String("reason", revert.Reason), slog.String("error", err.Error()))
	}
}

func (a *Actor) call(operation string, fn func() error) error {
	err := fn()
	a.metrics.RecordProtocolCall(operation, err)
	return err
}
