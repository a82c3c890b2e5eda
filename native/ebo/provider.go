package ebo

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// ProtocolProvider is the on-chain surface the actor reads from and writes to.
// Write calls return a *ContractRevert (possibly wrapped) when the contract
// reverts.
type ProtocolProvider interface {
	GetCurrentEpoch(ctx context.Context) (Epoch, error)
	GetAccountAddress() common.Address
	ProposeResponse(ctx context.Context, req *Request, resp ProposedResponse) error
	DisputeResponse(ctx context.Context, req *Request, resp *Response, dispute ProphetDispute) error
	PledgeForDispute(ctx context.Context, req *Request, dispute *Dispute) error
	PledgeAgainstDispute(ctx context.Context, req *Request, dispute *Dispute) error
	SettleDispute(ctx context.Context, req *Request, resp *Response, dispute *Dispute) error
	EscalateDispute(ctx context.Context, req *Request, resp *Response, dispute *Dispute) error
	Finalize(ctx context.Context, req *Request, resp *Response) error
}

// BlockNumberService resolves the block of a target chain at a timestamp of
// the reference chain.
type BlockNumberService interface {
	GetEpochBlockNumber(ctx context.Context, startTimestamp uint64, chain ChainID) (uint64, error)
}

// Notifier receives reverts that were recovered with the notify or terminate
// strategies.
type Notifier interface {
	Notify(ctx context.Context, revert *RevertError) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, revert *RevertError) error

// Notify delegates to the wrapped function.
func (f NotifierFunc) Notify(ctx context.Context, revert *RevertError) error {
	if f == nil {
		return nil
	}
	return f(ctx, revert)
}

// BlockNumberFunc adapts a function to the BlockNumberService interface.
type BlockNumberFunc func(ctx context.Context, startTimestamp uint64, chain ChainID) (uint64, error)

// GetEpochBlockNumber delegates to the wrapped function.
func (f BlockNumberFunc) GetEpochBlockNumber(ctx context.Context, startTimestamp uint64, chain ChainID) (uint64, error) {
	return f(ctx, startTimestamp, chain)
}

// FuncProvider adapts callback functions to the ProtocolProvider interface.
// Nil callbacks succeed without doing anything.
type FuncProvider struct {
	Address           common.Address
	CurrentEpochFunc  func(ctx context.Context) (Epoch, error)
	ProposeFunc       func(ctx context.Context, req *Request, resp ProposedResponse) error
	DisputeFunc       func(ctx context.Context, req *Request, resp *Response, dispute ProphetDispute) error
	PledgeForFunc     func(ctx context.Context, req *Request, dispute *Dispute) error
	PledgeAgainstFunc func(ctx context.Context, req *Request, dispute *Dispute) error
	SettleFunc        func(ctx context.Context, req *Request, resp *Response, dispute *Dispute) error
	EscalateFunc      func(ctx context.Context, req *Request, resp *Response, dispute *Dispute) error
	FinalizeFunc      func(ctx context.Context, req *Request, resp *Response) error
}

var _ ProtocolProvider = FuncProvider{}

// GetCurrentEpoch delegates to the configured callback.
func (p FuncProvider) GetCurrentEpoch(ctx context.Context) (Epoch, error) {
	if p.CurrentEpochFunc == nil {
		return Epoch{}, nil
	}
	return p.CurrentEpochFunc(ctx)
}

// GetAccountAddress returns the configured address.
func (p FuncProvider) GetAccountAddress() common.Address { return p.Address }

// ProposeResponse delegates to the configured callback.
func (p FuncProvider) ProposeResponse(ctx context.Context, req *Request, resp ProposedResponse) error {
	if p.ProposeFunc == nil {
		return nil
	}
	return p.ProposeFunc(ctx, req, resp)
}

// DisputeResponse delegates to the configured callback.
func (p FuncProvider) DisputeResponse(ctx context.Context, req *Request, resp *Response, dispute ProphetDispute) error {
	if p.DisputeFunc == nil {
		return nil
	}
	return p.DisputeFunc(ctx, req, resp, dispute)
}

// PledgeForDispute delegates to the configured callback.
func (p FuncProvider) PledgeForDispute(ctx context.Context, req *Request, dispute *Dispute) error {
	if p.PledgeForFunc == nil {
		return nil
	}
	return p.PledgeForFunc(ctx, req, dispute)
}

// PledgeAgainstDispute delegates to the configured callback.
func (p FuncProvider) PledgeAgainstDispute(ctx context.Context, req *Request, dispute *Dispute) error {
	if p.PledgeAgainstFunc == nil {
		return nil
	}
	return p.PledgeAgainstFunc(ctx, req, dispute)
}

// SettleDispute delegates to the configured callback.
func (p FuncProvider) SettleDispute(ctx context.Context, req *Request, resp *Response, dispute *Dispute) error {
	if p.SettleFunc == nil {
		return nil
	}
	return p.SettleFunc(ctx, req, resp, dispute)
}

// EscalateDispute delegates to the configured callback.
func (p FuncProvider) EscalateDispute(ctx context.Context, req *Request, resp *Response, dispute *Dispute) error {
	if p.EscalateFunc == nil {
		return nil
	}
	return p.EscalateFunc(ctx, req, resp, dispute)
}

// Finalize delegates to the configured callback.
func (p FuncProvider) Finalize(ctx context.Context, req *Request, resp *Response) error {
	if p.FinalizeFunc == nil {
		return nil
	}
	return p.FinalizeFunc(ctx, req, resp)
}
