package ebo

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	testRequestID = RequestID(common.HexToHash("0x01"))
	otherRequest  = RequestID(common.HexToHash("0x02"))
	agentAddress  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	rivalAddress  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testChain     = ChainID("eip155:42161")
)

func responseID(n int64) ResponseID { return ResponseID(common.BigToHash(big.NewInt(1000 + n))) }
func disputeID(n int64) DisputeID   { return DisputeID(common.BigToHash(big.NewInt(2000 + n))) }

type call struct {
	op       string
	request  RequestID
	response ResponseID
	dispute  DisputeID
	block    uint64
}

// fakeProvider records protocol calls and returns scripted errors.
type fakeProvider struct {
	mu     sync.Mutex
	epoch  Epoch
	calls  []call
	errors map[string][]error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		epoch:  Epoch{Number: 1, FirstBlockNumber: 100, StartTimestamp: 1_700_000_000},
		errors: make(map[string][]error),
	}
}

// failNext scripts the next call of op to fail with err.
func (p *fakeProvider) failNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors[op] = append(p.errors[op], err)
}

func (p *fakeProvider) record(c call) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c)
	queued := p.errors[c.op]
	if len(queued) == 0 {
		return nil
	}
	p.errors[c.op] = queued[1:]
	return queued[0]
}

func (p *fakeProvider) callsFor(op string) []call {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []call
	for _, c := range p.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func (p *fakeProvider) totalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProvider) GetCurrentEpoch(context.Context) (Epoch, error) { return p.epoch, nil }
func (p *fakeProvider) GetAccountAddress() common.Address             { return agentAddress }

func (p *fakeProvider) ProposeResponse(_ context.Context, req *Request, resp ProposedResponse) error {
	return p.record(call{op: "propose", request: req.ID, block: resp.Response.Block})
}

func (p *fakeProvider) DisputeResponse(_ context.Context, req *Request, resp *Response, _ ProphetDispute) error {
	return p.record(call{op: "dispute", request: req.ID, response: resp.ID})
}

func (p *fakeProvider) PledgeForDispute(_ context.Context, req *Request, d *Dispute) error {
	return p.record(call{op: "pledge_for", request: req.ID, dispute: d.ID})
}

func (p *fakeProvider) PledgeAgainstDispute(_ context.Context, req *Request, d *Dispute) error {
	return p.record(call{op: "pledge_against", request: req.ID, dispute: d.ID})
}

func (p *fakeProvider) SettleDispute(_ context.Context, req *Request, resp *Response, d *Dispute) error {
	return p.record(call{op: "settle", request: req.ID, response: resp.ID, dispute: d.ID})
}

func (p *fakeProvider) EscalateDispute(_ context.Context, req *Request, resp *Response, d *Dispute) error {
	return p.record(call{op: "escalate", request: req.ID, response: resp.ID, dispute: d.ID})
}

func (p *fakeProvider) Finalize(_ context.Context, req *Request, resp *Response) error {
	return p.record(call{op: "finalize", request: req.ID, response: resp.ID})
}

func staticBlocks(block uint64) BlockNumberFunc {
	return func(context.Context, uint64, ChainID) (uint64, error) { return block, nil }
}

func testDecoded() RequestDecoded {
	return RequestDecoded{
		RequestModuleData: RequestModuleData{Epoch: 1, ChainID: testChain, PaymentAmount: big.NewInt(0)},
		ResponseModuleData: ResponseModuleData{
			BondSize:      big.NewInt(10),
			Deadline:      10,
			DisputeWindow: 5,
		},
		DisputeModuleData: DisputeModuleData{
			BondSize:               big.NewInt(10),
			MaxNumberOfEscalations: 2,
			BondEscalationDeadline: 5,
			TyingBuffer:            1,
			DisputeWindow:          5,
		},
	}
}

func requestCreatedEvent(block uint64, logIndex uint) Event {
	return NewEvent(testRequestID, block, logIndex, 1_700_000_000+block, RequestCreated{
		RequestID:   testRequestID,
		Epoch:       1,
		ChainID:     testChain,
		DecodedData: testDecoded(),
		ProphetData: ProphetRequest{Nonce: big.NewInt(1), RequestModuleData: []byte{0x01}},
	})
}

func responseProposedEvent(n int64, block uint64, logIndex uint, answer uint64, proposer common.Address) Event {
	return NewEvent(testRequestID, block, logIndex, 1_700_000_000+block, ResponseProposed{
		RequestID:   testRequestID,
		ResponseID:  responseID(n),
		DecodedData: ResponseDecoded{Response: ResponseBody{Block: answer}},
		ProphetData: ProphetResponse{Proposer: proposer, RequestID: testRequestID, Response: []byte{byte(answer)}},
	})
}

func responseDisputedEvent(n int64, response int64, block uint64, logIndex uint) Event {
	return NewEvent(testRequestID, block, logIndex, 1_700_000_000+block, ResponseDisputed{
		ResponseID: responseID(response),
		DisputeID:  disputeID(n),
		ProphetData: ProphetDispute{
			Disputer:   rivalAddress,
			Proposer:   agentAddress,
			ResponseID: responseID(response),
			RequestID:  testRequestID,
		},
	})
}

func disputeStatusEvent(n int64, status DisputeStatus, block uint64, logIndex uint) Event {
	return NewEvent(testRequestID, block, logIndex, 1_700_000_000+block, DisputeStatusUpdated{
		DisputeID: disputeID(n),
		Status:    status,
	})
}

func finalizedEvent(response int64, block uint64, logIndex uint) Event {
	return NewEvent(testRequestID, block, logIndex, 1_700_000_000+block, OracleRequestFinalized{
		RequestID:  testRequestID,
		ResponseID: responseID(response),
	})
}
