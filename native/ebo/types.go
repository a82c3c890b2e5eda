package ebo

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// RequestID identifies an oracle request on-chain.
type RequestID common.Hash

// ResponseID identifies a proposed response on-chain.
type ResponseID common.Hash

// DisputeID identifies a dispute on-chain.
type DisputeID common.Hash

func (id RequestID) String() string  { return common.Hash(id).Hex() }
func (id ResponseID) String() string { return common.Hash(id).Hex() }
func (id DisputeID) String() string  { return common.Hash(id).Hex() }

// ChainID is a CAIP-2 chain identifier such as "eip155:42161".
type ChainID string

// Normalize returns the chain identifier in its canonical lower-case form.
func (c ChainID) Normalize() ChainID {
	return ChainID(strings.ToLower(strings.TrimSpace(string(c))))
}

// RequestStatus tracks whether a request is still open.
type RequestStatus string

const (
	RequestStatusActive    RequestStatus = "Active"
	RequestStatusFinalized RequestStatus = "Finalized"
)

// DisputeStatus mirrors the oracle dispute status enum.
type DisputeStatus uint8

const (
	DisputeStatusNone DisputeStatus = iota
	DisputeStatusActive
	DisputeStatusEscalated
	DisputeStatusWon
	DisputeStatusLost
	DisputeStatusNoResolution
)

var disputeStatusNames = [...]string{
	DisputeStatusNone:         "None",
	DisputeStatusActive:       "Active",
	DisputeStatusEscalated:    "Escalated",
	DisputeStatusWon:          "Won",
	DisputeStatusLost:         "Lost",
	DisputeStatusNoResolution: "NoResolution",
}

func (s DisputeStatus) String() string {
	if int(s) < len(disputeStatusNames) {
		return disputeStatusNames[s]
	}
	return "Unknown"
}

// Valid reports whether the status is one of the six protocol values.
func (s DisputeStatus) Valid() bool {
	return int(s) < len(disputeStatusNames)
}

// Terminal reports whether no further status change is expected.
func (s DisputeStatus) Terminal() bool {
	switch s {
	case DisputeStatusWon, DisputeStatusLost, DisputeStatusNoResolution:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a dispute may move from s to next. Re-applying
// the current status is accepted so replayed status events stay harmless.
func (s DisputeStatus) CanTransition(next DisputeStatus) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	switch s {
	case DisputeStatusNone:
		return next == DisputeStatusActive
	case DisputeStatusActive:
		return next == DisputeStatusEscalated || next.Terminal()
	case DisputeStatusEscalated:
		return next.Terminal()
	default:
		return false
	}
}

// ParseDisputeStatus converts a status name into its enum value.
func ParseDisputeStatus(name string) (DisputeStatus, bool) {
	trimmed := strings.TrimSpace(name)
	for i, candidate := range disputeStatusNames {
		if strings.EqualFold(candidate, trimmed) {
			return DisputeStatus(i), true
		}
	}
	return DisputeStatusNone, false
}

// CreatedAt pins an entity to the log that created it.
type CreatedAt struct {
	Timestamp   uint64
	BlockNumber uint64
	LogIndex    uint
}

// Before orders two positions by (block number, log index).
func (c CreatedAt) Before(other CreatedAt) bool {
	if c.BlockNumber != other.BlockNumber {
		return c.BlockNumber < other.BlockNumber
	}
	return c.LogIndex < other.LogIndex
}

// RequestModuleData is the decoded request module configuration.
type RequestModuleData struct {
	Epoch               uint64
	ChainID             ChainID
	AccountingExtension common.Address
	PaymentAmount       *big.Int
}

// ResponseModuleData is the decoded bonded response module configuration.
// Deadline and DisputeWindow are block counts relative to the request and
// response creation blocks respectively.
type ResponseModuleData struct {
	AccountingExtension common.Address
	BondToken           common.Address
	BondSize            *big.Int
	Deadline            uint64
	DisputeWindow       uint64
}

// DisputeModuleData is the decoded bond escalation module configuration.
// BondEscalationDeadline and TyingBuffer are block counts relative to the
// dispute creation block.
type DisputeModuleData struct {
	AccountingExtension    common.Address
	BondToken              common.Address
	BondSize               *big.Int
	MaxNumberOfEscalations uint64
	BondEscalationDeadline uint64
	TyingBuffer            uint64
	DisputeWindow          uint64
}

// RequestDecoded is the typed view of a request's module parameters.
type RequestDecoded struct {
	RequestModuleData  RequestModuleData
	ResponseModuleData ResponseModuleData
	DisputeModuleData  DisputeModuleData
}

// ProphetRequest is the request struct exactly as the oracle stores it. The
// module data fields carry the ABI encoded bytes needed verbatim for calls.
type ProphetRequest struct {
	Nonce                *big.Int
	Requester            common.Address
	RequestModule        common.Address
	ResponseModule       common.Address
	DisputeModule        common.Address
	ResolutionModule     common.Address
	FinalityModule       common.Address
	RequestModuleData    []byte
	ResponseModuleData   []byte
	DisputeModuleData    []byte
	ResolutionModuleData []byte
	FinalityModuleData   []byte
}

// Request is one "block number of chain X at epoch Y" question.
type Request struct {
	ID          RequestID
	ChainID     ChainID
	Epoch       uint64
	CreatedAt   CreatedAt
	Status      RequestStatus
	DecodedData RequestDecoded
	ProphetData ProphetRequest
}

// ResponseBody is the answer payload: the target chain block number.
type ResponseBody struct {
	Block uint64
}

// ResponseDecoded is the typed view of a response body.
type ResponseDecoded struct {
	Response ResponseBody
}

// ProphetResponse is the response struct as stored on-chain.
type ProphetResponse struct {
	Proposer  common.Address
	RequestID RequestID
	Response  []byte
}

// Response is a proposed answer to a request.
type Response struct {
	ID          ResponseID
	CreatedAt   CreatedAt
	DecodedData ResponseDecoded
	ProphetData ProphetResponse
}

// ProphetDispute is the dispute struct as stored on-chain.
type ProphetDispute struct {
	Disputer   common.Address
	Proposer   common.Address
	ResponseID ResponseID
	RequestID  RequestID
}

// Dispute challenges a specific response.
type Dispute struct {
	ID          DisputeID
	CreatedAt   CreatedAt
	Status      DisputeStatus
	ProphetData ProphetDispute
}

// Epoch describes a protocol epoch on the reference chain.
type Epoch struct {
	Number           uint64
	FirstBlockNumber uint64
	StartTimestamp   uint64
}

// ActorRequest is the fixed identity an actor is constructed for.
type ActorRequest struct {
	ID      RequestID
	ChainID ChainID
	Epoch   uint64
}

// ProposedResponse is the body the actor asks the provider to propose.
type ProposedResponse struct {
	Proposer  common.Address
	RequestID RequestID
	Response  ResponseBody
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Clone returns a deep copy so registry snapshots cannot be mutated by callers.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.DecodedData.RequestModuleData.PaymentAmount = cloneBig(r.DecodedData.RequestModuleData.PaymentAmount)
	out.DecodedData.ResponseModuleData.BondSize = cloneBig(r.DecodedData.ResponseModuleData.BondSize)
	out.DecodedData.DisputeModuleData.BondSize = cloneBig(r.DecodedData.DisputeModuleData.BondSize)
	out.ProphetData.Nonce = cloneBig(r.ProphetData.Nonce)
	out.ProphetData.RequestModuleData = cloneBytes(r.ProphetData.RequestModuleData)
	out.ProphetData.ResponseModuleData = cloneBytes(r.ProphetData.ResponseModuleData)
	out.ProphetData.DisputeModuleData = cloneBytes(r.ProphetData.DisputeModuleData)
	out.ProphetData.ResolutionModuleData = cloneBytes(r.ProphetData.ResolutionModuleData)
	out.ProphetData.FinalityModuleData = cloneBytes(r.ProphetData.FinalityModuleData)
	return &out
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.ProphetData.Response = cloneBytes(r.ProphetData.Response)
	return &out
}

// Clone returns a copy of the dispute.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	out := *d
	return &out
}
