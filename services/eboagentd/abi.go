package eboagentd

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"eboagent/native/ebo"
)

// ContractAddresses locates the Prophet contracts on the protocol chain.
type ContractAddresses struct {
	Oracle               common.Address
	EpochManager         common.Address
	BondEscalationModule common.Address
}

const (
	requestTuple = `{"name":"_request","type":"tuple","components":[` +
		`{"name":"nonce","type":"uint96"},` +
		`{"name":"requester","type":"address"},` +
		`{"name":"requestModule","type":"address"},` +
		`{"name":"responseModule","type":"address"},` +
		`{"name":"disputeModule","type":"address"},` +
		`{"name":"resolutionModule","type":"address"},` +
		`{"name":"finalityModule","type":"address"},` +
		`{"name":"requestModuleData","type":"bytes"},` +
		`{"name":"responseModuleData","type":"bytes"},` +
		`{"name":"disputeModuleData","type":"bytes"},` +
		`{"name":"resolutionModuleData","type":"bytes"},` +
		`{"name":"finalityModuleData","type":"bytes"}]}`
	responseTuple = `{"name":"_response","type":"tuple","components":[` +
		`{"name":"proposer","type":"address"},` +
		`{"name":"requestId","type":"bytes32"},` +
		`{"name":"response","type":"bytes"}]}`
	disputeTuple = `{"name":"_dispute","type":"tuple","components":[` +
		`{"name":"disputer","type":"address"},` +
		`{"name":"proposer","type":"address"},` +
		`{"name":"responseId","type":"bytes32"},` +
		`{"name":"requestId","type":"bytes32"}]}`

	oracleABIJSON = `[` +
		`{"type":"function","name":"proposeResponse","stateMutability":"nonpayable","inputs":[` + requestTuple + `,` + responseTuple + `],"outputs":[{"name":"_responseId","type":"bytes32"}]},` +
		`{"type":"function","name":"disputeResponse","stateMutability":"nonpayable","inputs":[` + requestTuple + `,` + responseTuple + `,` + disputeTuple + `],"outputs":[{"name":"_disputeId","type":"bytes32"}]},` +
		`{"type":"function","name":"escalateDispute","stateMutability":"nonpayable","inputs":[` + requestTuple + `,` + responseTuple + `,` + disputeTuple + `],"outputs":[]},` +
		`{"type":"function","name":"finalize","stateMutability":"nonpayable","inputs":[` + requestTuple + `,` + responseTuple + `],"outputs":[]},` +
		`{"type":"event","name":"RequestCreated","anonymous":false,"inputs":[{"name":"_requestId","type":"bytes32","indexed":true},` + requestTuple + `,{"name":"_ipfsHash","type":"bytes32","indexed":false}]},` +
		`{"type":"event","name":"ResponseProposed","anonymous":false,"inputs":[{"name":"_requestId","type":"bytes32","indexed":true},{"name":"_responseId","type":"bytes32","indexed":true},` + responseTuple + `]},` +
		`{"type":"event","name":"ResponseDisputed","anonymous":false,"inputs":[{"name":"_responseId","type":"bytes32","indexed":true},{"name":"_disputeId","type":"bytes32","indexed":true},` + disputeTuple + `]},` +
		`{"type":"event","name":"DisputeStatusUpdated","anonymous":false,"inputs":[{"name":"_disputeId","type":"bytes32","indexed":true},` + disputeTuple + `,{"name":"_status","type":"uint8","indexed":false}]},` +
		`{"type":"event","name":"DisputeEscalated","anonymous":false,"inputs":[{"name":"_caller","type":"address","indexed":true},{"name":"_disputeId","type":"bytes32","indexed":true},` + disputeTuple + `]},` +
		`{"type":"event","name":"OracleRequestFinalized","anonymous":false,"inputs":[{"name":"_requestId","type":"bytes32","indexed":true},{"name":"_responseId","type":"bytes32","indexed":true},{"name":"_caller","type":"address","indexed":true}]}` +
		`]`

	bondEscalationABIJSON = `[` +
		`{"type":"function","name":"pledgeForDispute","stateMutability":"nonpayable","inputs":[` + requestTuple + `,` + disputeTuple + `],"outputs":[]},` +
		`{"type":"function","name":"pledgeAgainstDispute","stateMutability":"nonpayable","inputs":[` + requestTuple + `,` + disputeTuple + `],"outputs":[]},` +
		`{"type":"function","name":"settleBondEscalation","stateMutability":"nonpayable","inputs":[` + requestTuple + `,` + responseTuple + `,` + disputeTuple + `],"outputs":[]}` +
		`]`

	epochManagerABIJSON = `[` +
		`{"type":"function","name":"currentEpoch","stateMutability":"view","inputs":[],"outputs":[{"name":"_currentEpoch","type":"uint256"}]},` +
		`{"type":"function","name":"currentEpochBlock","stateMutability":"view","inputs":[],"outputs":[{"name":"_currentEpochBlock","type":"uint256"}]}` +
		`]`
)

// oracleRequest mirrors the IOracle.Request tuple. Field order and names
// follow the ABI components.
type oracleRequest struct {
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

type oracleResponse struct {
	Proposer  common.Address
	RequestId [32]byte
	Response  []byte
}

type oracleDispute struct {
	Disputer   common.Address
	Proposer   common.Address
	ResponseId [32]byte
	RequestId  [32]byte
}

type requestModuleParams struct {
	Epoch               *big.Int
	ChainId             string
	AccountingExtension common.Address
	PaymentAmount       *big.Int
}

type responseModuleParams struct {
	AccountingExtension common.Address
	BondToken           common.Address
	BondSize            *big.Int
	Deadline            *big.Int
	DisputeWindow       *big.Int
}

type disputeModuleParams struct {
	AccountingExtension    common.Address
	BondToken              common.Address
	BondSize               *big.Int
	MaxNumberOfEscalations *big.Int
	BondEscalationDeadline *big.Int
	TyingBuffer            *big.Int
	DisputeWindow          *big.Int
}

// contractSet holds the parsed ABIs and the argument lists used to encode
// module data and response bodies.
type contractSet struct {
	oracle         abi.ABI
	bondEscalation abi.ABI
	epochManager   abi.ABI

	requestParams  abi.Arguments
	responseParams abi.Arguments
	disputeParams  abi.Arguments
	responseBody   abi.Arguments
}

func loadContracts() (*contractSet, error) {
	oracle, err := abi.JSON(strings.NewReader(oracleABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse oracle abi: %w", err)
	}
	bond, err := abi.JSON(strings.NewReader(bondEscalationABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse bond escalation abi: %w", err)
	}
	epochs, err := abi.JSON(strings.NewReader(epochManagerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse epoch manager abi: %w", err)
	}
	requestParams, err := tupleArguments(
		abi.ArgumentMarshaling{Name: "epoch", Type: "uint256"},
		abi.ArgumentMarshaling{Name: "chainId", Type: "string"},
		abi.ArgumentMarshaling{Name: "accountingExtension", Type: "address"},
		abi.ArgumentMarshaling{Name: "paymentAmount", Type: "uint256"},
	)
	if err != nil {
		return nil, err
	}
	responseParams, err := tupleArguments(
		abi.ArgumentMarshaling{Name: "accountingExtension", Type: "address"},
		abi.ArgumentMarshaling{Name: "bondToken", Type: "address"},
		abi.ArgumentMarshaling{Name: "bondSize", Type: "uint256"},
		abi.ArgumentMarshaling{Name: "deadline", Type: "uint256"},
		abi.ArgumentMarshaling{Name: "disputeWindow", Type: "uint256"},
	)
	if err != nil {
		return nil, err
	}
	disputeParams, err := tupleArguments(
		abi.ArgumentMarshaling{Name: "accountingExtension", Type: "address"},
		abi.ArgumentMarshaling{Name: "bondToken", Type: "address"},
		abi.ArgumentMarshaling{Name: "bondSize", Type: "uint256"},
		abi.ArgumentMarshaling{Name: "maxNumberOfEscalations", Type: "uint256"},
		abi.ArgumentMarshaling{Name: "bondEscalationDeadline", Type: "uint256"},
		abi.ArgumentMarshaling{Name: "tyingBuffer", Type: "uint256"},
		abi.ArgumentMarshaling{Name: "disputeWindow", Type: "uint256"},
	)
	if err != nil {
		return nil, err
	}
	blockType, err := abi.NewType("uint256", "", nil)
	if err != nil {
		return nil, fmt.Errorf("response body type: %w", err)
	}
	return &contractSet{
		oracle:         oracle,
		bondEscalation: bond,
		epochManager:   epochs,
		requestParams:  requestParams,
		responseParams: responseParams,
		disputeParams:  disputeParams,
		responseBody:   abi.Arguments{{Name: "block", Type: blockType}},
	}, nil
}

func tupleArguments(components ...abi.ArgumentMarshaling) (abi.Arguments, error) {
	typ, err := abi.NewType("tuple", "", components)
	if err != nil {
		return nil, fmt.Errorf("build tuple type: %w", err)
	}
	return abi.Arguments{{Name: "params", Type: typ}}, nil
}

func toOracleRequest(p ebo.ProphetRequest) oracleRequest {
	nonce := p.Nonce
	if nonce == nil {
		nonce = new(big.Int)
	}
	return oracleRequest{
		Nonce:                nonce,
		Requester:            p.Requester,
		RequestModule:        p.RequestModule,
		ResponseModule:       p.ResponseModule,
		DisputeModule:        p.DisputeModule,
		ResolutionModule:     p.ResolutionModule,
		FinalityModule:       p.FinalityModule,
		RequestModuleData:    nonNilBytes(p.RequestModuleData),
		ResponseModuleData:   nonNilBytes(p.ResponseModuleData),
		DisputeModuleData:    nonNilBytes(p.DisputeModuleData),
		ResolutionModuleData: nonNilBytes(p.ResolutionModuleData),
		FinalityModuleData:   nonNilBytes(p.FinalityModuleData),
	}
}

func fromOracleRequest(r oracleRequest) ebo.ProphetRequest {
	return ebo.ProphetRequest{
		Nonce:                r.Nonce,
		Requester:            r.Requester,
		RequestModule:        r.RequestModule,
		ResponseModule:       r.ResponseModule,
		DisputeModule:        r.DisputeModule,
		ResolutionModule:     r.ResolutionModule,
		FinalityModule:       r.FinalityModule,
		RequestModuleData:    r.RequestModuleData,
		ResponseModuleData:   r.ResponseModuleData,
		DisputeModuleData:    r.DisputeModuleData,
		ResolutionModuleData: r.ResolutionModuleData,
		FinalityModuleData:   r.FinalityModuleData,
	}
}

func toOracleResponse(r ebo.ProphetResponse) oracleResponse {
	return oracleResponse{Proposer: r.Proposer, RequestId: r.RequestID, Response: nonNilBytes(r.Response)}
}

func toOracleDispute(d ebo.ProphetDispute) oracleDispute {
	return oracleDispute{Disputer: d.Disputer, Proposer: d.Proposer, ResponseId: d.ResponseID, RequestId: d.RequestID}
}

func fromOracleDispute(d oracleDispute) ebo.ProphetDispute {
	return ebo.ProphetDispute{
		Disputer:   d.Disputer,
		Proposer:   d.Proposer,
		ResponseID: ebo.ResponseID(d.ResponseId),
		RequestID:  ebo.RequestID(d.RequestId),
	}
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// encodeResponseBody ABI-encodes the proposed block number.
func (c *contractSet) encodeResponseBody(body ebo.ResponseBody) ([]byte, error) {
	return c.responseBody.Pack(new(big.Int).SetUint64(body.Block))
}

func (c *contractSet) decodeResponseBody(data []byte) (ebo.ResponseBody, error) {
	values, err := c.responseBody.Unpack(data)
	if err != nil {
		return ebo.ResponseBody{}, fmt.Errorf("decode response body: %w", err)
	}
	block, ok := values[0].(*big.Int)
	if !ok || !block.IsUint64() {
		return ebo.ResponseBody{}, fmt.Errorf("decode response body: block out of range")
	}
	return ebo.ResponseBody{Block: block.Uint64()}, nil
}

// decodeRequest decodes the three module data blobs into the typed view.
func (c *contractSet) decodeRequest(p ebo.ProphetRequest) (ebo.RequestDecoded, error) {
	var out ebo.RequestDecoded

	values, err := c.requestParams.Unpack(p.RequestModuleData)
	if err != nil {
		return out, fmt.Errorf("decode request module data: %w", err)
	}
	req := *abi.ConvertType(values[0], new(requestModuleParams)).(*requestModuleParams)
	epoch, err := uint64Of("epoch", req.Epoch)
	if err != nil {
		return out, err
	}
	out.RequestModuleData = ebo.RequestModuleData{
		Epoch:               epoch,
		ChainID:             ebo.ChainID(req.ChainId).Normalize(),
		AccountingExtension: req.AccountingExtension,
		PaymentAmount:       req.PaymentAmount,
	}

	values, err = c.responseParams.Unpack(p.ResponseModuleData)
	if err != nil {
		return out, fmt.Errorf("decode response module data: %w", err)
	}
	resp := *abi.ConvertType(values[0], new(responseModuleParams)).(*responseModuleParams)
	deadline, err := uint64Of("deadline", resp.Deadline)
	if err != nil {
		return out, err
	}
	window, err := uint64Of("disputeWindow", resp.DisputeWindow)
	if err != nil {
		return out, err
	}
	out.ResponseModuleData = ebo.ResponseModuleData{
		AccountingExtension: resp.AccountingExtension,
		BondToken:           resp.BondToken,
		BondSize:            resp.BondSize,
		Deadline:            deadline,
		DisputeWindow:       window,
	}

	values, err = c.disputeParams.Unpack(p.DisputeModuleData)
	if err != nil {
		return out, fmt.Errorf("decode dispute module data: %w", err)
	}
	disp := *abi.ConvertType(values[0], new(disputeModuleParams)).(*disputeModuleParams)
	fields := map[string]*big.Int{
		"maxNumberOfEscalations": disp.MaxNumberOfEscalations,
		"bondEscalationDeadline": disp.BondEscalationDeadline,
		"tyingBuffer":            disp.TyingBuffer,
		"disputeWindow":          disp.DisputeWindow,
	}
	parsed := make(map[string]uint64, len(fields))
	for name, value := range fields {
		v, err := uint64Of(name, value)
		if err != nil {
			return out, err
		}
		parsed[name] = v
	}
	out.DisputeModuleData = ebo.DisputeModuleData{
		AccountingExtension:    disp.AccountingExtension,
		BondToken:              disp.BondToken,
		BondSize:               disp.BondSize,
		MaxNumberOfEscalations: parsed["maxNumberOfEscalations"],
		BondEscalationDeadline: parsed["bondEscalationDeadline"],
		TyingBuffer:            parsed["tyingBuffer"],
		DisputeWindow:          parsed["disputeWindow"],
	}
	return out, nil
}

// encodeRequestModules is the inverse of decodeRequest. It is used to build
// fixtures and to verify round trips of configured requests.
func (c *contractSet) encodeRequestModules(d ebo.RequestDecoded) (requestData, responseData, disputeData []byte, err error) {
	requestData, err = c.requestParams.Pack(requestModuleParams{
		Epoch:               new(big.Int).SetUint64(d.RequestModuleData.Epoch),
		ChainId:             string(d.RequestModuleData.ChainID),
		AccountingExtension: d.RequestModuleData.AccountingExtension,
		PaymentAmount:       bigOrZero(d.RequestModuleData.PaymentAmount),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode request module data: %w", err)
	}
	responseData, err = c.responseParams.Pack(responseModuleParams{
		AccountingExtension: d.ResponseModuleData.AccountingExtension,
		BondToken:           d.ResponseModuleData.BondToken,
		BondSize:            bigOrZero(d.ResponseModuleData.BondSize),
		Deadline:            new(big.Int).SetUint64(d.ResponseModuleData.Deadline),
		DisputeWindow:       new(big.Int).SetUint64(d.ResponseModuleData.DisputeWindow),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode response module data: %w", err)
	}
	disputeData, err = c.disputeParams.Pack(disputeModuleParams{
		AccountingExtension:    d.DisputeModuleData.AccountingExtension,
		BondToken:              d.DisputeModuleData.BondToken,
		BondSize:               bigOrZero(d.DisputeModuleData.BondSize),
		MaxNumberOfEscalations: new(big.Int).SetUint64(d.DisputeModuleData.MaxNumberOfEscalations),
		BondEscalationDeadline: new(big.Int).SetUint64(d.DisputeModuleData.BondEscalationDeadline),
		TyingBuffer:            new(big.Int).SetUint64(d.DisputeModuleData.TyingBuffer),
		DisputeWindow:          new(big.Int).SetUint64(d.DisputeModuleData.DisputeWindow),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode dispute module data: %w", err)
	}
	return requestData, responseData, disputeData, nil
}

func uint64Of(name string, v *big.Int) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%s out of range: %s", name, v.String())
	}
	return v.Uint64(), nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
