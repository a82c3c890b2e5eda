package eboagentd

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"eboagent/native/ebo"
)

var (
	testOracle       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testEpochManager = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	testBondModule   = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	testChainID      = big.NewInt(42161)
)

func testDecoded() ebo.RequestDecoded {
	return ebo.RequestDecoded{
		RequestModuleData: ebo.RequestModuleData{
			Epoch:         5,
			ChainID:       "eip155:1",
			PaymentAmount: big.NewInt(0),
		},
		ResponseModuleData: ebo.ResponseModuleData{BondSize: big.NewInt(1), Deadline: 10, DisputeWindow: 5},
		DisputeModuleData: ebo.DisputeModuleData{
			BondSize:               big.NewInt(1),
			MaxNumberOfEscalations: 2,
			BondEscalationDeadline: 5,
			TyingBuffer:            1,
			DisputeWindow:          5,
		},
	}
}

func testProphetRequest(t *testing.T, contracts *contractSet) ebo.ProphetRequest {
	t.Helper()
	reqData, respData, dispData, err := contracts.encodeRequestModules(testDecoded())
	require.NoError(t, err)
	return ebo.ProphetRequest{
		Nonce:              big.NewInt(1),
		Requester:          common.HexToAddress("0x00000000000000000000000000000000000000c1"),
		RequestModule:      common.HexToAddress("0x00000000000000000000000000000000000000c2"),
		ResponseModule:     common.HexToAddress("0x00000000000000000000000000000000000000c3"),
		DisputeModule:      testBondModule,
		RequestModuleData:  reqData,
		ResponseModuleData: respData,
		DisputeModuleData:  dispData,
	}
}

func newTestProvider(t *testing.T, chain *fakeChain) (*EVMProvider, *memoryRecorder) {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	recorder := &memoryRecorder{}
	provider, err := NewEVMProvider(ProviderConfig{
		Client:  chain,
		Key:     key,
		ChainID: testChainID,
		Addresses: ContractAddresses{
			Oracle:               testOracle,
			EpochManager:         testEpochManager,
			BondEscalationModule: testBondModule,
		},
		Confirmations: 1,
		RPS:           1000,
		PollInterval:  5 * time.Millisecond,
		Recorder:      recorder,
		Timeout:       5 * time.Second,
	})
	require.NoError(t, err)
	return provider, recorder
}

func testEntities(t *testing.T, contracts *contractSet) (*ebo.Request, *ebo.Response, *ebo.Dispute) {
	t.Helper()
	requestID := ebo.RequestID(common.HexToHash("0x01"))
	body, err := contracts.encodeResponseBody(ebo.ResponseBody{Block: 777})
	require.NoError(t, err)
	req := &ebo.Request{
		ID:          requestID,
		ChainID:     "eip155:1",
		Epoch:       5,
		Status:      ebo.RequestStatusActive,
		DecodedData: testDecoded(),
		ProphetData: testProphetRequest(t, contracts),
	}
	resp := &ebo.Response{
		ID:          ebo.ResponseID(common.HexToHash("0x02")),
		DecodedData: ebo.ResponseDecoded{Response: ebo.ResponseBody{Block: 777}},
		ProphetData: ebo.ProphetResponse{Proposer: common.HexToAddress("0xbb"), RequestID: requestID, Response: body},
	}
	dispute := &ebo.Dispute{
		ID:     ebo.DisputeID(common.HexToHash("0x03")),
		Status: ebo.DisputeStatusActive,
		ProphetData: ebo.ProphetDispute{
			Disputer:   common.HexToAddress("0xcc"),
			Proposer:   common.HexToAddress("0xbb"),
			ResponseID: resp.ID,
			RequestID:  requestID,
		},
	}
	return req, resp, dispute
}

func customErrorData(name string) string {
	return hexutil.Encode(gethcrypto.Keccak256([]byte(name + "()"))[:4])
}

func errorStringData(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	selector := gethcrypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(append([]byte{}, selector...), packed...))
}

func TestProviderProposeSendsSignedTransaction(t *testing.T) {
	chain := newFakeChain(50)
	provider, recorder := newTestProvider(t, chain)
	req, _, _ := testEntities(t, provider.contracts)

	err := provider.ProposeResponse(context.Background(), req, ebo.ProposedResponse{
		Proposer:  provider.GetAccountAddress(),
		RequestID: req.ID,
		Response:  ebo.ResponseBody{Block: 4242},
	})
	require.NoError(t, err)

	require.Len(t, chain.calls, 1, "write simulated before sending")
	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	require.Equal(t, testOracle, *tx.To())
	require.Zero(t, testChainID.Cmp(tx.ChainId()))
	require.Equal(t, uint8(gethtypes.DynamicFeeTxType), tx.Type())
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(testChainID), tx)
	require.NoError(t, err)
	require.Equal(t, provider.GetAccountAddress(), sender)

	method := provider.contracts.oracle.Methods["proposeResponse"]
	require.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	sentResponse := *abi.ConvertType(args[1], new(oracleResponse)).(*oracleResponse)
	require.Equal(t, [32]byte(req.ID), sentResponse.RequestId)
	body, err := provider.contracts.decodeResponseBody(sentResponse.Response)
	require.NoError(t, err)
	require.Equal(t, uint64(4242), body.Block)

	actions := recorder.all()
	require.Len(t, actions, 1)
	require.Equal(t, "propose", actions[0].Operation)
	require.Equal(t, ActionConfirmed, actions[0].Status)
	require.Equal(t, tx.Hash().Hex(), actions[0].TxHash)
	require.Equal(t, uint64(50), actions[0].Block)
}

func TestProviderDecodesCustomErrorRevert(t *testing.T) {
	chain := newFakeChain(50)
	chain.callErr = revertRPCError{data: customErrorData(ebo.ReasonShouldBeEscalated)}
	provider, recorder := newTestProvider(t, chain)
	req, resp, dispute := testEntities(t, provider.contracts)

	err := provider.SettleDispute(context.Background(), req, resp, dispute)
	require.Error(t, err)

	var raw *ebo.ContractRevert
	require.True(t, errors.As(err, &raw))
	require.Equal(t, ebo.ReasonShouldBeEscalated, raw.Name)
	revert, ok := ebo.ClassifyRevert(err)
	require.True(t, ok)
	require.Equal(t, ebo.StrategyEscalate, revert.Strategy)

	require.Empty(t, chain.sent, "reverting simulation must not send")
	actions := recorder.all()
	require.Len(t, actions, 1)
	require.Equal(t, "settle", actions[0].Operation)
	require.Equal(t, ActionReverted, actions[0].Status)
}

func TestProviderDecodesErrorStringRevert(t *testing.T) {
	chain := newFakeChain(50)
	chain.callErr = revertRPCError{data: errorStringData(t, ebo.ReasonAlreadyFinalized)}
	provider, _ := newTestProvider(t, chain)
	req, resp, _ := testEntities(t, provider.contracts)

	err := provider.Finalize(context.Background(), req, resp)
	require.True(t, ebo.IsRevert(err, ebo.ReasonAlreadyFinalized))
}

func TestProviderPassesThroughUnknownRPCErrors(t *testing.T) {
	chain := newFakeChain(50)
	chain.callErr = errBoom
	provider, recorder := newTestProvider(t, chain)
	req, _, dispute := testEntities(t, provider.contracts)

	err := provider.PledgeForDispute(context.Background(), req, dispute)
	require.ErrorIs(t, err, errBoom)
	_, ok := ebo.ClassifyRevert(err)
	require.False(t, ok)
	require.Equal(t, ActionFailed, recorder.all()[0].Status)
}

func TestProviderFailedReceipt(t *testing.T) {
	chain := newFakeChain(50)
	chain.receiptStatus = gethtypes.ReceiptStatusFailed
	provider, recorder := newTestProvider(t, chain)
	req, resp, dispute := testEntities(t, provider.contracts)

	err := provider.EscalateDispute(context.Background(), req, resp, dispute)
	require.ErrorIs(t, err, ErrTransactionFailed)
	require.Len(t, chain.sent, 1)
	require.Equal(t, ActionFailed, recorder.all()[0].Status)
}

func TestProviderCurrentEpoch(t *testing.T) {
	chain := newFakeChain(50)
	provider, _ := newTestProvider(t, chain)
	manager := provider.contracts.epochManager

	epochOut, err := manager.Methods["currentEpoch"].Outputs.Pack(big.NewInt(7))
	require.NoError(t, err)
	blockOut, err := manager.Methods["currentEpochBlock"].Outputs.Pack(big.NewInt(40))
	require.NoError(t, err)
	chain.setResult(manager.Methods["currentEpoch"].ID, epochOut)
	chain.setResult(manager.Methods["currentEpochBlock"].ID, blockOut)

	epoch, err := provider.GetCurrentEpoch(context.Background())
	require.NoError(t, err)
	require.Equal(t, ebo.Epoch{Number: 7, FirstBlockNumber: 40, StartTimestamp: genesisTime + 40*blockTime}, epoch)
	for _, call := range chain.calls {
		require.Equal(t, testEpochManager, *call.To)
	}
}

func TestNewEVMProviderValidates(t *testing.T) {
	_, err := NewEVMProvider(ProviderConfig{})
	require.Error(t, err)

	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	_, err = NewEVMProvider(ProviderConfig{Client: newFakeChain(1), Key: key})
	require.Error(t, err)
}
