package eboagentd

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"eboagent/native/ebo"
)

var (
	// ErrTransactionFailed is returned when a mined transaction has a failed
	// receipt status.
	ErrTransactionFailed = errors.New("eboagentd: transaction failed")
	errProviderNotReady  = errors.New("eboagentd: provider not initialised")
)

// EVMClient defines the subset of the Ethereum RPC used by the agent.
type EVMClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// ActionRecorder persists the outcome of every write the provider submits.
type ActionRecorder interface {
	RecordAction(ctx context.Context, action Action) error
}

// ProviderConfig wires an EVMProvider.
type ProviderConfig struct {
	Client        EVMClient
	Key           *ecdsa.PrivateKey
	ChainID       *big.Int
	Addresses     ContractAddresses
	Confirmations uint64
	RPS           int
	PollInterval  time.Duration
	Recorder      ActionRecorder
	Logger        *slog.Logger

	// Timeout bounds each write from simulation to confirmation.
	Timeout time.Duration
}

// EVMProvider implements ebo.ProtocolProvider against the Prophet contracts.
// Every write is simulated with eth_call first so reverts surface before gas
// is spent.
type EVMProvider struct {
	client        EVMClient
	key           *ecdsa.PrivateKey
	from          common.Address
	chainID       *big.Int
	signer        gethtypes.Signer
	addresses     ContractAddresses
	contracts     *contractSet
	selectors     map[[4]byte]string
	confirmations uint64
	pollInterval  time.Duration
	timeout       time.Duration
	limiter       *rate.Limiter
	recorder      ActionRecorder
	logger        *slog.Logger
	tracer        trace.Tracer
	clock         func() time.Time

	// txMu serialises nonce assignment.
	txMu sync.Mutex
}

var _ ebo.ProtocolProvider = (*EVMProvider)(nil)

// NewEVMProvider validates the configuration and parses the contract ABIs.
func NewEVMProvider(cfg ProviderConfig) (*EVMProvider, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("evm client required")
	}
	if cfg.Key == nil {
		return nil, fmt.Errorf("signer key required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id required")
	}
	contracts, err := loadContracts()
	if err != nil {
		return nil, err
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	rps := cfg.RPS
	if rps <= 0 {
		rps = defaultRPS
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EVMProvider{
		client:        cfg.Client,
		key:           cfg.Key,
		from:          gethcrypto.PubkeyToAddress(cfg.Key.PublicKey),
		chainID:       new(big.Int).Set(cfg.ChainID),
		signer:        gethtypes.LatestSignerForChainID(cfg.ChainID),
		addresses:     cfg.Addresses,
		contracts:     contracts,
		selectors:     revertSelectors(ebo.KnownRevertReasons()),
		confirmations: cfg.Confirmations,
		pollInterval:  poll,
		timeout:       cfg.Timeout,
		limiter:       rate.NewLimiter(rate.Limit(rps), rps),
		recorder:      cfg.Recorder,
		logger:        logger.With(slog.String("component", "provider")),
		tracer:        otel.Tracer("eboagentd/provider"),
		clock:         time.Now,
	}, nil
}

func revertSelectors(reasons []string) map[[4]byte]string {
	out := make(map[[4]byte]string, len(reasons))
	for _, reason := range reasons {
		var selector [4]byte
		copy(selector[:], gethcrypto.Keccak256([]byte(reason+"()"))[:4])
		out[selector] = reason
	}
	return out
}

// GetAccountAddress returns the address transactions are signed with.
func (p *EVMProvider) GetAccountAddress() common.Address { return p.from }

// GetCurrentEpoch reads the epoch number and its first block from the epoch
// manager and resolves the block timestamp.
func (p *EVMProvider) GetCurrentEpoch(ctx context.Context) (ebo.Epoch, error) {
	if p == nil || p.client == nil {
		return ebo.Epoch{}, errProviderNotReady
	}
	ctx, span := p.tracer.Start(ctx, "ebo.current_epoch")
	defer span.End()

	number, err := p.readUint(ctx, "currentEpoch")
	if err != nil {
		failSpan(span, err)
		return ebo.Epoch{}, err
	}
	first, err := p.readUint(ctx, "currentEpochBlock")
	if err != nil {
		failSpan(span, err)
		return ebo.Epoch{}, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return ebo.Epoch{}, err
	}
	header, err := p.client.HeaderByNumber(ctx, new(big.Int).SetUint64(first))
	if err != nil {
		err = fmt.Errorf("fetch epoch block %d: %w", first, err)
		failSpan(span, err)
		return ebo.Epoch{}, err
	}
	if header == nil {
		err = fmt.Errorf("epoch block %d missing", first)
		failSpan(span, err)
		return ebo.Epoch{}, err
	}
	span.SetAttributes(attribute.Int64("epoch", int64(number)))
	return ebo.Epoch{Number: number, FirstBlockNumber: first, StartTimestamp: header.Time}, nil
}

func (p *EVMProvider) readUint(ctx context.Context, method string) (uint64, error) {
	input, err := p.contracts.epochManager.Pack(method)
	if err != nil {
		return 0, fmt.Errorf("pack %s: %w", method, err)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	to := p.addresses.EpochManager
	out, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return 0, fmt.Errorf("call %s: %w", method, p.decodeRevert(err))
	}
	values, err := p.contracts.epochManager.Unpack(method, out)
	if err != nil {
		return 0, fmt.Errorf("unpack %s: %w", method, err)
	}
	value, ok := values[0].(*big.Int)
	if !ok || !value.IsUint64() {
		return 0, fmt.Errorf("%s returned invalid value", method)
	}
	return value.Uint64(), nil
}

// ProposeResponse submits the actor's answer for a request.
func (p *EVMProvider) ProposeResponse(ctx context.Context, req *ebo.Request, proposal ebo.ProposedResponse) error {
	if req == nil {
		return fmt.Errorf("request required")
	}
	body, err := p.contracts.encodeResponseBody(proposal.Response)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	response := oracleResponse{Proposer: proposal.Proposer, RequestId: proposal.RequestID, Response: body}
	return p.transact(ctx, "propose", req.ID, p.addresses.Oracle, p.contracts.oracle, "proposeResponse",
		toOracleRequest(req.ProphetData), response)
}

// DisputeResponse disputes a proposed response.
func (p *EVMProvider) DisputeResponse(ctx context.Context, req *ebo.Request, resp *ebo.Response, dispute ebo.ProphetDispute) error {
	if req == nil || resp == nil {
		return fmt.Errorf("request and response required")
	}
	return p.transact(ctx, "dispute", req.ID, p.addresses.Oracle, p.contracts.oracle, "disputeResponse",
		toOracleRequest(req.ProphetData), toOracleResponse(resp.ProphetData), toOracleDispute(dispute))
}

// PledgeForDispute pledges in favour of the disputer.
func (p *EVMProvider) PledgeForDispute(ctx context.Context, req *ebo.Request, dispute *ebo.Dispute) error {
	if req == nil || dispute == nil {
		return fmt.Errorf("request and dispute required")
	}
	return p.transact(ctx, "pledge_for", req.ID, p.addresses.BondEscalationModule, p.contracts.bondEscalation, "pledgeForDispute",
		toOracleRequest(req.ProphetData), toOracleDispute(dispute.ProphetData))
}

// PledgeAgainstDispute pledges in favour of the proposer.
func (p *EVMProvider) PledgeAgainstDispute(ctx context.Context, req *ebo.Request, dispute *ebo.Dispute) error {
	if req == nil || dispute == nil {
		return fmt.Errorf("request and dispute required")
	}
	return p.transact(ctx, "pledge_against", req.ID, p.addresses.BondEscalationModule, p.contracts.bondEscalation, "pledgeAgainstDispute",
		toOracleRequest(req.ProphetData), toOracleDispute(dispute.ProphetData))
}

// SettleDispute settles the bond escalation of a dispute.
func (p *EVMProvider) SettleDispute(ctx context.Context, req *ebo.Request, resp *ebo.Response, dispute *ebo.Dispute) error {
	if req == nil || resp == nil || dispute == nil {
		return fmt.Errorf("request, response and dispute required")
	}
	return p.transact(ctx, "settle", req.ID, p.addresses.BondEscalationModule, p.contracts.bondEscalation, "settleBondEscalation",
		toOracleRequest(req.ProphetData), toOracleResponse(resp.ProphetData), toOracleDispute(dispute.ProphetData))
}

// EscalateDispute escalates a tied dispute to the resolution module.
func (p *EVMProvider) EscalateDispute(ctx context.Context, req *ebo.Request, resp *ebo.Response, dispute *ebo.Dispute) error {
	if req == nil || resp == nil || dispute == nil {
		return fmt.Errorf("request, response and dispute required")
	}
	return p.transact(ctx, "escalate", req.ID, p.addresses.Oracle, p.contracts.oracle, "escalateDispute",
		toOracleRequest(req.ProphetData), toOracleResponse(resp.ProphetData), toOracleDispute(dispute.ProphetData))
}

// Finalize closes a request with its accepted response.
func (p *EVMProvider) Finalize(ctx context.Context, req *ebo.Request, resp *ebo.Response) error {
	if req == nil || resp == nil {
		return fmt.Errorf("request and response required")
	}
	return p.transact(ctx, "finalize", req.ID, p.addresses.Oracle, p.contracts.oracle, "finalize",
		toOracleRequest(req.ProphetData), toOracleResponse(resp.ProphetData))
}

func (p *EVMProvider) transact(ctx context.Context, op string, requestID ebo.RequestID, to common.Address, contract abi.ABI, method string, args ...interface{}) (err error) {
	if p == nil || p.client == nil {
		return errProviderNotReady
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	ctx, span := p.tracer.Start(ctx, "ebo."+op, trace.WithAttributes(
		attribute.String("request.id", requestID.String()),
		attribute.String("contract", to.Hex()),
	))
	defer span.End()

	action := Action{Operation: op, RequestID: requestID.String(), Contract: to.Hex()}
	defer func() {
		if err != nil {
			failSpan(span, err)
			action.Status = ActionFailed
			action.Error = err.Error()
			if revert := (*ebo.ContractRevert)(nil); errors.As(err, &revert) {
				action.Status = ActionReverted
			}
		} else {
			span.SetStatus(codes.Ok, "mined")
			action.Status = ActionConfirmed
		}
		p.record(ctx, action)
	}()

	input, err := contract.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{From: p.from, To: &to, Data: input}

	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := p.client.CallContract(ctx, msg, nil); err != nil {
		return fmt.Errorf("%s: %w", op, p.decodeRevert(err))
	}

	signed, err := p.send(ctx, msg)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	action.TxHash = signed.Hash().Hex()
	span.SetAttributes(attribute.String("tx.hash", action.TxHash))

	receipt, err := p.waitMined(ctx, signed.Hash())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if receipt.BlockNumber != nil {
		action.Block = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return fmt.Errorf("%s: %w: %s", op, ErrTransactionFailed, action.TxHash)
	}
	p.logger.Info("protocol transaction mined",
		slog.String("operation", op),
		slog.String("request_id", action.RequestID),
		slog.String("tx_hash", action.TxHash),
		slog.Uint64("block", action.Block))
	return nil
}

func (p *EVMProvider) send(ctx context.Context, msg ethereum.CallMsg) (*gethtypes.Transaction, error) {
	p.txMu.Lock()
	defer p.txMu.Unlock()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	gas, err := p.client.EstimateGas(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", p.decodeRevert(err))
	}
	nonce, err := p.client.PendingNonceAt(ctx, p.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := p.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := p.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	baseFee := new(big.Int)
	if head != nil && head.BaseFee != nil {
		baseFee.Set(head.BaseFee)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   p.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        msg.To,
		Data:      msg.Data,
	})
	signed, err := gethtypes.SignTx(tx, p.signer, p.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := p.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", p.decodeRevert(err))
	}
	return signed, nil
}

// waitMined polls for the receipt and the configured number of confirmations.
func (p *EVMProvider) waitMined(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := p.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			confirmed, cerr := p.confirmed(ctx, receipt)
			if cerr != nil {
				return nil, cerr
			}
			if confirmed {
				return receipt, nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *EVMProvider) confirmed(ctx context.Context, receipt *gethtypes.Receipt) (bool, error) {
	if p.confirmations <= 1 || receipt.BlockNumber == nil {
		return true, nil
	}
	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch head: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return false, nil
	}
	return head-mined+1 >= p.confirmations, nil
}

// decodeRevert turns JSON-RPC revert data into a *ebo.ContractRevert when the
// selector names a known custom error or the payload is Error(string).
func (p *EVMProvider) decodeRevert(err error) error {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return err
	}
	raw, ok := dataErr.ErrorData().(string)
	if !ok {
		return err
	}
	data, decErr := hexutil.Decode(raw)
	if decErr != nil || len(data) < 4 {
		return err
	}
	var selector [4]byte
	copy(selector[:], data[:4])
	if name, ok := p.selectors[selector]; ok {
		return &ebo.ContractRevert{Name: name, Data: data}
	}
	if reason, uerr := abi.UnpackRevert(data); uerr == nil {
		return &ebo.ContractRevert{Name: strings.TrimSpace(reason), Data: data}
	}
	return fmt.Errorf("%w (revert data %s)", err, raw)
}

func (p *EVMProvider) record(ctx context.Context, action Action) {
	if p.recorder == nil {
		return
	}
	action.At = p.clock().UTC()
	if err := p.recorder.RecordAction(ctx, action); err != nil {
		p.logger.Warn("record protocol action failed",
			slog.String("operation", action.Operation),
			slog.Any("error", err))
	}
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
