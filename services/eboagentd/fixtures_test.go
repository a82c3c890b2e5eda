package eboagentd

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

const (
	genesisTime = 1_000
	blockTime   = 10
)

// fakeChain is an in-memory EVM node. Block n has timestamp
// genesisTime + n*blockTime unless overridden in times.
type fakeChain struct {
	mu sync.Mutex

	head    uint64
	times   map[uint64]uint64
	logs    []gethtypes.Log
	queries []ethereum.FilterQuery

	callErr     error
	callResults map[string][]byte
	calls       []ethereum.CallMsg

	nonce         uint64
	sent          []*gethtypes.Transaction
	receiptStatus uint64
	headerCalls   int
}

func newFakeChain(head uint64) *fakeChain {
	return &fakeChain{
		head:          head,
		times:         make(map[uint64]uint64),
		callResults:   make(map[string][]byte),
		receiptStatus: gethtypes.ReceiptStatusSuccessful,
	}
}

func (c *fakeChain) timeOf(n uint64) uint64 {
	if t, ok := c.times[n]; ok {
		return t
	}
	return genesisTime + n*blockTime
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) HeaderByNumber(_ context.Context, number *big.Int) (*gethtypes.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headerCalls++
	n := c.head
	if number != nil {
		n = number.Uint64()
	}
	if n > c.head {
		return nil, ethereum.NotFound
	}
	return &gethtypes.Header{
		Number:  new(big.Int).SetUint64(n),
		Time:    c.timeOf(n),
		BaseFee: big.NewInt(1_000_000_000),
	}, nil
}

func (c *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
	var out []gethtypes.Log
	for _, log := range c.logs {
		if log.BlockNumber < q.FromBlock.Uint64() || log.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

func (c *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, msg)
	if c.callErr != nil {
		return nil, c.callErr
	}
	if len(msg.Data) >= 4 {
		if out, ok := c.callResults[hexutil.Encode(msg.Data[:4])]; ok {
			return out, nil
		}
	}
	return nil, nil
}

func (c *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (c *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce, nil
}

func (c *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (c *fakeChain) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	c.nonce++
	return nil
}

func (c *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tx := range c.sent {
		if tx.Hash() == hash {
			return &gethtypes.Receipt{
				Status:      c.receiptStatus,
				TxHash:      hash,
				BlockNumber: new(big.Int).SetUint64(c.head),
			}, nil
		}
	}
	return nil, ethereum.NotFound
}

func (c *fakeChain) setResult(selector []byte, out []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callResults[hexutil.Encode(selector)] = out
}

// revertRPCError mimics the JSON-RPC error a node returns for a reverted
// eth_call.
type revertRPCError struct {
	data string
}

func (e revertRPCError) Error() string          { return "execution reverted" }
func (e revertRPCError) ErrorCode() int         { return 3 }
func (e revertRPCError) ErrorData() interface{} { return e.data }

type memoryRecorder struct {
	mu      sync.Mutex
	actions []Action
}

func (r *memoryRecorder) RecordAction(_ context.Context, action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	return nil
}

func (r *memoryRecorder) all() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Action(nil), r.actions...)
}

type memoryCursor struct {
	mu     sync.Mutex
	value  uint64
	stored bool
	err    error
}

func (c *memoryCursor) Cursor() (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.stored, c.err
}

func (c *memoryCursor) SaveCursor(block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.value = block
	c.stored = true
	return nil
}

var errBoom = errors.New("boom")
