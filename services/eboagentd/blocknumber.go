package eboagentd

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"

	"eboagent/native/ebo"
)

var (
	// ErrUnsupportedChain is returned for chains without a configured client.
	ErrUnsupportedChain = errors.New("eboagentd: unsupported chain")
	// ErrTimestampInFuture is returned when the timestamp is newer than the
	// chain head.
	ErrTimestampInFuture = errors.New("eboagentd: timestamp after chain head")
	// ErrTimestampBeforeGenesis is returned when the timestamp predates block 0.
	ErrTimestampBeforeGenesis = errors.New("eboagentd: timestamp before genesis")
)

const headerCacheLimit = 4096

// HeaderClient is the subset of the Ethereum RPC the block search needs.
type HeaderClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

type chainClient struct {
	client  HeaderClient
	limiter *rate.Limiter

	mu    sync.Mutex
	times map[uint64]uint64
}

func newChainClient(client HeaderClient, rps int) *chainClient {
	if rps <= 0 {
		rps = defaultRPS
	}
	return &chainClient{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		times:   make(map[uint64]uint64),
	}
}

// EVMBlockNumberService resolves the block of an EVM chain that was current
// at a given timestamp.
type EVMBlockNumberService struct {
	chains map[ebo.ChainID]*chainClient
}

var _ ebo.BlockNumberService = (*EVMBlockNumberService)(nil)

// NewEVMBlockNumberService returns an empty service. Chains are registered
// with AddChain.
func NewEVMBlockNumberService() *EVMBlockNumberService {
	return &EVMBlockNumberService{chains: make(map[ebo.ChainID]*chainClient)}
}

// AddChain registers the client used for a CAIP-2 chain id.
func (s *EVMBlockNumberService) AddChain(id ebo.ChainID, client HeaderClient, rps int) error {
	id = id.Normalize()
	if id == "" {
		return fmt.Errorf("chain id required")
	}
	if client == nil {
		return fmt.Errorf("chain %s: client required", id)
	}
	s.chains[id] = newChainClient(client, rps)
	return nil
}

// Chains lists the supported chain ids, sorted.
func (s *EVMBlockNumberService) Chains() []ebo.ChainID {
	out := make([]ebo.ChainID, 0, len(s.chains))
	for id := range s.chains {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// GetEpochBlockNumber returns the last block whose timestamp is at or before
// startTimestamp.
func (s *EVMBlockNumberService) GetEpochBlockNumber(ctx context.Context, startTimestamp uint64, chain ebo.ChainID) (uint64, error) {
	c, ok := s.chains[chain.Normalize()]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedChain, chain)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	head, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain %s head: %w", chain, err)
	}
	headTime, err := c.timestamp(ctx, head)
	if err != nil {
		return 0, err
	}
	if startTimestamp > headTime {
		return 0, fmt.Errorf("%w: %d > %d on %s", ErrTimestampInFuture, startTimestamp, headTime, chain)
	}
	genesisTime, err := c.timestamp(ctx, 0)
	if err != nil {
		return 0, err
	}
	if startTimestamp < genesisTime {
		return 0, fmt.Errorf("%w: %d on %s", ErrTimestampBeforeGenesis, startTimestamp, chain)
	}

	// Invariant: time(lo) <= startTimestamp, and every block above hi is newer.
	lo, hi := uint64(0), head
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		t, err := c.timestamp(ctx, mid)
		if err != nil {
			return 0, err
		}
		if t <= startTimestamp {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

func (c *chainClient) timestamp(ctx context.Context, number uint64) (uint64, error) {
	c.mu.Lock()
	t, ok := c.times[number]
	c.mu.Unlock()
	if ok {
		return t, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	header, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("fetch header %d: %w", number, err)
	}
	if header == nil {
		return 0, fmt.Errorf("header %d missing", number)
	}
	c.mu.Lock()
	if len(c.times) >= headerCacheLimit {
		c.times = make(map[uint64]uint64)
	}
	c.times[number] = header.Time
	c.mu.Unlock()
	return header.Time, nil
}
