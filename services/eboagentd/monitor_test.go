package eboagentd

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"eboagent/native/ebo"
)

type monitorHarness struct {
	chain   *fakeChain
	cursor  *memoryCursor
	monitor *Monitor

	mu        sync.Mutex
	proposals []ebo.ProposedResponse
	proposeFn func() error
}

func (h *monitorHarness) proposed() []ebo.ProposedResponse {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ebo.ProposedResponse(nil), h.proposals...)
}

func newMonitorHarness(t *testing.T, chain *fakeChain, mutate func(*MonitorConfig)) *monitorHarness {
	t.Helper()
	h := &monitorHarness{chain: chain, cursor: &memoryCursor{}}
	decoder, err := NewEventDecoder(chain, 1000)
	require.NoError(t, err)

	provider := ebo.FuncProvider{
		Address: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		CurrentEpochFunc: func(context.Context) (ebo.Epoch, error) {
			return ebo.Epoch{Number: 5, FirstBlockNumber: 1, StartTimestamp: genesisTime}, nil
		},
		ProposeFunc: func(_ context.Context, _ *ebo.Request, resp ebo.ProposedResponse) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.proposals = append(h.proposals, resp)
			if h.proposeFn != nil {
				return h.proposeFn()
			}
			return nil
		},
	}
	blocks := ebo.BlockNumberFunc(func(context.Context, uint64, ebo.ChainID) (uint64, error) {
		return 777, nil
	})
	cfg := MonitorConfig{
		Client:   chain,
		Decoder:  decoder,
		Provider: provider,
		NewActor: func(req ebo.ActorRequest) (*ebo.Actor, error) {
			return ebo.NewActor(req, provider, blocks)
		},
		Cursor:      h.cursor,
		Oracle:      testOracle,
		StartBlock:  1,
		Concurrency: 2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.monitor, err = NewMonitor(cfg)
	require.NoError(t, err)
	return h
}

func TestMonitorCreatesActorAndProposes(t *testing.T) {
	b := newLogBuilder(t)
	id := ebo.RequestID(common.HexToHash("0x01"))
	chain := newFakeChain(20)
	chain.logs = append(chain.logs, b.requestCreated(id, 10, 0))
	h := newMonitorHarness(t, chain, nil)

	require.NoError(t, h.monitor.Tick(context.Background()))

	proposals := h.proposed()
	require.Len(t, proposals, 1)
	require.Equal(t, id, proposals[0].RequestID)
	require.Equal(t, uint64(777), proposals[0].Response.Block)

	snaps := h.monitor.Snapshots()
	require.Len(t, snaps, 1)
	require.Equal(t, ebo.ChainID("eip155:1"), snaps[0].Request.ChainID)
	require.Equal(t, uint64(5), snaps[0].Request.Epoch)
	_, ok := h.monitor.Snapshot(id)
	require.True(t, ok)

	cursor, stored, err := h.cursor.Cursor()
	require.NoError(t, err)
	require.True(t, stored)
	require.Equal(t, uint64(20), cursor)
	require.Equal(t, uint64(20), h.monitor.LastBlock())

	// Nothing new: no refetch and no second proposal.
	require.NoError(t, h.monitor.Tick(context.Background()))
	require.Len(t, h.proposed(), 1)
	require.Len(t, chain.queries, 1)
}

func TestMonitorRemovesTerminatedActors(t *testing.T) {
	b := newLogBuilder(t)
	id := ebo.RequestID(common.HexToHash("0x01"))
	chain := newFakeChain(20)
	chain.logs = append(chain.logs, b.requestCreated(id, 10, 0))
	h := newMonitorHarness(t, chain, nil)
	h.proposeFn = func() error { return &ebo.ContractRevert{Name: ebo.ReasonInvalidEpoch} }

	require.NoError(t, h.monitor.Tick(context.Background()))
	require.Len(t, h.proposed(), 1)
	require.Empty(t, h.monitor.Snapshots())
}

func TestMonitorResumesRequeuedRetryWithoutNewLogs(t *testing.T) {
	b := newLogBuilder(t)
	id := ebo.RequestID(common.HexToHash("0x01"))
	chain := newFakeChain(20)
	chain.logs = append(chain.logs, b.requestCreated(id, 10, 0))
	h := newMonitorHarness(t, chain, nil)
	failures := 1
	h.proposeFn = func() error {
		if failures > 0 {
			failures--
			return &ebo.ContractRevert{Name: ebo.ReasonBondEscalationNotOver}
		}
		return nil
	}

	require.NoError(t, h.monitor.Tick(context.Background()))
	require.Len(t, h.proposed(), 1)
	snap, ok := h.monitor.Snapshot(id)
	require.True(t, ok)
	require.Equal(t, 1, snap.QueuedEvents)
	require.Nil(t, snap.Entity)

	require.NoError(t, h.monitor.Tick(context.Background()))
	require.Len(t, h.proposed(), 2)
	snap, ok = h.monitor.Snapshot(id)
	require.True(t, ok)
	require.Zero(t, snap.QueuedEvents)
	require.NotNil(t, snap.Entity)
	require.Len(t, chain.queries, 1, "no new blocks were fetched")
}

func TestMonitorHoldsCursorBeforeUndecodableLog(t *testing.T) {
	b := newLogBuilder(t)
	first := ebo.RequestID(common.HexToHash("0x01"))
	second := ebo.RequestID(common.HexToHash("0x02"))
	chain := newFakeChain(20)
	broken := b.requestCreated(second, 15, 0)
	broken.Topics = broken.Topics[:1]
	chain.logs = append(chain.logs, b.requestCreated(first, 10, 0), broken)
	h := newMonitorHarness(t, chain, nil)

	require.Error(t, h.monitor.Tick(context.Background()))
	cursor, stored, err := h.cursor.Cursor()
	require.NoError(t, err)
	require.True(t, stored)
	require.Equal(t, uint64(14), cursor)
	require.Equal(t, uint64(14), h.monitor.LastBlock())
	require.Len(t, h.monitor.Snapshots(), 1)

	chain.mu.Lock()
	chain.logs[1] = b.requestCreated(second, 15, 0)
	chain.mu.Unlock()

	require.NoError(t, h.monitor.Tick(context.Background()))
	require.Equal(t, uint64(15), chain.queries[1].FromBlock.Uint64())
	require.Len(t, h.monitor.Snapshots(), 2)
	cursor, _, err = h.cursor.Cursor()
	require.NoError(t, err)
	require.Equal(t, uint64(20), cursor)
}

func TestMonitorDropsEventsForUnknownRequests(t *testing.T) {
	b := newLogBuilder(t)
	id := ebo.RequestID(common.HexToHash("0x07"))
	chain := newFakeChain(20)
	chain.logs = append(chain.logs, b.responseProposed(id, ebo.ResponseID(common.HexToHash("0x08")), 1, 12, 0))
	h := newMonitorHarness(t, chain, nil)

	require.NoError(t, h.monitor.Tick(context.Background()))
	require.Empty(t, h.monitor.Snapshots())
	require.Empty(t, h.proposed())
}

func TestMonitorResumesFromStoredCursor(t *testing.T) {
	b := newLogBuilder(t)
	chain := newFakeChain(20)
	chain.logs = append(chain.logs, b.requestCreated(ebo.RequestID(common.HexToHash("0x01")), 10, 0))
	h := newMonitorHarness(t, chain, nil)
	require.NoError(t, h.cursor.SaveCursor(15))

	require.NoError(t, h.monitor.Tick(context.Background()))
	require.Len(t, chain.queries, 1)
	require.Equal(t, uint64(16), chain.queries[0].FromBlock.Uint64())
	require.Equal(t, uint64(20), chain.queries[0].ToBlock.Uint64())
	require.Empty(t, h.monitor.Snapshots())
}

func TestMonitorChunksLogQueriesAndHonoursConfirmations(t *testing.T) {
	chain := newFakeChain(22)
	h := newMonitorHarness(t, chain, func(cfg *MonitorConfig) {
		cfg.MaxBlockRange = 5
		cfg.Confirmations = 3
	})

	require.NoError(t, h.monitor.Tick(context.Background()))
	require.Len(t, chain.queries, 4)
	require.Equal(t, uint64(1), chain.queries[0].FromBlock.Uint64())
	require.Equal(t, uint64(5), chain.queries[0].ToBlock.Uint64())
	require.Equal(t, uint64(20), chain.queries[3].ToBlock.Uint64())
	require.Equal(t, testOracle, chain.queries[0].Addresses[0])
	require.Equal(t, uint64(20), h.monitor.LastBlock())
}

func TestMonitorCursorFailureFailsTick(t *testing.T) {
	chain := newFakeChain(20)
	h := newMonitorHarness(t, chain, nil)
	h.cursor.err = errBoom

	require.ErrorIs(t, h.monitor.Tick(context.Background()), errBoom)
}

func TestNewMonitorValidates(t *testing.T) {
	_, err := NewMonitor(MonitorConfig{})
	require.Error(t, err)
}
