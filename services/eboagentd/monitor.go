package eboagentd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"eboagent/native/ebo"
	"eboagent/observability"
)

// LogClient is the subset of the Ethereum RPC the monitor polls.
type LogClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// CursorStore persists the last fully processed block.
type CursorStore interface {
	Cursor() (uint64, bool, error)
	SaveCursor(block uint64) error
}

// ActorFactory builds the actor owning a newly created request.
type ActorFactory func(req ebo.ActorRequest) (*ebo.Actor, error)

// MonitorConfig wires a Monitor.
type MonitorConfig struct {
	Client        LogClient
	Decoder       *EventDecoder
	Provider      ebo.ProtocolProvider
	NewActor      ActorFactory
	Cursor        CursorStore
	Oracle        common.Address
	StartBlock    uint64
	Confirmations uint64
	MaxBlockRange uint64
	Concurrency   int
	PollInterval  time.Duration
	Logger        *slog.Logger
	Metrics       *observability.EboAgentdMetrics
}

// Monitor owns the actors of every live request. Each tick it pulls new
// oracle logs, routes them to actors, runs deadline checks and prunes actors
// whose requests are closed.
type Monitor struct {
	cfg     MonitorConfig
	logger  *slog.Logger
	metrics *observability.EboAgentdMetrics
	tracer  trace.Tracer

	tickMu  sync.Mutex
	cursor  uint64
	started bool

	mu     sync.RWMutex
	actors map[ebo.RequestID]*ebo.Actor

	lastBlock atomic.Uint64
}

// NewMonitor validates the configuration.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("log client required")
	}
	if cfg.Decoder == nil {
		return nil, fmt.Errorf("event decoder required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("protocol provider required")
	}
	if cfg.NewActor == nil {
		return nil, fmt.Errorf("actor factory required")
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = defaultMaxBlockRange
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultActorConcurrent
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollSeconds * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "monitor")),
		metrics: cfg.Metrics,
		tracer:  otel.Tracer("eboagentd/monitor"),
		actors:  make(map[ebo.RequestID]*ebo.Actor),
	}, nil
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := m.Tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			m.logger.Error("monitor tick failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one polling round.
func (m *Monitor) Tick(ctx context.Context) (err error) {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "ebo.monitor_tick")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		m.metrics.ObserveTick(time.Since(start))
	}()

	if err := m.loadCursor(); err != nil {
		m.metrics.RecordTickError("cursor")
		return err
	}
	head, err := m.cfg.Client.BlockNumber(ctx)
	if err != nil {
		m.metrics.RecordTickError("head")
		return fmt.Errorf("fetch head: %w", err)
	}
	if m.cfg.Confirmations > 1 {
		if head < m.cfg.Confirmations-1 {
			return nil
		}
		head -= m.cfg.Confirmations - 1
	}
	span.SetAttributes(attribute.Int64("block", int64(head)))

	var decodeErr error
	touched := make(map[ebo.RequestID]bool)
	if head > m.cursor {
		logs, err := m.fetchLogs(ctx, m.cursor+1, head)
		if err != nil {
			m.metrics.RecordTickError("logs")
			return err
		}
		events, failed, err := m.decode(ctx, logs)
		if err != nil {
			// Hold the cursor before the failed block so it is fetched again.
			decodeErr = err
			head = failed - 1
		}
		for _, event := range events {
			if actor := m.route(event); actor != nil {
				touched[event.RequestID] = true
			}
		}
	}

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for _, actor := range m.snapshotActors() {
		// Requeued retries are resumed even without new logs.
		if !touched[actor.Request().ID] && actor.Pending() == 0 {
			continue
		}
		actor := actor
		g.Go(func() error {
			if err := actor.ProcessEvents(ctx); err != nil {
				m.metrics.RecordTickError("process")
				m.logger.Error("actor processing failed",
					slog.String("request_id", actor.Request().ID.String()),
					slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, actor := range m.snapshotActors() {
		actor := actor
		g.Go(func() error {
			if err := actor.OnLastBlockUpdated(ctx, head); err != nil {
				m.metrics.RecordTickError("deadlines")
				m.logger.Error("actor deadline check failed",
					slog.String("request_id", actor.Request().ID.String()),
					slog.Uint64("block", head),
					slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()

	m.prune(ctx, head)

	if head > m.cursor {
		if m.cfg.Cursor != nil {
			if err := m.cfg.Cursor.SaveCursor(head); err != nil {
				m.metrics.RecordTickError("cursor")
				return fmt.Errorf("save cursor: %w", err)
			}
		}
		m.cursor = head
	}
	m.lastBlock.Store(head)
	m.metrics.SetLastBlock(head)
	return decodeErr
}

func (m *Monitor) loadCursor() error {
	if m.started {
		return nil
	}
	m.cursor = 0
	if m.cfg.StartBlock > 0 {
		m.cursor = m.cfg.StartBlock - 1
	}
	if m.cfg.Cursor != nil {
		stored, ok, err := m.cfg.Cursor.Cursor()
		if err != nil {
			return fmt.Errorf("load cursor: %w", err)
		}
		if ok && stored > m.cursor {
			m.cursor = stored
		}
	}
	m.started = true
	return nil
}

func (m *Monitor) fetchLogs(ctx context.Context, from, to uint64) ([]gethtypes.Log, error) {
	var out []gethtypes.Log
	topics := [][]common.Hash{m.cfg.Decoder.Topics()}
	for start := from; start <= to; start += m.cfg.MaxBlockRange {
		end := start + m.cfg.MaxBlockRange - 1
		if end > to {
			end = to
		}
		logs, err := m.cfg.Client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{m.cfg.Oracle},
			Topics:    topics,
		})
		if err != nil {
			return nil, fmt.Errorf("filter logs %d-%d: %w", start, end, err)
		}
		out = append(out, logs...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

// decode converts logs to events in order. On the first log that fails to
// decode it returns the events of earlier blocks only, with the failed block.
func (m *Monitor) decode(ctx context.Context, logs []gethtypes.Log) ([]ebo.Event, uint64, error) {
	events := make([]ebo.Event, 0, len(logs))
	for _, log := range logs {
		event, err := m.cfg.Decoder.Decode(ctx, log)
		if err != nil {
			if errors.Is(err, ErrUnknownTopic) {
				m.logger.Debug("skipping unknown log", slog.Uint64("block", log.BlockNumber), slog.Any("error", err))
				continue
			}
			m.metrics.RecordTickError("decode")
			m.logger.Warn("log decode failed, holding cursor",
				slog.Uint64("block", log.BlockNumber),
				slog.Uint64("log_index", uint64(log.Index)),
				slog.Any("error", err))
			kept := events[:0]
			for _, e := range events {
				if e.BlockNumber < log.BlockNumber {
					kept = append(kept, e)
				}
			}
			return kept, log.BlockNumber, fmt.Errorf("decode log %d:%d: %w", log.BlockNumber, log.Index, err)
		}
		m.metrics.RecordDecodedLog(string(event.Name))
		events = append(events, event)
	}
	return events, 0, nil
}

// route hands the event to its actor, creating one for new requests.
func (m *Monitor) route(event ebo.Event) *ebo.Actor {
	m.mu.Lock()
	defer m.mu.Unlock()

	actor, ok := m.actors[event.RequestID]
	if !ok {
		created, isCreate := event.Metadata.(ebo.RequestCreated)
		if !isCreate {
			m.logger.Warn("dropping event for unknown request",
				slog.String("request_id", event.RequestID.String()),
				slog.String("event", event.String()))
			return nil
		}
		var err error
		actor, err = m.cfg.NewActor(ebo.ActorRequest{ID: created.RequestID, ChainID: created.ChainID, Epoch: created.Epoch})
		if err != nil {
			m.metrics.RecordTickError("actor")
			m.logger.Warn("actor creation failed",
				slog.String("request_id", event.RequestID.String()),
				slog.Any("error", err))
			return nil
		}
		m.actors[event.RequestID] = actor
		m.metrics.SetActiveActors(len(m.actors))
		m.logger.Info("actor created",
			slog.String("request_id", created.RequestID.String()),
			slog.String("chain_id", string(created.ChainID)),
			slog.Uint64("epoch", created.Epoch))
	}
	if err := actor.Enqueue(event); err != nil {
		m.logger.Debug("event not enqueued",
			slog.String("request_id", event.RequestID.String()),
			slog.String("event", event.String()),
			slog.Any("error", err))
		return nil
	}
	return actor
}

func (m *Monitor) prune(ctx context.Context, head uint64) {
	epoch, err := m.cfg.Provider.GetCurrentEpoch(ctx)
	haveEpoch := err == nil
	if err != nil {
		m.metrics.RecordTickError("epoch")
		m.logger.Warn("current epoch unavailable", slog.Any("error", err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, actor := range m.actors {
		switch {
		case actor.Terminated():
			m.logger.Warn("removing terminated actor", slog.String("request_id", id.String()))
		case haveEpoch && actor.CanBeTerminated(epoch.Number, head):
			m.logger.Info("removing closed actor", slog.String("request_id", id.String()))
		default:
			continue
		}
		delete(m.actors, id)
	}
	m.metrics.SetActiveActors(len(m.actors))
}

func (m *Monitor) snapshotActors() []*ebo.Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ebo.Actor, 0, len(m.actors))
	for _, actor := range m.actors {
		out = append(out, actor)
	}
	return out
}

// Snapshots returns a view of every live actor ordered by request id.
func (m *Monitor) Snapshots() []ebo.Snapshot {
	actors := m.snapshotActors()
	out := make([]ebo.Snapshot, 0, len(actors))
	for _, actor := range actors {
		out = append(out, actor.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Request.ID.String() < out[j].Request.ID.String()
	})
	return out
}

// Snapshot returns the view of one actor.
func (m *Monitor) Snapshot(id ebo.RequestID) (ebo.Snapshot, bool) {
	m.mu.RLock()
	actor, ok := m.actors[id]
	m.mu.RUnlock()
	if !ok {
		return ebo.Snapshot{}, false
	}
	return actor.Snapshot(), true
}

// LastBlock returns the block of the last completed tick.
func (m *Monitor) LastBlock() uint64 { return m.lastBlock.Load() }
