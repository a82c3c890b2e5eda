package eboagentd

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"eboagent/native/ebo"
)

// ErrUnknownTopic marks logs that are not one of the consumed oracle events.
var ErrUnknownTopic = errors.New("eboagentd: unknown log topic")

// EventDecoder converts oracle logs into actor events.
type EventDecoder struct {
	contracts *contractSet
	byTopic   map[common.Hash]abi.Event
	blocks    *chainClient
}

// NewEventDecoder builds a decoder that resolves block timestamps through
// client.
func NewEventDecoder(client HeaderClient, rps int) (*EventDecoder, error) {
	if client == nil {
		return nil, fmt.Errorf("header client required")
	}
	contracts, err := loadContracts()
	if err != nil {
		return nil, err
	}
	byTopic := make(map[common.Hash]abi.Event, len(contracts.oracle.Events))
	for _, event := range contracts.oracle.Events {
		byTopic[event.ID] = event
	}
	return &EventDecoder{contracts: contracts, byTopic: byTopic, blocks: newChainClient(client, rps)}, nil
}

// Topics returns the event signatures the decoder understands, for use in a
// log filter.
func (d *EventDecoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(d.byTopic))
	for _, name := range []ebo.EventName{
		ebo.EventRequestCreated,
		ebo.EventResponseProposed,
		ebo.EventResponseDisputed,
		ebo.EventDisputeStatusUpdated,
		ebo.EventDisputeEscalated,
		ebo.EventOracleRequestFinalized,
	} {
		out = append(out, d.contracts.oracle.Events[string(name)].ID)
	}
	return out
}

// Decode converts one log. Logs with an unrecognised topic return
// ErrUnknownTopic.
func (d *EventDecoder) Decode(ctx context.Context, log gethtypes.Log) (ebo.Event, error) {
	if len(log.Topics) == 0 {
		return ebo.Event{}, ErrUnknownTopic
	}
	event, ok := d.byTopic[log.Topics[0]]
	if !ok {
		return ebo.Event{}, fmt.Errorf("%w: %s", ErrUnknownTopic, log.Topics[0].Hex())
	}
	if log.Removed {
		return ebo.Event{}, fmt.Errorf("log %s:%d removed by reorg", log.TxHash.Hex(), log.Index)
	}
	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return ebo.Event{}, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	indexedCount := len(event.Inputs) - len(event.Inputs.NonIndexed())
	if len(log.Topics) != indexedCount+1 {
		return ebo.Event{}, fmt.Errorf("%s: expected %d topics, got %d", event.Name, indexedCount+1, len(log.Topics))
	}

	var (
		requestID ebo.RequestID
		metadata  ebo.EventMetadata
	)
	switch ebo.EventName(event.Name) {
	case ebo.EventRequestCreated:
		request := *abi.ConvertType(values[0], new(oracleRequest)).(*oracleRequest)
		prophet := fromOracleRequest(request)
		decoded, err := d.contracts.decodeRequest(prophet)
		if err != nil {
			return ebo.Event{}, err
		}
		requestID = ebo.RequestID(log.Topics[1])
		metadata = ebo.RequestCreated{
			RequestID:   requestID,
			Epoch:       decoded.RequestModuleData.Epoch,
			ChainID:     decoded.RequestModuleData.ChainID,
			DecodedData: decoded,
			ProphetData: prophet,
		}
	case ebo.EventResponseProposed:
		response := *abi.ConvertType(values[0], new(oracleResponse)).(*oracleResponse)
		body, err := d.contracts.decodeResponseBody(response.Response)
		if err != nil {
			return ebo.Event{}, err
		}
		requestID = ebo.RequestID(log.Topics[1])
		metadata = ebo.ResponseProposed{
			RequestID:   requestID,
			ResponseID:  ebo.ResponseID(log.Topics[2]),
			DecodedData: ebo.ResponseDecoded{Response: body},
			ProphetData: ebo.ProphetResponse{
				Proposer:  response.Proposer,
				RequestID: ebo.RequestID(response.RequestId),
				Response:  response.Response,
			},
		}
	case ebo.EventResponseDisputed:
		dispute := fromOracleDispute(*abi.ConvertType(values[0], new(oracleDispute)).(*oracleDispute))
		requestID = dispute.RequestID
		metadata = ebo.ResponseDisputed{
			ResponseID:  ebo.ResponseID(log.Topics[1]),
			DisputeID:   ebo.DisputeID(log.Topics[2]),
			ProphetData: dispute,
		}
	case ebo.EventDisputeStatusUpdated:
		dispute := fromOracleDispute(*abi.ConvertType(values[0], new(oracleDispute)).(*oracleDispute))
		raw, ok := values[1].(uint8)
		if !ok || !ebo.DisputeStatus(raw).Valid() {
			return ebo.Event{}, fmt.Errorf("%s: invalid status %v", event.Name, values[1])
		}
		requestID = dispute.RequestID
		metadata = ebo.DisputeStatusUpdated{
			DisputeID: ebo.DisputeID(log.Topics[1]),
			Dispute:   dispute,
			Status:    ebo.DisputeStatus(raw),
		}
	case ebo.EventDisputeEscalated:
		dispute := fromOracleDispute(*abi.ConvertType(values[0], new(oracleDispute)).(*oracleDispute))
		requestID = dispute.RequestID
		metadata = ebo.DisputeEscalated{
			Caller:    common.BytesToAddress(log.Topics[1].Bytes()).Hex(),
			DisputeID: ebo.DisputeID(log.Topics[2]),
			Dispute:   dispute,
		}
	case ebo.EventOracleRequestFinalized:
		requestID = ebo.RequestID(log.Topics[1])
		metadata = ebo.OracleRequestFinalized{
			RequestID:  requestID,
			ResponseID: ebo.ResponseID(log.Topics[2]),
			Caller:     common.BytesToAddress(log.Topics[3].Bytes()).Hex(),
		}
	default:
		return ebo.Event{}, fmt.Errorf("%w: %s", ErrUnknownTopic, event.Name)
	}

	timestamp, err := d.blocks.timestamp(ctx, log.BlockNumber)
	if err != nil {
		return ebo.Event{}, err
	}
	return ebo.NewEvent(requestID, log.BlockNumber, log.Index, timestamp, metadata), nil
}
