package chainclient

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var bountyReleasedEventID = bountyPoolABI.Events["BountyReleased"].ID

// FilterBountyReleased polls for BountyReleased logs in [fromBlock, toBlock]
// via eth_getLogs. This is the only path the reconciler uses to read
// BountyReleased events (spec.md §4.12).
func (c *Client) FilterBountyReleased(ctx context.Context, fromBlock, toBlock uint64) ([]BountyReleasedEvent, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.addresses.BountyPool},
		Topics:    [][]common.Hash{{bountyReleasedEventID}},
	}

	result, err := c.call(ctx, "bountyPool", "filterLogs", func() (any, error) {
		return c.eth.FilterLogs(ctx, query)
	})
	if err != nil {
		return nil, err
	}
	logs := result.([]types.Log)

	events := make([]BountyReleasedEvent, 0, len(logs))
	for _, log := range logs {
		ev, ok := decodeBountyReleased(log)
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// SubscribeBountyReleased opens a live log subscription for BountyReleased
// events, for RPC providers that support eth_subscribe. The reconciler does
// not call it; it polls with FilterBountyReleased.
func (c *Client) SubscribeBountyReleased(ctx context.Context, fromBlock uint64) (chan types.Log, ethereum.Subscription, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{c.addresses.BountyPool},
		Topics:    [][]common.Hash{{bountyReleasedEventID}},
	}
	ch := make(chan types.Log)
	sub, err := c.eth.SubscribeFilterLogs(ctx, query, ch)
	if err != nil {
		return nil, nil, mapChainErr("bountyPool.subscribeFilterLogs", err)
	}
	return ch, sub, nil
}

func decodeBountyReleased(log types.Log) (BountyReleasedEvent, bool) {
	if len(log.Topics) != 3 {
		return BountyReleasedEvent{}, false
	}
	values, err := bountyPoolABI.Events["BountyReleased"].Inputs.NonIndexed().Unpack(log.Data)
	if err != nil || len(values) != 2 {
		return BountyReleasedEvent{}, false
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return BountyReleasedEvent{}, false
	}
	severity, ok := values[1].(uint8)
	if !ok {
		return BountyReleasedEvent{}, false
	}
	return BountyReleasedEvent{
		ProtocolID:  new(big.Int).SetBytes(log.Topics[1].Bytes()).Uint64(),
		Recipient:   common.BytesToAddress(log.Topics[2].Bytes()),
		Amount:      amount,
		Severity:    severity,
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
	}, true
}
