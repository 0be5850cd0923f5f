package partition

import (
	"fmt"
	"sync"

	"github.com/sharding-experiment/shardexec/internal/protocol"
)

// DependentEdgeSet is the payload exchanged between shards during one round's
// edge computation: for a single target shard, the mapping from that shard's
// source transaction indices to the dependents discovered for them. The
// receiving shard must not assume any ordering across source shards; the
// merge step re-sorts.
type DependentEdgeSet struct {
	Round int
	Edges map[protocol.TxnIndex][]protocol.DependentEdge
}

// NewDependentEdgeSet returns an empty edge set for the given round.
func NewDependentEdgeSet(round int) DependentEdgeSet {
	return DependentEdgeSet{Round: round, Edges: make(map[protocol.TxnIndex][]protocol.DependentEdge)}
}

// Add records that the transaction at source is depended on by edge.
func (s DependentEdgeSet) Add(source protocol.TxnIndex, edge protocol.DependentEdge) {
	s.Edges[source] = append(s.Edges[source], edge)
}

// CrossShardClient is the synchronization primitive used during dependent-edge
// computation: a barrier with payload exchange. Every shard contributes one
// payload per target shard and blocks until the payloads addressed to it from
// every other shard have arrived. It must be called exactly once per round by
// every shard; a shard skipping a round would deadlock its peers.
type CrossShardClient interface {
	// BroadcastAndCollectDependentEdges sends outbound[i] to shard i and
	// returns the collected payloads indexed by source shard, with the local
	// contribution at the caller's own position. outbound must have one entry
	// per shard.
	BroadcastAndCollectDependentEdges(outbound []DependentEdgeSet) ([]DependentEdgeSet, error)
}

// EdgeExchange is the in-process rendezvous shared by the per-shard
// LocalCrossShardClient instances: a full matrix of point-to-point channels,
// one message per pair per round.
type EdgeExchange struct {
	numShards int
	channels  [][]chan DependentEdgeSet // [source][target]
	done      chan struct{}
	closeOnce sync.Once
}

// NewEdgeExchange creates the channel matrix for numShards participants.
func NewEdgeExchange(numShards int) *EdgeExchange {
	channels := make([][]chan DependentEdgeSet, numShards)
	for s := range channels {
		channels[s] = make([]chan DependentEdgeSet, numShards)
		for t := range channels[s] {
			// Each pair exchanges exactly one message per round, drained
			// within the same round, so capacity 1 never blocks a sender.
			channels[s][t] = make(chan DependentEdgeSet, 1)
		}
	}
	return &EdgeExchange{
		numShards: numShards,
		channels:  channels,
		done:      make(chan struct{}),
	}
}

// Close releases every participant blocked in an exchange.
func (x *EdgeExchange) Close() {
	x.closeOnce.Do(func() { close(x.done) })
}

// ClientFor returns the exchange endpoint for one shard.
func (x *EdgeExchange) ClientFor(shardID protocol.ShardID) *LocalCrossShardClient {
	return &LocalCrossShardClient{shardID: shardID, exchange: x}
}

// LocalCrossShardClient is the in-process CrossShardClient implementation for
// co-located shard-processing goroutines.
type LocalCrossShardClient struct {
	shardID  protocol.ShardID
	exchange *EdgeExchange
}

// BroadcastAndCollectDependentEdges implements CrossShardClient.
func (c *LocalCrossShardClient) BroadcastAndCollectDependentEdges(outbound []DependentEdgeSet) ([]DependentEdgeSet, error) {
	x := c.exchange
	if len(outbound) != x.numShards {
		return nil, fmt.Errorf("broadcast expects %d payloads, got %d", x.numShards, len(outbound))
	}

	me := int(c.shardID)
	for target := 0; target < x.numShards; target++ {
		if target == me {
			continue
		}
		select {
		case x.channels[me][target] <- outbound[target]:
		case <-x.done:
			return nil, fmt.Errorf("shard %d broadcast to shard %d: %w", me, target, protocol.ErrChannelClosed)
		}
	}

	collected := make([]DependentEdgeSet, x.numShards)
	collected[me] = outbound[me]
	for source := 0; source < x.numShards; source++ {
		if source == me {
			continue
		}
		select {
		case collected[source] = <-x.channels[source][me]:
		case <-x.done:
			return nil, fmt.Errorf("shard %d collect from shard %d: %w", me, source, protocol.ErrChannelClosed)
		}
	}
	return collected, nil
}
