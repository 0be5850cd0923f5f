package partition

import (
	"fmt"
	"sort"

	"github.com/sharding-experiment/shardexec/internal/protocol"
)

// DependentEdgeCreator inverts the forward cross-shard dependencies declared
// by one round's transactions into back-edges on the already-frozen
// sub-blocks of earlier rounds. Each shard only sees the portion of the
// inverse graph contributed by its own current-round transactions, so a
// cross-shard exchange is required before the edges can be attached: the
// creator serializes its per-target-shard contributions, performs the
// all-to-all broadcast-and-collect, and merges whatever landed on it.
type DependentEdgeCreator struct {
	shardID   protocol.ShardID
	client    CrossShardClient
	subBlocks *protocol.SubBlocksForShard
	numShards int
}

// NewDependentEdgeCreator returns a creator for one shard. subBlocks is the
// shard's full round sequence; only the rounds before the one being processed
// are treated as frozen.
func NewDependentEdgeCreator(shardID protocol.ShardID, client CrossShardClient, subBlocks *protocol.SubBlocksForShard, numShards int) *DependentEdgeCreator {
	return &DependentEdgeCreator{
		shardID:   shardID,
		client:    client,
		subBlocks: subBlocks,
		numShards: numShards,
	}
}

// CreateDependentEdges computes and attaches the back-edges implied by the
// forward dependencies of the current round's transactions. currDeps holds
// those dependencies in round-local order, indexOffset is the global index of
// the first current-round transaction, and round is the current round number.
// Every shard must call this for the same round before any may proceed to the
// next; the exchange inside is a full barrier.
func (c *DependentEdgeCreator) CreateDependentEdges(currDeps []protocol.CrossShardDependencies, indexOffset protocol.TxnIndex, round int) error {
	if round == 0 {
		// Nothing frozen yet; by construction round 0 has no incoming
		// cross-shard dependencies. All shards skip symmetrically, so no
		// barrier is missed.
		return nil
	}

	outbound := make([]DependentEdgeSet, c.numShards)
	for i := range outbound {
		outbound[i] = NewDependentEdgeSet(round)
	}
	for i, deps := range currDeps {
		dependent := protocol.DependentEdge{
			TxnIndex: indexOffset + protocol.TxnIndex(i),
			ShardID:  c.shardID,
			Round:    round,
		}
		for _, req := range deps.RequiredEdges {
			outbound[req.ShardID].Add(req.TxnIndex, dependent)
		}
	}

	collected, err := c.client.BroadcastAndCollectDependentEdges(outbound)
	if err != nil {
		return fmt.Errorf("shard %d round %d edge exchange: %w", c.shardID, round, err)
	}

	return c.addEdgesToFrozenSubBlocks(mergeEdgeSets(collected), round)
}

// mergeEdgeSets unions the collected per-source-shard contributions into one
// source-index -> dependents map. Arrival order across source shards is
// unspecified, so the edges for each source are re-sorted deterministically.
func mergeEdgeSets(collected []DependentEdgeSet) map[protocol.TxnIndex][]protocol.DependentEdge {
	merged := make(map[protocol.TxnIndex][]protocol.DependentEdge)
	for _, set := range collected {
		for source, edges := range set.Edges {
			merged[source] = append(merged[source], edges...)
		}
	}
	for source := range merged {
		edges := merged[source]
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].ShardID != edges[j].ShardID {
				return edges[i].ShardID < edges[j].ShardID
			}
			return edges[i].TxnIndex < edges[j].TxnIndex
		})
	}
	return merged
}

// addEdgesToFrozenSubBlocks walks the frozen rounds once, attaching each
// source's dependents to the exact transaction that owns the source index.
// Source indices are visited in ascending order and sub-block ranges are
// monotonic, so a single cursor suffices. A source with no matching sub-block
// means the partitioner handed out a dependency on a transaction that was
// never frozen; that is fatal, never dropped.
func (c *DependentEdgeCreator) addEdgesToFrozenSubBlocks(merged map[protocol.TxnIndex][]protocol.DependentEdge, round int) error {
	sources := make([]protocol.TxnIndex, 0, len(merged))
	for source := range merged {
		sources = append(sources, source)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	frozen := c.subBlocks.SubBlocks[:round]
	cursor := 0
	for _, source := range sources {
		for cursor < len(frozen) && source >= frozen[cursor].EndIndex() {
			cursor++
		}
		if cursor == len(frozen) || !frozen[cursor].Contains(source) {
			return fmt.Errorf("%w: shard %d has no frozen sub-block for source txn %d",
				protocol.ErrUnknownSource, c.shardID, source)
		}
		for _, edge := range merged[source] {
			frozen[cursor].AddDependentEdge(source, edge)
		}
	}
	return nil
}
