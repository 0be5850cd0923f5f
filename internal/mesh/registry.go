// Package mesh provides the execution-phase cross-shard value channels: a
// complete matrix of point-to-point, round-scoped channels that shard workers
// use to push resolved transaction outputs to the shards that declared a
// dependency on them.
package mesh

import (
	"fmt"
	"sync"

	"github.com/sharding-experiment/shardexec/internal/protocol"
)

// CrossShardMsg carries the resolved output of one source transaction to a
// shard that declared a dependency on it. Its shape is deliberately distinct
// from the edge-exchange payload: execution needs the concrete write set, not
// the graph structure.
type CrossShardMsg struct {
	SourceShard protocol.ShardID
	SourceTxn   protocol.TxnIndex
	Writes      []protocol.StateWrite
}

// Registry owns the full channel mesh for one block's execution. Channel
// identity is the integer triple (round, source, target) into a flat slice
// rather than nested containers, and the whole matrix exists before any
// worker starts: a worker may push into a channel whose receiver has not
// reached that round yet.
//
// Channels are bounded. Each is sized to the exact number of messages that
// will ever enter it (one per distinct source transaction with a dependent
// behind that triple), so a sender never blocks and a receiver blocks only
// until the value it waits for has been produced.
type Registry struct {
	numShards int
	numRounds int
	channels  []chan CrossShardMsg
	done      chan struct{}
	closeOnce sync.Once
}

// NewRegistry builds a mesh for numShards shards and numRounds rounds with a
// uniform per-channel capacity.
func NewRegistry(numShards, numRounds, capacity int) *Registry {
	r := &Registry{
		numShards: numShards,
		numRounds: numRounds,
		channels:  make([]chan CrossShardMsg, numRounds*numShards*numShards),
		done:      make(chan struct{}),
	}
	for i := range r.channels {
		r.channels[i] = make(chan CrossShardMsg, capacity)
	}
	return r
}

// NewRegistryForPlan builds a mesh sized from the plan's annotated dependent
// edges: each (round, source, target) channel holds exactly the messages that
// execution will push through it.
func NewRegistryForPlan(plan *protocol.PartitionPlan) *Registry {
	numShards := plan.NumShards()
	numRounds := plan.NumRounds()
	counts := make([]int, numRounds*numShards*numShards)
	for s := range plan.Shards {
		for r := range plan.Shards[s].SubBlocks {
			sb := &plan.Shards[s].SubBlocks[r]
			for i := range sb.Transactions {
				// One message per source transaction per distinct
				// (round, target) pair, matching the sender's dedup.
				sent := make(map[protocol.DependentEdge]bool)
				for _, edge := range sb.Transactions[i].CrossShardDeps.DependentEdges {
					key := protocol.DependentEdge{ShardID: edge.ShardID, Round: edge.Round}
					if sent[key] {
						continue
					}
					sent[key] = true
					counts[(edge.Round*numShards+s)*numShards+int(edge.ShardID)]++
				}
			}
		}
	}

	reg := &Registry{
		numShards: numShards,
		numRounds: numRounds,
		channels:  make([]chan CrossShardMsg, numRounds*numShards*numShards),
		done:      make(chan struct{}),
	}
	for i := range reg.channels {
		reg.channels[i] = make(chan CrossShardMsg, counts[i])
	}
	return reg
}

// NumShards returns the mesh's shard count.
func (r *Registry) NumShards() int { return r.numShards }

// NumRounds returns the mesh's round count.
func (r *Registry) NumRounds() int { return r.numRounds }

func (r *Registry) index(round int, source, target protocol.ShardID) (int, error) {
	if round < 0 || round >= r.numRounds {
		return 0, fmt.Errorf("round %d outside mesh (%d rounds)", round, r.numRounds)
	}
	if source < 0 || int(source) >= r.numShards || target < 0 || int(target) >= r.numShards {
		return 0, fmt.Errorf("shard pair (%d,%d) outside mesh (%d shards)", source, target, r.numShards)
	}
	return (round*r.numShards+int(source))*r.numShards + int(target), nil
}

// Send pushes msg onto the (round, source, target) channel. It returns
// ErrChannelClosed if the mesh was torn down.
func (r *Registry) Send(round int, source, target protocol.ShardID, msg CrossShardMsg) error {
	i, err := r.index(round, source, target)
	if err != nil {
		return err
	}
	select {
	case r.channels[i] <- msg:
		return nil
	case <-r.done:
		return fmt.Errorf("send on mesh channel (%d,%d,%d): %w", round, source, target, protocol.ErrChannelClosed)
	}
}

// Recv blocks until a message arrives on the (round, source, target) channel.
// It returns ErrChannelClosed if the mesh was torn down while waiting.
func (r *Registry) Recv(round int, source, target protocol.ShardID) (CrossShardMsg, error) {
	i, err := r.index(round, source, target)
	if err != nil {
		return CrossShardMsg{}, err
	}
	select {
	case msg := <-r.channels[i]:
		return msg, nil
	case <-r.done:
		return CrossShardMsg{}, fmt.Errorf("recv on mesh channel (%d,%d,%d): %w", round, source, target, protocol.ErrChannelClosed)
	}
}

// Close tears the mesh down, releasing every blocked sender and receiver.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}
