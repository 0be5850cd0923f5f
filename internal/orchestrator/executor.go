// Package orchestrator wires the sharded execution engine together: it owns
// the channel mesh and the per-shard workers for the lifetime of one block,
// dispatches execute commands, collects results, and tears everything down.
package orchestrator

import (
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/sharding-experiment/shardexec/internal/mesh"
	"github.com/sharding-experiment/shardexec/internal/partition"
	"github.com/sharding-experiment/shardexec/internal/protocol"
	"github.com/sharding-experiment/shardexec/internal/shard"
	"github.com/sharding-experiment/shardexec/internal/vm"
)

// ShardedBlockExecutor executes partitioned blocks. It is safe to reuse
// across blocks; the channel topology and workers are created fresh for every
// call, since no cross-block reuse of worker state is assumed safe.
type ShardedBlockExecutor struct {
	executor  vm.TransactionExecutor
	maxRounds int
}

// NewShardedBlockExecutor creates an executor that runs transactions through
// txnExecutor and rejects plans wider than maxRounds rounds.
func NewShardedBlockExecutor(txnExecutor vm.TransactionExecutor, maxRounds int) *ShardedBlockExecutor {
	return &ShardedBlockExecutor{executor: txnExecutor, maxRounds: maxRounds}
}

// ExecuteBlock validates the plan, annotates its dependent edges, then runs
// one worker per shard against the shared read-only view. The returned outer
// slice is indexed by round; each inner slice concatenates that round's
// outputs across shards in shard order. Execution is all-or-nothing: any
// invariant violation, channel failure or fatal transaction error fails the
// whole block and the caller is expected to fall back to serial execution.
func (e *ShardedBlockExecutor) ExecuteBlock(plan *protocol.PartitionPlan, view vm.StateReader) ([][]protocol.TransactionOutput, error) {
	if err := plan.Validate(e.maxRounds); err != nil {
		return nil, fmt.Errorf("partition plan rejected: %w", err)
	}
	if err := partition.AnnotateDependentEdges(plan); err != nil {
		return nil, fmt.Errorf("dependent edge annotation failed: %w", err)
	}

	numShards := plan.NumShards()
	registry := mesh.NewRegistryForPlan(plan)
	defer registry.Close()

	// The full mesh and every client must exist before any worker starts: a
	// worker may push into a channel whose receiver has not been spawned yet.
	clients := make([]*shard.LocalClient, numShards)
	var workers sync.WaitGroup
	for s := 0; s < numShards; s++ {
		clients[s] = shard.NewLocalClient()
		service := shard.NewShardedExecutorService(protocol.ShardID(s), e.executor, registry, clients[s])
		workers.Add(1)
		go func() {
			defer workers.Done()
			service.Start()
		}()
	}
	defer func() {
		for s := 0; s < numShards; s++ {
			if err := clients[s].SendCommand(shard.ExecutorShardCommand{Kind: shard.CmdStop}); err != nil {
				log.Printf("Orchestrator: stop command to shard %d failed: %v", s, err)
			}
			clients[s].Close()
		}
		// Results are already collected by the time teardown runs, so a
		// worker that fails to wind down is logged, not re-raised.
		workers.Wait()
		log.Printf("Orchestrator: all %d shard workers joined", numShards)
	}()

	log.Printf("Orchestrator: dispatching block (%d shards, %d rounds, %d txns)",
		numShards, plan.NumRounds(), plan.NumTxns())
	for s := 0; s < numShards; s++ {
		cmd := shard.ExecutorShardCommand{
			Kind:      shard.CmdExecute,
			SubBlocks: &plan.Shards[s],
			View:      view,
		}
		if err := clients[s].SendCommand(cmd); err != nil {
			return nil, fmt.Errorf("dispatch to shard %d: %w", s, err)
		}
	}

	results, err := e.collectResults(clients, registry)
	if err != nil {
		return nil, err
	}
	return assembleRounds(plan.NumRounds(), results), nil
}

// collectResults gathers one ExecutionResult per shard, order-independent. On
// the first shard failure the mesh is closed so shards blocked on values from
// the failed shard unwind with a channel error instead of hanging.
func (e *ShardedBlockExecutor) collectResults(clients []*shard.LocalClient, registry *mesh.Registry) ([]shard.ExecutionResult, error) {
	numShards := len(clients)
	resultCh := make(chan shard.ExecutionResult, numShards)
	for s := 0; s < numShards; s++ {
		client := clients[s]
		shardID := protocol.ShardID(s)
		go func() {
			result, err := client.ReceiveResult()
			if err != nil {
				result = shard.ExecutionResult{ShardID: shardID, Err: err}
			}
			resultCh <- result
		}()
	}

	results := make([]shard.ExecutionResult, numShards)
	var firstErr error
	for i := 0; i < numShards; i++ {
		result := <-resultCh
		if result.Err != nil {
			log.Printf("Orchestrator: shard %d failed: %v", result.ShardID, result.Err)
			if firstErr == nil {
				firstErr = result.Err
				registry.Close()
			}
			continue
		}
		results[result.ShardID] = result
	}
	if firstErr != nil {
		return nil, fmt.Errorf("sharded block execution failed: %w", firstErr)
	}
	return results, nil
}

// assembleRounds concatenates per-shard outputs round by round, shards in
// shard order within each round.
func assembleRounds(numRounds int, results []shard.ExecutionResult) [][]protocol.TransactionOutput {
	rounds := make([][]protocol.TransactionOutput, numRounds)
	for r := 0; r < numRounds; r++ {
		for s := range results {
			if r < len(results[s].Rounds) {
				rounds[r] = append(rounds[r], results[s].Rounds[r]...)
			}
		}
	}
	return rounds
}

// ReassembleBlockOrder flattens per-round outputs into the block's original
// global order using each output's transaction index.
func ReassembleBlockOrder(rounds [][]protocol.TransactionOutput) []protocol.TransactionOutput {
	var flat []protocol.TransactionOutput
	for _, outputs := range rounds {
		flat = append(flat, outputs...)
	}
	sort.Slice(flat, func(i, j int) bool { return flat[i].TxnIndex < flat[j].TxnIndex })
	return flat
}
