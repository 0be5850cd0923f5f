package shard

import (
	"fmt"
	"log"

	"github.com/sharding-experiment/shardexec/internal/mesh"
	"github.com/sharding-experiment/shardexec/internal/protocol"
	"github.com/sharding-experiment/shardexec/internal/vm"
)

// meshAddress identifies one round-scoped channel a message was already
// pushed into, for per-transaction send dedup.
type meshAddress struct {
	round int
	shard protocol.ShardID
}

// ShardedExecutorService is one shard's worker. It waits on its command
// channel, executes the sub-blocks it is handed round by round, exchanges
// cross-shard values over the message mesh, and reports one ExecutionResult
// per execute command. A service lives for exactly one execute/stop cycle;
// workers are not reused across blocks.
type ShardedExecutorService struct {
	shardID  protocol.ShardID
	executor vm.TransactionExecutor
	mesh     *mesh.Registry
	client   CoordinatorClient
}

// NewShardedExecutorService creates a worker for one shard.
func NewShardedExecutorService(shardID protocol.ShardID, executor vm.TransactionExecutor, registry *mesh.Registry, client CoordinatorClient) *ShardedExecutorService {
	return &ShardedExecutorService{
		shardID:  shardID,
		executor: executor,
		mesh:     registry,
		client:   client,
	}
}

// Start runs the worker loop until a stop command arrives or the client is
// torn down. It is meant to run on its own goroutine.
func (s *ShardedExecutorService) Start() {
	for {
		cmd, err := s.client.ReceiveCommand()
		if err != nil {
			log.Printf("Shard %d: command channel closed, worker exiting", s.shardID)
			return
		}
		switch cmd.Kind {
		case CmdStop:
			log.Printf("Shard %d: stop command received, worker exiting", s.shardID)
			return
		case CmdExecute:
			result := s.executeSubBlocks(cmd)
			if err := s.client.SendResult(result); err != nil {
				log.Printf("Shard %d: failed to report result: %v", s.shardID, err)
				return
			}
		default:
			log.Printf("Shard %d: ignoring unknown command kind %d", s.shardID, cmd.Kind)
		}
	}
}

// executeSubBlocks processes the shard's rounds strictly in order. Within a
// round, transactions run in their declared sequence: each blocks on its
// declared cross-shard reads, executes against the layered view, applies its
// writes to the shard overlay, and pushes its output to every shard that
// holds a dependent edge on it. The push is what unblocks those shards; no
// polling or pulling is involved.
func (s *ShardedExecutorService) executeSubBlocks(cmd ExecutorShardCommand) ExecutionResult {
	overlay := vm.NewOverlay(cmd.View)
	received := make(map[protocol.CrossShardDependency][]protocol.StateWrite)
	rounds := make([][]protocol.TransactionOutput, 0, cmd.SubBlocks.NumRounds())

	for round := range cmd.SubBlocks.SubBlocks {
		sb := &cmd.SubBlocks.SubBlocks[round]
		outputs := make([]protocol.TransactionOutput, 0, sb.Len())
		for i := range sb.Transactions {
			txn := &sb.Transactions[i]
			idx := sb.StartIndex + protocol.TxnIndex(i)

			view := vm.StateReader(overlay)
			if required := txn.CrossShardDeps.RequiredEdges; len(required) > 0 {
				resolved := vm.NewOverlay(overlay)
				for _, req := range required {
					writes, err := s.waitForRemote(received, round, req)
					if err != nil {
						return ExecutionResult{ShardID: s.shardID, Err: err}
					}
					resolved.Apply(writes, req.TxnIndex)
				}
				view = resolved
			}

			out, err := s.executor.Execute(txn.Txn, view)
			if err != nil {
				return ExecutionResult{
					ShardID: s.shardID,
					Err:     fmt.Errorf("shard %d round %d txn %d: %w", s.shardID, round, idx, err),
				}
			}
			out.TxnIndex = idx
			out.ShardID = s.shardID
			out.Round = round

			overlay.Apply(out.Writes, idx)
			if err := s.pushToDependents(idx, txn.CrossShardDeps.DependentEdges, out.Writes); err != nil {
				return ExecutionResult{ShardID: s.shardID, Err: err}
			}
			outputs = append(outputs, out)
		}
		rounds = append(rounds, outputs)
	}
	return ExecutionResult{ShardID: s.shardID, Rounds: rounds}
}

// waitForRemote blocks until the output of the required transaction has
// arrived on this round's inbound channel from the owning shard. Messages for
// other pending dependencies may arrive first; they are cached for the
// transactions that will need them.
func (s *ShardedExecutorService) waitForRemote(received map[protocol.CrossShardDependency][]protocol.StateWrite, round int, req protocol.CrossShardDependency) ([]protocol.StateWrite, error) {
	for {
		if writes, ok := received[req]; ok {
			return writes, nil
		}
		msg, err := s.mesh.Recv(round, req.ShardID, s.shardID)
		if err != nil {
			return nil, fmt.Errorf("shard %d waiting on txn %d of shard %d: %w", s.shardID, req.TxnIndex, req.ShardID, err)
		}
		received[protocol.CrossShardDependency{TxnIndex: msg.SourceTxn, ShardID: msg.SourceShard}] = msg.Writes
	}
}

// pushToDependents sends the source transaction's writes to every shard that
// registered a dependent edge on it, once per round-scoped channel.
func (s *ShardedExecutorService) pushToDependents(source protocol.TxnIndex, edges []protocol.DependentEdge, writes []protocol.StateWrite) error {
	if len(edges) == 0 {
		return nil
	}
	msg := mesh.CrossShardMsg{SourceShard: s.shardID, SourceTxn: source, Writes: writes}
	sent := make(map[meshAddress]bool, len(edges))
	for _, edge := range edges {
		addr := meshAddress{round: edge.Round, shard: edge.ShardID}
		if sent[addr] {
			continue
		}
		sent[addr] = true
		if err := s.mesh.Send(edge.Round, s.shardID, edge.ShardID, msg); err != nil {
			return fmt.Errorf("shard %d pushing txn %d output: %w", s.shardID, source, err)
		}
	}
	return nil
}
