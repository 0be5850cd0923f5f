package protocol

import "fmt"

// plannedTxn is one builder entry: the transaction plus the state keys it
// reads and writes.
type plannedTxn struct {
	txn  Transaction
	keys []StateKey
}

// lastWrite remembers the most recent writer of a state key while the
// builder walks rounds in order.
type lastWrite struct {
	shard ShardID
	idx   TxnIndex
	round int
}

// PlanBuilder assembles a PartitionPlan from per-shard, per-round transaction
// batches. Which transaction lands on which shard and round is the caller's
// (the partitioner heuristic's) decision; the builder only assigns the global
// index ranges and derives each transaction's forward cross-shard
// dependencies from the state keys declared for it. Every key is treated as
// both read and written by its transaction.
type PlanBuilder struct {
	numShards int
	rounds    [][][]plannedTxn // round -> shard -> transactions
}

// NewPlanBuilder creates a builder for numShards shards.
func NewPlanBuilder(numShards int) *PlanBuilder {
	return &PlanBuilder{numShards: numShards}
}

// Add appends a transaction to the given shard's batch for the given round.
// keys are the state keys the transaction touches.
func (b *PlanBuilder) Add(shard ShardID, round int, txn Transaction, keys ...StateKey) {
	for round >= len(b.rounds) {
		shards := make([][]plannedTxn, b.numShards)
		b.rounds = append(b.rounds, shards)
	}
	b.rounds[round][shard] = append(b.rounds[round][shard], plannedTxn{txn: txn, keys: keys})
}

// Build assigns global indices (contiguous, ordered by round then shard),
// derives the forward cross-shard dependencies, and returns the plan. A key
// touched by two shards within one round cannot be ordered by any dependency
// edge and fails the build.
func (b *PlanBuilder) Build() (*PartitionPlan, error) {
	if len(b.rounds) > MaxPartitioningRounds {
		return nil, fmt.Errorf("%w: %d rounds, limit %d", ErrTooManyRounds, len(b.rounds), MaxPartitioningRounds)
	}

	plan := &PartitionPlan{Shards: make([]SubBlocksForShard, b.numShards)}
	for s := 0; s < b.numShards; s++ {
		plan.Shards[s].ShardID = ShardID(s)
	}

	writers := make(map[StateKey]lastWrite)
	next := TxnIndex(0)
	for round := range b.rounds {
		// Dependencies for this round are resolved against earlier rounds
		// only, so this round's writers are staged and merged afterwards.
		roundWriters := make(map[StateKey]lastWrite)
		for s := 0; s < b.numShards; s++ {
			sb := SubBlock{StartIndex: next}
			for _, planned := range b.rounds[round][s] {
				idx := next
				next++

				var deps CrossShardDependencies
				seen := make(map[CrossShardDependency]bool)
				for _, key := range planned.keys {
					if w, ok := roundWriters[key]; ok {
						if w.shard != ShardID(s) {
							return nil, fmt.Errorf("%w: key %s in round %d (shards %d and %d)",
								ErrSameRoundConflict, key.Address.Hex(), round, w.shard, s)
						}
						// Written by this shard earlier in the round; the
						// local execution order supplies the value.
					} else if w, ok := writers[key]; ok && w.shard != ShardID(s) {
						dep := CrossShardDependency{TxnIndex: w.idx, ShardID: w.shard}
						if !seen[dep] {
							seen[dep] = true
							deps.RequiredEdges = append(deps.RequiredEdges, dep)
						}
					}
					roundWriters[key] = lastWrite{shard: ShardID(s), idx: idx, round: round}
				}
				sb.Transactions = append(sb.Transactions, TransactionWithDependencies{
					Txn:            planned.txn,
					CrossShardDeps: deps,
				})
			}
			plan.Shards[s].SubBlocks = append(plan.Shards[s].SubBlocks, sb)
		}
		for key, w := range roundWriters {
			writers[key] = w
		}
	}
	return plan, nil
}
