package protocol

import "fmt"

// SubBlock is one shard's ordered transaction batch for one round. It owns
// the global index range [StartIndex, StartIndex+len(Transactions)).
type SubBlock struct {
	StartIndex   TxnIndex                      `json:"start_index"`
	Transactions []TransactionWithDependencies `json:"transactions"`
}

// Len returns the number of transactions in the sub-block.
func (sb *SubBlock) Len() int {
	return len(sb.Transactions)
}

// EndIndex returns the first global index after the sub-block's range.
func (sb *SubBlock) EndIndex() TxnIndex {
	return sb.StartIndex + TxnIndex(len(sb.Transactions))
}

// Contains reports whether idx falls inside the sub-block's index range.
func (sb *SubBlock) Contains(idx TxnIndex) bool {
	return idx >= sb.StartIndex && idx < sb.EndIndex()
}

// AddDependentEdge appends a dependent edge to the transaction at global
// index source. The caller must have checked Contains(source) first.
func (sb *SubBlock) AddDependentEdge(source TxnIndex, edge DependentEdge) {
	txn := &sb.Transactions[source-sb.StartIndex]
	txn.CrossShardDeps.DependentEdges = append(txn.CrossShardDeps.DependentEdges, edge)
}

// SubBlocksForShard is the ordered sequence of sub-blocks (one per round) for
// one shard. Every shard of a plan carries the same number of rounds; a shard
// with no work in a round carries an empty sub-block for it. Once all rounds
// have gone through edge annotation the sequence is frozen: dependent edges
// are only ever appended, never removed.
type SubBlocksForShard struct {
	ShardID   ShardID    `json:"shard_id"`
	SubBlocks []SubBlock `json:"sub_blocks"`
}

// NumRounds returns the number of rounds in the shard's assignment.
func (s *SubBlocksForShard) NumRounds() int {
	return len(s.SubBlocks)
}

// NumTxns returns the total number of transactions across all rounds.
func (s *SubBlocksForShard) NumTxns() int {
	n := 0
	for i := range s.SubBlocks {
		n += s.SubBlocks[i].Len()
	}
	return n
}

// PartitionPlan is the immutable per-shard, per-round transaction assignment
// produced by the external partitioner: pure data, no behavior beyond
// validation and index lookup.
type PartitionPlan struct {
	Shards []SubBlocksForShard `json:"shards"`
}

// NumShards returns the number of shards in the plan.
func (p *PartitionPlan) NumShards() int {
	return len(p.Shards)
}

// NumRounds returns the number of partitioning rounds. Validation guarantees
// all shards agree on it.
func (p *PartitionPlan) NumRounds() int {
	if len(p.Shards) == 0 {
		return 0
	}
	return p.Shards[0].NumRounds()
}

// NumTxns returns the total number of transactions in the plan.
func (p *PartitionPlan) NumTxns() int {
	n := 0
	for i := range p.Shards {
		n += p.Shards[i].NumTxns()
	}
	return n
}

// txnLocation records which shard and round own a global transaction index.
type txnLocation struct {
	shard ShardID
	round int
}

// locate builds the global index -> (shard, round) map used by validation.
func (p *PartitionPlan) locate() (map[TxnIndex]txnLocation, error) {
	locations := make(map[TxnIndex]txnLocation, p.NumTxns())
	for s := range p.Shards {
		for r := range p.Shards[s].SubBlocks {
			sb := &p.Shards[s].SubBlocks[r]
			for idx := sb.StartIndex; idx < sb.EndIndex(); idx++ {
				if prev, ok := locations[idx]; ok {
					return nil, fmt.Errorf("txn index %d assigned to both shard %d and shard %d", idx, prev.shard, s)
				}
				locations[idx] = txnLocation{shard: ShardID(s), round: r}
			}
		}
	}
	return locations, nil
}

// Validate checks the partitioner invariants the executor relies on. Any
// violation is fatal to the block and must be caught here, before the channel
// mesh is built or any worker starts.
func (p *PartitionPlan) Validate(maxRounds int) error {
	if p.NumRounds() > maxRounds {
		return fmt.Errorf("%w: %d rounds, limit %d", ErrTooManyRounds, p.NumRounds(), maxRounds)
	}
	for s := range p.Shards {
		if got := p.Shards[s].ShardID; got != ShardID(s) {
			return fmt.Errorf("shard at position %d carries shard id %d", s, got)
		}
		if got := p.Shards[s].NumRounds(); got != p.NumRounds() {
			return fmt.Errorf("shard %d has %d rounds, shard 0 has %d", s, got, p.NumRounds())
		}
		for r := 1; r < len(p.Shards[s].SubBlocks); r++ {
			prev, curr := &p.Shards[s].SubBlocks[r-1], &p.Shards[s].SubBlocks[r]
			if curr.StartIndex < prev.EndIndex() {
				return fmt.Errorf("shard %d round %d starts at %d, before round %d ends at %d",
					s, r, curr.StartIndex, r-1, prev.EndIndex())
			}
		}
	}

	locations, err := p.locate()
	if err != nil {
		return err
	}
	for s := range p.Shards {
		for r := range p.Shards[s].SubBlocks {
			sb := &p.Shards[s].SubBlocks[r]
			for i := range sb.Transactions {
				idx := sb.StartIndex + TxnIndex(i)
				for _, req := range sb.Transactions[i].CrossShardDeps.RequiredEdges {
					if req.ShardID < 0 || int(req.ShardID) >= p.NumShards() {
						return fmt.Errorf("txn %d depends on unknown shard %d", idx, req.ShardID)
					}
					loc, ok := locations[req.TxnIndex]
					if !ok {
						return fmt.Errorf("%w: txn %d depends on txn %d", ErrUnknownSource, idx, req.TxnIndex)
					}
					if loc.shard != req.ShardID {
						return fmt.Errorf("%w: txn %d names txn %d in shard %d, owned by shard %d",
							ErrUnknownSource, idx, req.TxnIndex, req.ShardID, loc.shard)
					}
					if loc.round >= r {
						return fmt.Errorf("%w: txn %d (round %d) depends on txn %d (round %d)",
							ErrSameRoundDependency, idx, r, req.TxnIndex, loc.round)
					}
				}
			}
		}
	}
	return nil
}
