package protocol

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// ShardID identifies one parallel execution shard.
type ShardID int

// TxnIndex is the global position of a transaction within the block, assigned
// by the partitioner. Sub-blocks own disjoint [start, end) index ranges, so a
// TxnIndex names exactly one transaction in exactly one shard.
type TxnIndex int

// MaxPartitioningRounds bounds how many partitioning rounds a plan may use.
// The channel mesh is allocated per round, so an unbounded round count would
// translate directly into unbounded channel allocation.
const MaxPartitioningRounds = 8

// TxnKind distinguishes ordinary user transactions from required system
// transactions whose failure is fatal to the whole block.
type TxnKind string

const (
	TxnUser          TxnKind = "user"
	TxnBlockMetadata TxnKind = "block_metadata"
)

// Transaction is a single value transfer to be executed against the shared
// state snapshot.
type Transaction struct {
	Kind  TxnKind        `json:"kind,omitempty"`
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
}

// StateKey addresses one account-state slot in the shared snapshot. A zero
// Slot addresses the account balance.
type StateKey struct {
	Address common.Address `json:"address"`
	Slot    common.Hash    `json:"slot,omitempty"`
}

// BalanceKey returns the key under which an account's balance is read,
// written, and exchanged between shards.
func BalanceKey(addr common.Address) StateKey {
	return StateKey{Address: addr}
}

// StateWrite is one key/value pair produced by a transaction.
type StateWrite struct {
	Key   StateKey     `json:"key"`
	Value *uint256.Int `json:"value"`
}

// TxnStatus is the per-transaction outcome. A failed status is an ordinary,
// recoverable outcome for user transactions; system transactions never carry
// it because their failure aborts the block instead.
type TxnStatus string

const (
	TxnSuccess TxnStatus = "success"
	TxnFailed  TxnStatus = "failed"
)

// TransactionOutput is the result of executing one transaction. TxnIndex,
// ShardID and Round let the caller reassemble global block order from the
// per-shard, per-round result sequences.
type TransactionOutput struct {
	TxnIndex      TxnIndex     `json:"txn_index"`
	ShardID       ShardID      `json:"shard_id"`
	Round         int          `json:"round"`
	Status        TxnStatus    `json:"status"`
	FailureReason string       `json:"failure_reason,omitempty"`
	Writes        []StateWrite `json:"writes,omitempty"`
}

// OutputsDigest hashes a sequence of outputs into a single commitment. Two
// executions of the same block agree exactly when their digests agree.
func OutputsDigest(outputs []TransactionOutput) common.Hash {
	var buf []byte
	for _, out := range outputs {
		buf = append(buf, string(out.Status)...)
		for _, w := range out.Writes {
			buf = append(buf, w.Key.Address.Bytes()...)
			buf = append(buf, w.Key.Slot.Bytes()...)
			val := w.Value.Bytes32()
			buf = append(buf, val[:]...)
		}
	}
	return crypto.Keccak256Hash(buf)
}

// CrossShardDependency names a transaction in another shard that a local
// transaction must wait on: the forward direction of the dependency graph,
// declared by the partitioner.
type CrossShardDependency struct {
	TxnIndex TxnIndex `json:"txn_index"`
	ShardID  ShardID  `json:"shard_id"`
}

// DependentEdge is the inverse annotation attached to a source transaction:
// the transaction at TxnIndex in ShardID, scheduled in Round, consumes the
// source's output. Round is recorded at edge-creation time so the executing
// shard can address the round-scoped value channel for the dependent without
// knowing the peer shard's sub-block layout.
type DependentEdge struct {
	TxnIndex TxnIndex `json:"txn_index"`
	ShardID  ShardID  `json:"shard_id"`
	Round    int      `json:"round"`
}

// CrossShardDependencies is owned by a single transaction: the set of
// transactions it must wait on (declared by the partitioner) and the set of
// transactions waiting on it (computed during dependent-edge annotation).
type CrossShardDependencies struct {
	RequiredEdges  []CrossShardDependency `json:"required_edges,omitempty"`
	DependentEdges []DependentEdge        `json:"dependent_edges,omitempty"`
}

// TransactionWithDependencies pairs a transaction with its cross-shard
// dependency metadata.
type TransactionWithDependencies struct {
	Txn            Transaction            `json:"txn"`
	CrossShardDeps CrossShardDependencies `json:"cross_shard_deps"`
}
