package protocol

import "errors"

// Partitioner invariant violations abort the block before any execution
// starts; channel errors abort it during execution. None of them are ever
// silently dropped.
var (
	// ErrTooManyRounds reports a plan that exceeds MaxPartitioningRounds.
	ErrTooManyRounds = errors.New("partition plan exceeds maximum partitioning rounds")

	// ErrSameRoundDependency reports a cross-shard dependency that does not
	// target a strictly earlier round. Rounds express a DAG across rounds, so
	// any same-round or future-round dependency (including an in-round cycle)
	// is invalid.
	ErrSameRoundDependency = errors.New("cross-shard dependency does not target an earlier round")

	// ErrSameRoundConflict reports a state key touched by two shards within
	// the same round, which no dependency edge could order.
	ErrSameRoundConflict = errors.New("state key touched by multiple shards in the same round")

	// ErrUnknownSource reports a dependency on a transaction that no frozen
	// sub-block owns.
	ErrUnknownSource = errors.New("cross-shard dependency targets an unpartitioned transaction")

	// ErrChannelClosed reports a cross-shard or coordinator channel that was
	// torn down while a participant was still using it.
	ErrChannelClosed = errors.New("cross-shard channel closed")
)
