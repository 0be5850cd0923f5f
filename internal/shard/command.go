// Package shard implements the per-shard execution worker and the
// command/result protocol between it and the coordinator.
package shard

import (
	"github.com/sharding-experiment/shardexec/internal/protocol"
	"github.com/sharding-experiment/shardexec/internal/vm"
)

// CommandKind discriminates coordinator commands.
type CommandKind int

const (
	// CmdExecute instructs the worker to execute its frozen sub-blocks
	// against the attached state view.
	CmdExecute CommandKind = iota

	// CmdStop instructs the worker to exit after finishing any in-flight
	// command.
	CmdStop
)

// ExecutorShardCommand is a value sent from the coordinator to one shard
// worker.
type ExecutorShardCommand struct {
	Kind      CommandKind
	SubBlocks *protocol.SubBlocksForShard
	View      vm.StateReader
}

// ExecutionResult is one shard's outcome for one execute command: the
// per-round output sequences, or the failure that aborted the shard. A failed
// user transaction is an output, not an Err; Err is reserved for failures
// that invalidate the whole block.
type ExecutionResult struct {
	ShardID protocol.ShardID
	Rounds  [][]protocol.TransactionOutput
	Err     error
}
