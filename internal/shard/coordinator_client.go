package shard

import (
	"fmt"
	"sync"

	"github.com/sharding-experiment/shardexec/internal/protocol"
)

// CoordinatorClient is the shard worker's view of the coordinator: receive
// commands, report results. It is an interface so a remote (out-of-process)
// shard can satisfy the same contract as a co-located goroutine.
type CoordinatorClient interface {
	ReceiveCommand() (ExecutorShardCommand, error)
	SendResult(result ExecutionResult) error
}

// ExecutorClient is the coordinator's handle to one shard worker: dispatch a
// command, collect its result.
type ExecutorClient interface {
	SendCommand(cmd ExecutorShardCommand) error
	ReceiveResult() (ExecutionResult, error)
}

// LocalClient connects a co-located worker to the coordinator over a pair of
// bounded channels. It implements both halves of the protocol; the
// coordinator keeps the ExecutorClient side and hands the CoordinatorClient
// side to the worker.
type LocalClient struct {
	commands  chan ExecutorShardCommand
	results   chan ExecutionResult
	done      chan struct{}
	closeOnce sync.Once
}

// NewLocalClient creates a connected client pair. Capacity 1 on both channels
// is enough: a worker holds at most one in-flight command and one unread
// result at a time.
func NewLocalClient() *LocalClient {
	return &LocalClient{
		commands: make(chan ExecutorShardCommand, 1),
		results:  make(chan ExecutionResult, 1),
		done:     make(chan struct{}),
	}
}

// SendCommand implements ExecutorClient.
func (c *LocalClient) SendCommand(cmd ExecutorShardCommand) error {
	select {
	case c.commands <- cmd:
		return nil
	case <-c.done:
		return fmt.Errorf("send command: %w", protocol.ErrChannelClosed)
	}
}

// ReceiveCommand implements CoordinatorClient.
func (c *LocalClient) ReceiveCommand() (ExecutorShardCommand, error) {
	select {
	case cmd := <-c.commands:
		return cmd, nil
	case <-c.done:
		return ExecutorShardCommand{}, fmt.Errorf("receive command: %w", protocol.ErrChannelClosed)
	}
}

// SendResult implements CoordinatorClient.
func (c *LocalClient) SendResult(result ExecutionResult) error {
	select {
	case c.results <- result:
		return nil
	case <-c.done:
		return fmt.Errorf("send result: %w", protocol.ErrChannelClosed)
	}
}

// ReceiveResult implements ExecutorClient.
func (c *LocalClient) ReceiveResult() (ExecutionResult, error) {
	select {
	case result := <-c.results:
		return result, nil
	case <-c.done:
		return ExecutionResult{}, fmt.Errorf("receive result: %w", protocol.ErrChannelClosed)
	}
}

// Close tears the client down, releasing both sides.
func (c *LocalClient) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
