package shard

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/sharding-experiment/shardexec/internal/mesh"
	"github.com/sharding-experiment/shardexec/internal/partition"
	"github.com/sharding-experiment/shardexec/internal/protocol"
	"github.com/sharding-experiment/shardexec/internal/vm"
)

func testAddr(i byte) common.Address {
	var a common.Address
	a[19] = i
	return a
}

func transferTxn(from, to byte, amount int64) protocol.Transaction {
	return protocol.Transaction{
		Kind:  protocol.TxnUser,
		From:  testAddr(from),
		To:    testAddr(to),
		Value: big.NewInt(amount),
	}
}

func addTxn(b *protocol.PlanBuilder, shard protocol.ShardID, round int, txn protocol.Transaction) {
	b.Add(shard, round, txn, protocol.BalanceKey(txn.From), protocol.BalanceKey(txn.To))
}

func sealedSnapshot(t *testing.T, balances map[common.Address]uint64) *vm.Snapshot {
	t.Helper()
	snap, err := vm.NewMemorySnapshot()
	if err != nil {
		t.Fatalf("NewMemorySnapshot failed: %v", err)
	}
	for addr, bal := range balances {
		if err := snap.SetBalance(addr, uint256.NewInt(bal)); err != nil {
			t.Fatalf("SetBalance failed: %v", err)
		}
	}
	if err := snap.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	return snap
}

// runPlan spins up one worker per shard, dispatches the plan, and collects
// every shard's result.
func runPlan(t *testing.T, plan *protocol.PartitionPlan, view vm.StateReader) map[protocol.ShardID]ExecutionResult {
	t.Helper()
	if err := partition.AnnotateDependentEdges(plan); err != nil {
		t.Fatalf("AnnotateDependentEdges failed: %v", err)
	}
	registry := mesh.NewRegistryForPlan(plan)
	defer registry.Close()

	numShards := plan.NumShards()
	clients := make([]*LocalClient, numShards)
	var workers sync.WaitGroup
	for s := 0; s < numShards; s++ {
		clients[s] = NewLocalClient()
		svc := NewShardedExecutorService(protocol.ShardID(s), vm.NewTransferVM(), registry, clients[s])
		workers.Add(1)
		go func() {
			defer workers.Done()
			svc.Start()
		}()
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
		workers.Wait()
	}()

	for s := 0; s < numShards; s++ {
		cmd := ExecutorShardCommand{Kind: CmdExecute, SubBlocks: &plan.Shards[s], View: view}
		if err := clients[s].SendCommand(cmd); err != nil {
			t.Fatalf("SendCommand to shard %d failed: %v", s, err)
		}
	}

	results := make(map[protocol.ShardID]ExecutionResult, numShards)
	for s := 0; s < numShards; s++ {
		result, err := clients[s].ReceiveResult()
		if err != nil {
			t.Fatalf("ReceiveResult from shard %d failed: %v", s, err)
		}
		results[protocol.ShardID(s)] = result
	}
	return results
}

func TestExecutorService_IndependentShardsNeverBlock(t *testing.T) {
	snap := sealedSnapshot(t, map[common.Address]uint64{
		testAddr(1): 100,
		testAddr(3): 100,
	})
	defer snap.Close()

	b := protocol.NewPlanBuilder(2)
	addTxn(b, 0, 0, transferTxn(1, 2, 10))
	addTxn(b, 1, 0, transferTxn(3, 4, 20))
	plan, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	results := runPlan(t, plan, snap)
	for shardID, result := range results {
		if result.Err != nil {
			t.Fatalf("Shard %d failed: %v", shardID, result.Err)
		}
		if len(result.Rounds) != 1 || len(result.Rounds[0]) != 1 {
			t.Fatalf("Shard %d: expected 1 output in 1 round, got %v", shardID, result.Rounds)
		}
		out := result.Rounds[0][0]
		if out.Status != protocol.TxnSuccess {
			t.Errorf("Shard %d txn failed: %s", shardID, out.FailureReason)
		}
		if out.ShardID != shardID || out.Round != 0 {
			t.Errorf("Shard %d output mis-stamped: shard %d round %d", shardID, out.ShardID, out.Round)
		}
	}
}

func TestExecutorService_CrossShardValueDelivery(t *testing.T) {
	snap := sealedSnapshot(t, map[common.Address]uint64{testAddr(1): 100})
	defer snap.Close()

	// Shard 0 funds account 2 in round 0; shard 1 spends from account 2 in
	// round 1 and can only succeed with the delivered value.
	b := protocol.NewPlanBuilder(2)
	addTxn(b, 0, 0, transferTxn(1, 2, 60))
	addTxn(b, 1, 1, transferTxn(2, 3, 50))
	plan, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	results := runPlan(t, plan, snap)
	if results[0].Err != nil || results[1].Err != nil {
		t.Fatalf("Shard errors: %v / %v", results[0].Err, results[1].Err)
	}

	spend := results[1].Rounds[1][0]
	if spend.Status != protocol.TxnSuccess {
		t.Fatalf("Dependent txn failed: %s", spend.FailureReason)
	}
	// Account 2 ends at 60-50=10, account 3 at 50.
	if !spend.Writes[0].Value.Eq(uint256.NewInt(10)) {
		t.Errorf("Account 2: expected 10, got %s", spend.Writes[0].Value)
	}
	if !spend.Writes[1].Value.Eq(uint256.NewInt(50)) {
		t.Errorf("Account 3: expected 50, got %s", spend.Writes[1].Value)
	}
	if spend.TxnIndex != 1 {
		t.Errorf("Dependent txn index: expected 1, got %d", spend.TxnIndex)
	}
}

func TestExecutorService_OutOfOrderDeliveryIsCached(t *testing.T) {
	snap := sealedSnapshot(t, map[common.Address]uint64{
		testAddr(1): 100,
		testAddr(3): 100,
	})
	defer snap.Close()

	// Shard 1's round-1 txns wait on two shard-0 sources. The mesh carries
	// both messages on the same channel in production order; the first
	// dependent needs the second message, so the cache must hold the first.
	b := protocol.NewPlanBuilder(2)
	addTxn(b, 0, 0, transferTxn(1, 2, 10)) // txn 0, writes accounts 1,2
	addTxn(b, 0, 0, transferTxn(3, 4, 10)) // txn 1, writes accounts 3,4
	addTxn(b, 1, 1, transferTxn(4, 5, 5))  // txn 2, needs txn 1
	addTxn(b, 1, 1, transferTxn(2, 6, 5))  // txn 3, needs txn 0
	plan, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	results := runPlan(t, plan, snap)
	if results[1].Err != nil {
		t.Fatalf("Shard 1 failed: %v", results[1].Err)
	}
	for _, out := range results[1].Rounds[1] {
		if out.Status != protocol.TxnSuccess {
			t.Errorf("Txn %d failed: %s", out.TxnIndex, out.FailureReason)
		}
	}
}

func TestExecutorService_FatalTransactionAbortsShard(t *testing.T) {
	snap := sealedSnapshot(t, nil)
	defer snap.Close()

	// A block metadata transaction with no funds fails, which is fatal.
	metadata := transferTxn(1, 2, 100)
	metadata.Kind = protocol.TxnBlockMetadata
	b := protocol.NewPlanBuilder(1)
	addTxn(b, 0, 0, metadata)
	plan, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	results := runPlan(t, plan, snap)
	if results[0].Err == nil {
		t.Fatal("Expected shard failure for fatal transaction")
	}
	if len(results[0].Rounds) != 0 {
		t.Errorf("Failed shard should carry no outputs, got %v", results[0].Rounds)
	}
}

func TestExecutorService_ClosedMeshUnblocksWaiter(t *testing.T) {
	snap := sealedSnapshot(t, map[common.Address]uint64{testAddr(1): 100})
	defer snap.Close()

	// Shard 1 waits on a value that will never arrive because only shard 1's
	// worker runs. Closing the mesh must turn the wait into a failure.
	b := protocol.NewPlanBuilder(2)
	addTxn(b, 0, 0, transferTxn(1, 2, 60))
	addTxn(b, 1, 1, transferTxn(2, 3, 50))
	plan, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := partition.AnnotateDependentEdges(plan); err != nil {
		t.Fatalf("AnnotateDependentEdges failed: %v", err)
	}

	registry := mesh.NewRegistryForPlan(plan)
	client := NewLocalClient()
	defer client.Close()

	svc := NewShardedExecutorService(1, vm.NewTransferVM(), registry, client)
	var worker sync.WaitGroup
	worker.Add(1)
	go func() {
		defer worker.Done()
		svc.Start()
	}()

	cmd := ExecutorShardCommand{Kind: CmdExecute, SubBlocks: &plan.Shards[1], View: snap}
	if err := client.SendCommand(cmd); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}

	registry.Close()
	result, err := client.ReceiveResult()
	if err != nil {
		t.Fatalf("ReceiveResult failed: %v", err)
	}
	if !errors.Is(result.Err, protocol.ErrChannelClosed) {
		t.Errorf("Expected ErrChannelClosed, got %v", result.Err)
	}

	client.Close()
	worker.Wait()
}

func TestExecutorService_StopCommandExitsWorker(t *testing.T) {
	registry := mesh.NewRegistry(1, 1, 1)
	defer registry.Close()

	client := NewLocalClient()
	svc := NewShardedExecutorService(0, vm.NewTransferVM(), registry, client)

	done := make(chan struct{})
	go func() {
		svc.Start()
		close(done)
	}()

	if err := client.SendCommand(ExecutorShardCommand{Kind: CmdStop}); err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	<-done
}

func TestLocalClient_CloseUnblocksBothSides(t *testing.T) {
	client := NewLocalClient()

	errCh := make(chan error, 2)
	go func() {
		_, err := client.ReceiveCommand()
		errCh <- err
	}()
	go func() {
		_, err := client.ReceiveResult()
		errCh <- err
	}()

	client.Close()
	for i := 0; i < 2; i++ {
		if err := <-errCh; !errors.Is(err, protocol.ErrChannelClosed) {
			t.Errorf("Expected ErrChannelClosed, got %v", err)
		}
	}
}
