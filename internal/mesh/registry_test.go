package mesh

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/sharding-experiment/shardexec/internal/partition"
	"github.com/sharding-experiment/shardexec/internal/protocol"
)

func testAddr(i byte) common.Address {
	var a common.Address
	a[19] = i
	return a
}

func testMsg(source protocol.ShardID, txn protocol.TxnIndex, val uint64) CrossShardMsg {
	return CrossShardMsg{
		SourceShard: source,
		SourceTxn:   txn,
		Writes: []protocol.StateWrite{
			{Key: protocol.BalanceKey(testAddr(byte(txn))), Value: uint256.NewInt(val)},
		},
	}
}

func TestRegistry_SendRecvRoundtrip(t *testing.T) {
	reg := NewRegistry(2, 2, 4)
	defer reg.Close()

	sent := testMsg(0, 3, 100)
	if err := reg.Send(1, 0, 1, sent); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	got, err := reg.Recv(1, 0, 1)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if got.SourceShard != 0 || got.SourceTxn != 3 {
		t.Errorf("Expected msg from shard 0 txn 3, got shard %d txn %d", got.SourceShard, got.SourceTxn)
	}
	if len(got.Writes) != 1 || !got.Writes[0].Value.Eq(uint256.NewInt(100)) {
		t.Errorf("Write set did not survive the roundtrip: %v", got.Writes)
	}
}

func TestRegistry_ChannelsAreIndependent(t *testing.T) {
	reg := NewRegistry(2, 2, 4)
	defer reg.Close()

	// Same shard pair, different rounds; same round, reversed direction.
	reg.Send(0, 0, 1, testMsg(0, 1, 1))
	reg.Send(1, 0, 1, testMsg(0, 2, 2))
	reg.Send(1, 1, 0, testMsg(1, 3, 3))

	if got, _ := reg.Recv(1, 0, 1); got.SourceTxn != 2 {
		t.Errorf("Channel (1,0,1): expected txn 2, got %d", got.SourceTxn)
	}
	if got, _ := reg.Recv(0, 0, 1); got.SourceTxn != 1 {
		t.Errorf("Channel (0,0,1): expected txn 1, got %d", got.SourceTxn)
	}
	if got, _ := reg.Recv(1, 1, 0); got.SourceTxn != 3 {
		t.Errorf("Channel (1,1,0): expected txn 3, got %d", got.SourceTxn)
	}
}

func TestRegistry_CloseUnblocksReceiver(t *testing.T) {
	reg := NewRegistry(2, 1, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := reg.Recv(0, 1, 0)
		errCh <- err
	}()

	reg.Close()
	if err := <-errCh; !errors.Is(err, protocol.ErrChannelClosed) {
		t.Errorf("Expected ErrChannelClosed, got %v", err)
	}
}

func TestRegistry_CloseFailsPendingSend(t *testing.T) {
	// Zero capacity so the send cannot complete without a receiver.
	reg := NewRegistry(2, 1, 0)

	errCh := make(chan error, 1)
	go func() {
		errCh <- reg.Send(0, 0, 1, testMsg(0, 0, 1))
	}()

	reg.Close()
	if err := <-errCh; !errors.Is(err, protocol.ErrChannelClosed) {
		t.Errorf("Expected ErrChannelClosed, got %v", err)
	}
}

func TestRegistry_RejectsOutOfRangeCoordinates(t *testing.T) {
	reg := NewRegistry(2, 2, 1)
	defer reg.Close()

	cases := []struct {
		name           string
		round          int
		source, target protocol.ShardID
	}{
		{"negative round", -1, 0, 1},
		{"round too high", 2, 0, 1},
		{"source too high", 0, 2, 1},
		{"negative target", 0, 0, -1},
	}
	for _, tc := range cases {
		if err := reg.Send(tc.round, tc.source, tc.target, CrossShardMsg{}); err == nil {
			t.Errorf("%s: Send accepted invalid coordinates", tc.name)
		}
		if _, err := reg.Recv(tc.round, tc.source, tc.target); err == nil {
			t.Errorf("%s: Recv accepted invalid coordinates", tc.name)
		}
	}
}

func TestNewRegistryForPlan_SendsNeverBlock(t *testing.T) {
	b := protocol.NewPlanBuilder(2)
	add := func(shard protocol.ShardID, round int, from, to byte) {
		txn := protocol.Transaction{Kind: protocol.TxnUser, From: testAddr(from), To: testAddr(to), Value: big.NewInt(1)}
		b.Add(shard, round, txn, protocol.BalanceKey(txn.From), protocol.BalanceKey(txn.To))
	}
	// Shard 0's round-0 writers feed two shard-1 dependents in round 1.
	add(0, 0, 1, 2)
	add(0, 0, 3, 4)
	add(1, 0, 5, 6)
	add(1, 1, 7, 1)
	add(1, 1, 8, 3)

	plan, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := partition.AnnotateDependentEdges(plan); err != nil {
		t.Fatalf("AnnotateDependentEdges failed: %v", err)
	}

	reg := NewRegistryForPlan(plan)
	defer reg.Close()

	// Push every message the plan calls for with no receiver running. If any
	// channel is undersized this deadlocks instead of finishing.
	done := make(chan error, 1)
	go func() {
		done <- func() error {
			for s := range plan.Shards {
				for r := range plan.Shards[s].SubBlocks {
					sb := &plan.Shards[s].SubBlocks[r]
					for i := range sb.Transactions {
						idx := sb.StartIndex + protocol.TxnIndex(i)
						sent := make(map[protocol.DependentEdge]bool)
						for _, edge := range sb.Transactions[i].CrossShardDeps.DependentEdges {
							key := protocol.DependentEdge{ShardID: edge.ShardID, Round: edge.Round}
							if sent[key] {
								continue
							}
							sent[key] = true
							if err := reg.Send(edge.Round, protocol.ShardID(s), edge.ShardID, testMsg(protocol.ShardID(s), idx, 1)); err != nil {
								return err
							}
						}
					}
				}
			}
			return nil
		}()
	}()
	if err := <-done; err != nil {
		t.Fatalf("Plan-sized mesh blocked a sender: %v", err)
	}

	// Both shard-1 dependents wait on the same (round 1, 0 -> 1) channel.
	if got, _ := reg.Recv(1, 0, 1); got.SourceShard != 0 {
		t.Errorf("Expected message from shard 0, got shard %d", got.SourceShard)
	}
	if got, _ := reg.Recv(1, 0, 1); got.SourceShard != 0 {
		t.Errorf("Expected second message from shard 0, got shard %d", got.SourceShard)
	}
}
