package partition

import (
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/sharding-experiment/shardexec/internal/protocol"
)

// AnnotateDependentEdges computes and attaches the dependent edges for every
// shard of the plan, one round at a time. Each round runs one goroutine per
// shard; the goroutines meet inside the exchange's all-to-all barrier and the
// next round only starts once every shard has finished the current one, so
// edges attached in round r are complete before round r+1 reads the plan.
func AnnotateDependentEdges(plan *protocol.PartitionPlan) error {
	numShards := plan.NumShards()
	if numShards == 0 {
		return nil
	}

	exchange := NewEdgeExchange(numShards)
	defer exchange.Close()

	creators := make([]*DependentEdgeCreator, numShards)
	for s := 0; s < numShards; s++ {
		creators[s] = NewDependentEdgeCreator(protocol.ShardID(s), exchange.ClientFor(protocol.ShardID(s)), &plan.Shards[s], numShards)
	}

	// Round 0 cannot have incoming dependencies; start at round 1.
	for round := 1; round < plan.NumRounds(); round++ {
		var g errgroup.Group
		for s := 0; s < numShards; s++ {
			creator := creators[s]
			sb := &plan.Shards[s].SubBlocks[round]
			g.Go(func() error {
				deps := make([]protocol.CrossShardDependencies, sb.Len())
				for i := range sb.Transactions {
					deps[i] = sb.Transactions[i].CrossShardDeps
				}
				return creator.CreateDependentEdges(deps, sb.StartIndex, round)
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("dependent edge annotation, round %d: %w", round, err)
		}
	}
	return nil
}
