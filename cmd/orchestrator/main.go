package main

import (
	"flag"
	"log"
	"os"
	"strconv"

	"github.com/sharding-experiment/shardexec/config"
	"github.com/sharding-experiment/shardexec/internal/orchestrator"
	"github.com/sharding-experiment/shardexec/internal/protocol"
	"github.com/sharding-experiment/shardexec/internal/vm"
)

func main() {
	numShards := flag.Int("shards", 0, "Number of shards (0 = use config.json)")
	maxRounds := flag.Int("max-rounds", 0, "Maximum partitioning rounds (0 = use config.json)")
	port := flag.Int("port", 8080, "HTTP port")
	storageDir := flag.String("storage-dir", "", "Directory for persistent block snapshots (empty = in-memory)")
	flag.Parse()

	// Load config first (primary source of truth)
	cfg, err := config.LoadDefault()
	if err != nil {
		log.Printf("No config.json found, using defaults")
	} else {
		if *numShards == 0 && cfg.ShardNum > 0 {
			*numShards = cfg.ShardNum
		}
		if *maxRounds == 0 && cfg.MaxRounds > 0 {
			*maxRounds = cfg.MaxRounds
		}
		if cfg.Port > 0 {
			*port = cfg.Port
		}
		if *storageDir == "" && cfg.StorageDir != "" {
			*storageDir = cfg.StorageDir
		}
	}

	// Allow environment variable overrides
	if envShards := os.Getenv("NUM_SHARDS"); envShards != "" {
		if n, err := strconv.Atoi(envShards); err == nil {
			*numShards = n
		}
	}
	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			*port = p
		}
	}

	// Final fallback if still not set
	if *numShards == 0 {
		*numShards = 8
	}
	if *maxRounds == 0 {
		*maxRounds = protocol.MaxPartitioningRounds
	}

	log.Printf("Starting orchestrator with %d shards (max %d rounds)", *numShards, *maxRounds)

	executor := orchestrator.NewShardedBlockExecutor(vm.NewTransferVM(), *maxRounds)
	service := orchestrator.NewService(*numShards, executor, *storageDir)

	log.Fatal(service.Start(*port))
}
