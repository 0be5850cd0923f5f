package orchestrator

import (
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"

	"github.com/sharding-experiment/shardexec/internal/protocol"
	"github.com/sharding-experiment/shardexec/internal/vm"
)

// ExecuteBlockRequest is the submission payload: the partition plan plus the
// genesis balances to seed the block's state snapshot with.
type ExecuteBlockRequest struct {
	Balances map[common.Address]*big.Int `json:"balances"`
	Plan     protocol.PartitionPlan      `json:"plan"`
}

// BlockResult is the stored outcome of one block execution.
type BlockResult struct {
	ID      string                         `json:"id"`
	Status  string                         `json:"status"`
	Error   string                         `json:"error,omitempty"`
	Digest  common.Hash                    `json:"digest,omitempty"`
	Rounds  [][]protocol.TransactionOutput `json:"rounds,omitempty"`
	Outputs []protocol.TransactionOutput   `json:"outputs,omitempty"`
}

const (
	BlockStatusExecuted = "executed"
	BlockStatusFailed   = "failed"
)

// Service exposes the sharded block executor over HTTP: submit a partitioned
// block, get back the executed outputs, look results up again by execution
// ID.
type Service struct {
	router     *mux.Router
	numShards  int
	executor   *ShardedBlockExecutor
	storageDir string
	mu         sync.RWMutex
	results    map[string]*BlockResult
}

// NewService creates the HTTP front end for an executor managing numShards
// shards. A non-empty storageDir gives every block a persistent LevelDB
// snapshot under it; an empty one keeps snapshots in memory.
func NewService(numShards int, executor *ShardedBlockExecutor, storageDir string) *Service {
	s := &Service{
		router:     mux.NewRouter(),
		numShards:  numShards,
		executor:   executor,
		storageDir: storageDir,
		results:    make(map[string]*BlockResult),
	}
	s.setupRoutes()
	return s
}

// Router returns the HTTP router for testing.
func (s *Service) Router() *mux.Router {
	return s.router
}

func (s *Service) setupRoutes() {
	s.router.HandleFunc("/block/execute", s.handleExecute).Methods("POST")
	s.router.HandleFunc("/block/result/{id}", s.handleResult).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/shards", s.handleShards).Methods("GET")
}

// Start blocks serving HTTP on the given port.
func (s *Service) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("Orchestrator starting on %s (managing %d shards)", addr, s.numShards)
	return http.ListenAndServe(addr, s.router)
}

func (s *Service) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if got := req.Plan.NumShards(); got != s.numShards {
		http.Error(w, fmt.Sprintf("plan has %d shards, service manages %d", got, s.numShards), http.StatusBadRequest)
		return
	}

	result := &BlockResult{ID: uuid.New().String()}
	rounds, err := s.executeOnFreshSnapshot(&req, result.ID)
	if err != nil {
		log.Printf("Block %s: execution failed: %v", result.ID, err)
		result.Status = BlockStatusFailed
		result.Error = err.Error()
	} else {
		result.Status = BlockStatusExecuted
		result.Rounds = rounds
		result.Outputs = ReassembleBlockOrder(rounds)
		result.Digest = protocol.OutputsDigest(result.Outputs)
		log.Printf("Block %s: executed %d txns across %d rounds", result.ID, len(result.Outputs), len(rounds))
	}

	s.mu.Lock()
	s.results[result.ID] = result
	s.mu.Unlock()

	if result.Status == BlockStatusFailed {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	json.NewEncoder(w).Encode(result)
}

// executeOnFreshSnapshot seeds a new snapshot with the requested balances,
// seals it, and runs the plan against it. With a storage directory configured
// the snapshot persists under the block's execution ID.
func (s *Service) executeOnFreshSnapshot(req *ExecuteBlockRequest, id string) ([][]protocol.TransactionOutput, error) {
	snapshot, err := s.newBlockSnapshot(id)
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	defer snapshot.Close()

	for addr, balance := range req.Balances {
		value, overflow := uint256.FromBig(balance)
		if overflow {
			return nil, fmt.Errorf("balance of %s overflows 256 bits", addr.Hex())
		}
		if err := snapshot.SetBalance(addr, value); err != nil {
			return nil, err
		}
	}
	if err := snapshot.Seal(); err != nil {
		return nil, fmt.Errorf("seal snapshot: %w", err)
	}

	return s.executor.ExecuteBlock(&req.Plan, snapshot)
}

func (s *Service) newBlockSnapshot(id string) (*vm.Snapshot, error) {
	if s.storageDir == "" {
		return vm.NewMemorySnapshot()
	}
	return vm.NewSnapshot(filepath.Join(s.storageDir, id))
}

func (s *Service) handleResult(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	s.mu.RLock()
	result, ok := s.results[id]
	s.mu.RUnlock()

	if !ok {
		http.Error(w, "block result not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(result)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Service) handleShards(w http.ResponseWriter, r *http.Request) {
	shards := make([]map[string]interface{}, s.numShards)
	for i := 0; i < s.numShards; i++ {
		shards[i] = map[string]interface{}{"id": i}
	}
	json.NewEncoder(w).Encode(shards)
}
