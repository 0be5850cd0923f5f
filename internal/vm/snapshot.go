// Package vm supplies the execution side of the sharded engine: the immutable
// state snapshot a block runs against, the write overlays layered on top of
// it, and the transaction executor contract with its default transfer
// implementation.
package vm

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"

	"github.com/sharding-experiment/shardexec/internal/protocol"
)

const (
	// SnapshotCacheMB is the LevelDB block cache size in MB for persistent
	// snapshots.
	SnapshotCacheMB = 16

	// SnapshotHandles is the maximum number of open LevelDB file handles.
	SnapshotHandles = 16
)

// StateReader is the read-only view a transaction executes against: the
// snapshot itself, or an overlay stacked on it.
type StateReader interface {
	Read(key protocol.StateKey) (*uint256.Int, error)
}

// Snapshot is the shared state a block executes against. It wraps a geth
// StateDB opened at a committed root. Before Seal it accepts account setup;
// after Seal it is read-only for the duration of the block, so no shard ever
// mutates it. StateDB populates internal caches on reads, so a mutex guards
// every access.
type Snapshot struct {
	mu      sync.Mutex
	db      state.Database
	stateDB *state.StateDB
	root    common.Hash
	sealed  bool
	backing ethdb.Database
}

// NewMemorySnapshot creates an empty in-memory snapshot.
func NewMemorySnapshot() (*Snapshot, error) {
	return newSnapshot(rawdb.NewMemoryDatabase())
}

// NewSnapshot creates a snapshot backed by LevelDB at path. An empty path or
// a storage failure falls back to in-memory storage.
func NewSnapshot(path string) (*Snapshot, error) {
	if path == "" {
		log.Printf("[Snapshot] Using in-memory storage (no path specified)")
		return NewMemorySnapshot()
	}
	if mkErr := os.MkdirAll(path, 0755); mkErr != nil {
		log.Printf("[Snapshot] Failed to create directory %s: %v, using in-memory", path, mkErr)
		return NewMemorySnapshot()
	}
	ldb, err := leveldb.New(path, SnapshotCacheMB, SnapshotHandles, "", false)
	if err != nil {
		log.Printf("[Snapshot] Failed to open LevelDB at %s: %v, using in-memory", path, err)
		return NewMemorySnapshot()
	}
	log.Printf("[Snapshot] Opened persistent storage at %s", path)
	return newSnapshot(rawdb.NewDatabase(ldb))
}

func newSnapshot(backing ethdb.Database) (*Snapshot, error) {
	trieDB := triedb.NewDatabase(backing, nil)
	db := state.NewDatabase(trieDB, nil)
	stateDB, err := state.New(types.EmptyRootHash, db)
	if err != nil {
		return nil, fmt.Errorf("open state at empty root: %w", err)
	}
	return &Snapshot{
		db:      db,
		stateDB: stateDB,
		root:    types.EmptyRootHash,
		backing: backing,
	}, nil
}

// SetBalance sets an account balance. Only valid before Seal.
func (s *Snapshot) SetBalance(addr common.Address, balance *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return fmt.Errorf("snapshot is sealed")
	}
	s.stateDB.SetBalance(addr, balance, tracing.BalanceChangeUnspecified)
	return nil
}

// SetState sets a storage slot. Only valid before Seal.
func (s *Snapshot) SetState(addr common.Address, slot, value common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return fmt.Errorf("snapshot is sealed")
	}
	s.stateDB.SetState(addr, slot, value)
	return nil
}

// Seal commits the staged state and reopens the StateDB at the committed
// root, after which the snapshot is immutable.
func (s *Snapshot) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil
	}
	root, err := s.stateDB.Commit(0, false, false)
	if err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	if err := s.db.TrieDB().Commit(root, false); err != nil {
		return fmt.Errorf("persist snapshot trie: %w", err)
	}
	// Reopen at the committed root so cached tries aren't reused.
	stateDB, err := state.New(root, s.db)
	if err != nil {
		return fmt.Errorf("reload state at root %s: %w", root.Hex(), err)
	}
	s.stateDB = stateDB
	s.root = root
	s.sealed = true
	return nil
}

// Root returns the committed state root, or the empty root before Seal.
func (s *Snapshot) Root() common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// Read implements StateReader. A zero slot reads the account balance, any
// other slot reads contract storage.
func (s *Snapshot) Read(key protocol.StateKey) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.Slot == (common.Hash{}) {
		return s.stateDB.GetBalance(key.Address).Clone(), nil
	}
	value := s.stateDB.GetState(key.Address, key.Slot)
	return new(uint256.Int).SetBytes(value.Bytes()), nil
}

// Close releases the backing database.
func (s *Snapshot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backing.Close()
}
