package vm

import (
	"github.com/holiman/uint256"

	"github.com/sharding-experiment/shardexec/internal/protocol"
)

// snapshotVersion orders the snapshot's values below every transaction write.
const snapshotVersion = protocol.TxnIndex(-1)

type overlayEntry struct {
	value   *uint256.Int
	version protocol.TxnIndex
}

// Overlay buffers transaction writes over a parent view without mutating it.
// Every entry is tagged with the global index of the transaction that
// produced it, so stacked overlays (a shard's own writes below, a
// transaction's resolved cross-shard values on top) always resolve a key to
// its most recent writer regardless of which layer holds the older value.
type Overlay struct {
	parent  StateReader
	entries map[protocol.StateKey]overlayEntry
}

// NewOverlay creates an empty overlay on top of parent.
func NewOverlay(parent StateReader) *Overlay {
	return &Overlay{
		parent:  parent,
		entries: make(map[protocol.StateKey]overlayEntry),
	}
}

// Apply records the writes of the transaction at the given global index. A
// key already holding a newer write is left untouched.
func (o *Overlay) Apply(writes []protocol.StateWrite, version protocol.TxnIndex) {
	for _, w := range writes {
		if existing, ok := o.entries[w.Key]; ok && existing.version > version {
			continue
		}
		o.entries[w.Key] = overlayEntry{value: w.Value, version: version}
	}
}

// Read implements StateReader.
func (o *Overlay) Read(key protocol.StateKey) (*uint256.Int, error) {
	value, _, err := o.readVersioned(key)
	return value, err
}

// readVersioned resolves key to the value with the highest writer version
// across this overlay and its parents.
func (o *Overlay) readVersioned(key protocol.StateKey) (*uint256.Int, protocol.TxnIndex, error) {
	own, hasOwn := o.entries[key]

	if parent, ok := o.parent.(*Overlay); ok {
		parentValue, parentVersion, err := parent.readVersioned(key)
		if err != nil {
			return nil, 0, err
		}
		if hasOwn && own.version >= parentVersion {
			return own.value, own.version, nil
		}
		return parentValue, parentVersion, nil
	}

	// Parent is the snapshot; any write outranks it.
	if hasOwn {
		return own.value, own.version, nil
	}
	value, err := o.parent.Read(key)
	if err != nil {
		return nil, 0, err
	}
	return value, snapshotVersion, nil
}
