package vm

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/sharding-experiment/shardexec/internal/protocol"
)

// TransactionExecutor is the contract the sharded engine consumes: execute
// one transaction against a read-only view and produce its output. Resolved
// cross-shard values are already layered into the view by the caller. The
// executor fills Status, FailureReason and Writes; the caller stamps the
// transaction's index, shard and round.
//
// An ordinary user transaction that cannot apply returns a failed output and
// a nil error. A returned error means the block cannot be trusted and must be
// aborted; executors return it for system transactions whose failure signals
// validator-wide disagreement risk.
type TransactionExecutor interface {
	Execute(txn protocol.Transaction, view StateReader) (protocol.TransactionOutput, error)
}

// TransferVM is the default TransactionExecutor: deterministic balance
// transfers against the layered view.
type TransferVM struct{}

// NewTransferVM returns the default executor.
func NewTransferVM() *TransferVM {
	return &TransferVM{}
}

// Execute implements TransactionExecutor.
func (v *TransferVM) Execute(txn protocol.Transaction, view StateReader) (protocol.TransactionOutput, error) {
	out, err := v.transfer(txn, view)
	if err != nil {
		return protocol.TransactionOutput{}, err
	}
	if out.Status == protocol.TxnFailed && txn.Kind == protocol.TxnBlockMetadata {
		// A failing metadata transaction is fatal to the whole block.
		return protocol.TransactionOutput{}, fmt.Errorf("block metadata transaction failed: %s", out.FailureReason)
	}
	return out, nil
}

// transfer applies txn against view. Every transaction writes all of its
// declared keys: a transaction that does not modify a key (failure, self
// transfer) passes the read value through unchanged. The passthrough is what
// lets a shard forward a usable value to dependents even when the
// transaction itself failed, and keeps sharded and serial execution
// bit-for-bit equivalent around failures.
func (v *TransferVM) transfer(txn protocol.Transaction, view StateReader) (protocol.TransactionOutput, error) {
	if txn.Value == nil {
		txn.Value = new(big.Int)
	}
	fromKey := protocol.BalanceKey(txn.From)
	toKey := protocol.BalanceKey(txn.To)

	fromBalance, err := view.Read(fromKey)
	if err != nil {
		return protocol.TransactionOutput{}, fmt.Errorf("read balance of %s: %w", txn.From.Hex(), err)
	}
	if txn.From == txn.To {
		out := protocol.TransactionOutput{
			Status: protocol.TxnSuccess,
			Writes: []protocol.StateWrite{{Key: fromKey, Value: fromBalance.Clone()}},
		}
		if amount, overflow := uint256.FromBig(txn.Value); overflow || fromBalance.Lt(amount) {
			out.Status = protocol.TxnFailed
			out.FailureReason = fmt.Sprintf("insufficient balance: %s has %s", txn.From.Hex(), fromBalance)
		}
		return out, nil
	}

	toBalance, err := view.Read(toKey)
	if err != nil {
		return protocol.TransactionOutput{}, fmt.Errorf("read balance of %s: %w", txn.To.Hex(), err)
	}

	amount, overflow := uint256.FromBig(txn.Value)
	if overflow {
		return protocol.TransactionOutput{
			Status:        protocol.TxnFailed,
			FailureReason: "transfer amount overflows 256 bits",
			Writes:        passthrough(fromKey, fromBalance, toKey, toBalance),
		}, nil
	}
	if fromBalance.Lt(amount) {
		return protocol.TransactionOutput{
			Status:        protocol.TxnFailed,
			FailureReason: fmt.Sprintf("insufficient balance: %s has %s, needs %s", txn.From.Hex(), fromBalance, amount),
			Writes:        passthrough(fromKey, fromBalance, toKey, toBalance),
		}, nil
	}

	return protocol.TransactionOutput{
		Status: protocol.TxnSuccess,
		Writes: []protocol.StateWrite{
			{Key: fromKey, Value: new(uint256.Int).Sub(fromBalance, amount)},
			{Key: toKey, Value: new(uint256.Int).Add(toBalance, amount)},
		},
	}, nil
}

func passthrough(fromKey protocol.StateKey, fromBalance *uint256.Int, toKey protocol.StateKey, toBalance *uint256.Int) []protocol.StateWrite {
	return []protocol.StateWrite{
		{Key: fromKey, Value: fromBalance.Clone()},
		{Key: toKey, Value: toBalance.Clone()},
	}
}
