package vm

import (
	"fmt"

	"github.com/sharding-experiment/shardexec/internal/protocol"
)

// ExecuteSerial runs transactions one after another in block order, layering
// each output's writes over the previous ones. It is the reference the
// sharded engine must be indistinguishable from, and the fallback callers use
// when sharded execution fails.
func ExecuteSerial(executor TransactionExecutor, txns []protocol.Transaction, view StateReader) ([]protocol.TransactionOutput, error) {
	overlay := NewOverlay(view)
	outputs := make([]protocol.TransactionOutput, 0, len(txns))
	for i, txn := range txns {
		out, err := executor.Execute(txn, overlay)
		if err != nil {
			return nil, fmt.Errorf("serial execution, txn %d: %w", i, err)
		}
		out.TxnIndex = protocol.TxnIndex(i)
		overlay.Apply(out.Writes, out.TxnIndex)
		outputs = append(outputs, out)
	}
	return outputs, nil
}
