package mempool

import (
	"fmt"

	"github.com/smellycoin/smellycoin/config"
	"github.com/smellycoin/smellycoin/pkg/tx"
)

// Policy defines transaction acceptance rules beyond bare consensus limits —
// policy rules can vary per node, so this stays distinct from block
// validation, but re-enforces the consensus limits as defense-in-depth
// (reject early before full validation).
type Policy struct {
	MaxTxSize int // Maximum transaction size in signing bytes.
	params    config.NetworkParams
}

// NewPolicy returns a policy bound to a network's limits.
func NewPolicy(params config.NetworkParams) *Policy {
	return &Policy{
		MaxTxSize: params.MaxBlockSize / 4,
		params:    params,
	}
}

// Check validates a transaction against policy rules.
func (p *Policy) Check(transaction *tx.Transaction) error {
	size := len(transaction.SigningBytes())
	if p.MaxTxSize > 0 && size > p.MaxTxSize {
		return fmt.Errorf("transaction too large: %d bytes, max %d", size, p.MaxTxSize)
	}
	if len(transaction.Inputs) > p.params.MaxTxInputs {
		return fmt.Errorf("too many inputs: %d, max %d", len(transaction.Inputs), p.params.MaxTxInputs)
	}
	if len(transaction.Outputs) > p.params.MaxTxOutputs {
		return fmt.Errorf("too many outputs: %d, max %d", len(transaction.Outputs), p.params.MaxTxOutputs)
	}
	for i, out := range transaction.Outputs {
		if len(out.Script.Data) > p.params.MaxScriptData {
			return fmt.Errorf("output %d script data too large: %d bytes, max %d", i, len(out.Script.Data), p.params.MaxScriptData)
		}
	}
	return nil
}
