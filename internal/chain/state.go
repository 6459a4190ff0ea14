package chain

import (
	"math/big"

	"github.com/smellycoin/smellycoin/pkg/types"
)

// State holds the current chain tip state.
type State struct {
	Height uint64
	TipHash types.Hash
	Supply  uint64 // Total coins in circulation (genesis alloc + cumulative rewards).
	// CumulativeWork is the sum of each block's estimated hash work
	// (pkg/codec.BlockWork), used for proof-of-work fork choice: the
	// branch with more accumulated work wins even if it is not the
	// tallest, matching how a KAWPOW chain's difficulty can vary
	// per-block within a retarget window.
	CumulativeWork *big.Int
	TipTimestamp   uint64
}

// IsGenesis returns true if no blocks have been processed yet.
func (s *State) IsGenesis() bool {
	return s.Height == 0 && s.TipHash.IsZero()
}
