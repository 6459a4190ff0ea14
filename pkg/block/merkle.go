package block

import (
	"github.com/smellycoin/smellycoin/pkg/crypto"
	"github.com/smellycoin/smellycoin/pkg/types"
)

// ComputeMerkleRoot calculates the merkle root of transaction hashes.
//
// Algorithm:
//   - 0 hashes: returns zero hash
//   - 1 hash: returns that hash
//   - Otherwise: pairwise hash, duplicating the last element if odd count,
//     then recurse on the resulting layer until one hash remains.
func ComputeMerkleRoot(txHashes []types.Hash) types.Hash {
	if len(txHashes) == 0 {
		return types.Hash{}
	}
	if len(txHashes) == 1 {
		return txHashes[0]
	}

	// Work on a copy so we don't mutate the caller's slice.
	level := make([]types.Hash, len(txHashes))
	copy(level, txHashes)

	for len(level) > 1 {
		// If odd, duplicate the last element.
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = crypto.HashConcat(level[i], level[i+1])
		}
		level = next
	}

	return level[0]
}

// BranchesForCoinbase returns the sibling hashes needed to fold the
// coinbase transaction (always txHashes[0]) up to the Merkle root, in the
// order FoldMerkleBranch expects. Callers cache this once per job instead
// of recomputing the full tree for every share submission.
func BranchesForCoinbase(txHashes []types.Hash) []types.Hash {
	if len(txHashes) <= 1 {
		return nil
	}

	level := make([]types.Hash, len(txHashes))
	copy(level, txHashes)

	var branches []types.Hash
	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}
		// The coinbase leaf always folds at position 0, so its sibling at
		// every level is level[1].
		branches = append(branches, level[1])

		next := make([]types.Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = crypto.HashConcat(level[i], level[i+1])
		}
		level = next
	}
	return branches
}

// FoldMerkleBranch reconstructs the Merkle root from a leaf hash (the
// reconstructed coinbase hash) and the cached sibling branches from
// BranchesForCoinbase.
func FoldMerkleBranch(leaf types.Hash, branches []types.Hash) types.Hash {
	h := leaf
	for _, b := range branches {
		h = crypto.HashConcat(h, b)
	}
	return h
}
