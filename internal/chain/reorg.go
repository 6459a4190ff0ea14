package chain

import (
	"fmt"
	"math/big"

	"github.com/smellycoin/smellycoin/internal/klog"
	"github.com/smellycoin/smellycoin/pkg/block"
	"github.com/smellycoin/smellycoin/pkg/codec"
	"github.com/smellycoin/smellycoin/pkg/tx"
	"github.com/smellycoin/smellycoin/pkg/types"
)

// ErrForkDetected indicates a valid block whose parent is known but is not
// the current tip. The caller should decide whether to reorg.
var ErrForkDetected = fmt.Errorf("fork detected")

// ErrReorgTooDeep is returned when a reorg exceeds the network's
// MaxReorgDepth.
var ErrReorgTooDeep = fmt.Errorf("reorg too deep")

// ErrGenesisReorg is returned when a reorg would replace the genesis block.
var ErrGenesisReorg = fmt.Errorf("reorg would replace genesis block")

// Reorg switches the chain tip from the current branch to newTipHash's
// branch, provided the new branch carries strictly more cumulative
// proof-of-work. It finds the common ancestor, reverts blocks back to it
// using the UTXO State Engine's undo journal, then replays the new
// branch through the full Consensus Validator pipeline.
func (c *Chain) Reorg(newTipHash types.Hash) error {
	newBranch, err := c.collectBranch(newTipHash)
	if err != nil {
		return fmt.Errorf("collect new branch: %w", err)
	}
	if len(newBranch) == 0 {
		return fmt.Errorf("empty new branch")
	}

	forkHeight := newBranch[0].Header.Height - 1
	oldHeight := c.state.Height

	newBranchWork := big.NewInt(0)
	for _, blk := range newBranch {
		w, err := codec.BlockWork(blk.Header.Bits)
		if err != nil {
			return fmt.Errorf("new branch work: %w", err)
		}
		newBranchWork.Add(newBranchWork, w)
	}
	oldBranchWork := big.NewInt(0)
	for h := forkHeight + 1; h <= oldHeight; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load old block for work comparison at height %d: %w", h, err)
		}
		w, err := codec.BlockWork(blk.Header.Bits)
		if err != nil {
			return fmt.Errorf("old branch work: %w", err)
		}
		oldBranchWork.Add(oldBranchWork, w)
	}
	if newBranchWork.Cmp(oldBranchWork) <= 0 {
		return nil // New branch isn't heavier — keep the current chain.
	}

	if err := c.blocks.PutReorgCheckpoint(forkHeight); err != nil {
		return fmt.Errorf("write reorg checkpoint: %w", err)
	}

	klog.Chain.Warn().
		Uint64("fork_height", forkHeight).
		Uint64("old_height", oldHeight).
		Uint64("new_height", newBranch[len(newBranch)-1].Header.Height).
		Str("new_tip", newTipHash.String()).
		Msg("reorg: switching to heavier branch")

	var revertedTxs []*tx.Transaction

	for h := oldHeight; h > forkHeight; h-- {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load old block at height %d: %w", h, err)
		}
		bHash := blk.Hash()

		hasUndo, err := c.utxos.HasUndo(bHash)
		if err != nil {
			return fmt.Errorf("check undo for block %s: %w", bHash, err)
		}
		if !hasUndo {
			// Undo data missing (e.g. pruned past MaxReorgDepth) — fall back
			// to a full UTXO rebuild from genesis.
			return c.rebuildReorg(newBranch, forkHeight)
		}
		if err := c.utxos.RevertBlock(blk); err != nil {
			return fmt.Errorf("revert block %s: %w", bHash, err)
		}
		for _, t := range blk.Transactions {
			if err := c.blocks.DeleteTxIndex(t.Hash()); err != nil {
				return fmt.Errorf("delete tx index for block %s: %w", bHash, err)
			}
		}

		if c.revertedTxHandler != nil && len(blk.Transactions) > 1 {
			revertedTxs = append(revertedTxs, blk.Transactions[1:]...)
		}

		reward, err := c.blocks.GetBlockReward(bHash)
		if err != nil {
			return fmt.Errorf("block reward for %s: %w", bHash, err)
		}
		if reward > c.state.Supply {
			return fmt.Errorf("supply underflow at height %d: reward %d > supply %d", h, reward, c.state.Supply)
		}
		c.state.Supply -= reward

		w, err := codec.BlockWork(blk.Header.Bits)
		if err != nil {
			return fmt.Errorf("block work for %s: %w", bHash, err)
		}
		c.state.CumulativeWork = new(big.Int).Sub(c.state.CumulativeWork, w)

		if err := c.blocks.DeleteBlockReward(bHash); err != nil {
			return fmt.Errorf("delete reward for %s: %w", bHash, err)
		}
	}

	for _, blk := range newBranch {
		parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash)
		if err != nil {
			return fmt.Errorf("load parent for replay block at height %d: %w", blk.Header.Height, err)
		}

		if err := c.validator.ValidateBlock(blk, parentBlk.Header); err != nil {
			return fmt.Errorf("validate replay block at height %d: %w", blk.Header.Height, err)
		}

		blockReward := c.computeBlockReward(blk)

		if err := c.utxos.ApplyBlock(blk, blk.Header.Height); err != nil {
			return fmt.Errorf("apply new block at height %d: %w", blk.Header.Height, err)
		}

		if c.maxSupply > 0 && c.state.Supply+blockReward > c.maxSupply {
			blockReward = c.maxSupply - c.state.Supply
		}
		if c.state.Supply > ^uint64(0)-blockReward {
			return fmt.Errorf("supply overflow at height %d: supply %d + reward %d", blk.Header.Height, c.state.Supply, blockReward)
		}
		newSupply := c.state.Supply + blockReward

		w, err := codec.BlockWork(blk.Header.Bits)
		if err != nil {
			return fmt.Errorf("block work at height %d: %w", blk.Header.Height, err)
		}
		newWork := new(big.Int).Add(c.state.CumulativeWork, w)

		if err := c.blocks.CommitBlock(blk, blk.Header.Height, newSupply, newWork, blockReward); err != nil {
			return fmt.Errorf("commit replay block at height %d: %w", blk.Header.Height, err)
		}

		c.state.Supply = newSupply
		c.state.CumulativeWork = newWork
	}

	tip := newBranch[len(newBranch)-1]
	c.state.TipHash = tip.Hash()
	c.state.Height = tip.Header.Height
	c.state.TipTimestamp = tip.Header.Timestamp

	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}

	// Return reverted transactions to the mempool, excluding any that
	// reappear in the new branch.
	if c.revertedTxHandler != nil && len(revertedTxs) > 0 {
		newBranchTxs := make(map[types.Hash]bool)
		for _, blk := range newBranch {
			for _, t := range blk.Transactions {
				newBranchTxs[t.Hash()] = true
			}
		}
		var toReturn []*tx.Transaction
		for _, t := range revertedTxs {
			if !newBranchTxs[t.Hash()] {
				toReturn = append(toReturn, t)
			}
		}
		if len(toReturn) > 0 {
			c.revertedTxHandler(toReturn)
		}
	}

	return nil
}

// collectBranch walks back from tipHash to the common ancestor with the
// current main chain, returning blocks in ascending height order
// (ancestor+1 ... tipHash).
func (c *Chain) collectBranch(tipHash types.Hash) ([]*block.Block, error) {
	var branch []*block.Block
	hash := tipHash

	for {
		blk, err := c.blocks.GetBlock(hash)
		if err != nil {
			return nil, fmt.Errorf("load block %s: %w", hash, err)
		}
		branch = append(branch, blk)

		if uint64(len(branch)) > c.params.MaxReorgDepth {
			return nil, fmt.Errorf("%w: branch exceeds %d blocks", ErrReorgTooDeep, c.params.MaxReorgDepth)
		}

		if blk.Header.Height == 0 {
			if !c.genesisHash.IsZero() && blk.Hash() != c.genesisHash {
				return nil, ErrGenesisReorg
			}
			break
		}
		parentHeight := blk.Header.Height - 1
		mainBlock, err := c.blocks.GetBlockByHeight(parentHeight)
		if err == nil && mainBlock.Hash() == blk.Header.PrevHash {
			break // Common ancestor found.
		}
		hash = blk.Header.PrevHash
	}

	for i, j := 0, len(branch)-1; i < j; i, j = i+1, j-1 {
		branch[i], branch[j] = branch[j], branch[i]
	}
	return branch, nil
}

// rebuildReorg handles a reorg when undo data is missing for an old-branch
// block (e.g. pruned past MaxReorgDepth): rather than reverting individual
// blocks, it indexes the new branch by height, clears the whole UTXO set,
// and replays every block from genesis through the new tip. Slower than
// undo-based reorg but always correct.
func (c *Chain) rebuildReorg(newBranch []*block.Block, forkHeight uint64) error {
	newTip := newBranch[len(newBranch)-1]
	newTipHash := newTip.Hash()

	for _, blk := range newBranch {
		if err := c.blocks.PutBlock(blk); err != nil {
			return fmt.Errorf("rebuild reorg: index block at height %d: %w", blk.Header.Height, err)
		}
	}

	if err := c.utxos.Store().ClearAll(); err != nil {
		return fmt.Errorf("rebuild reorg: clear utxos: %w", err)
	}

	var supply uint64
	work := big.NewInt(0)

	for h := uint64(0); h <= newTip.Header.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("rebuild reorg: load block at height %d: %w", h, err)
		}

		if h > forkHeight {
			var parentHeader *block.Header
			if h > 0 {
				parentBlk, err := c.blocks.GetBlockByHeight(h - 1)
				if err != nil {
					return fmt.Errorf("rebuild reorg: load parent at height %d: %w", h-1, err)
				}
				parentHeader = parentBlk.Header
			}
			if err := c.validator.ValidateBlock(blk, parentHeader); err != nil {
				return fmt.Errorf("rebuild reorg: validate block at height %d: %w", h, err)
			}
		}

		var blockReward uint64
		if h == 0 {
			reward, err := c.blocks.GetBlockReward(blk.Hash())
			if err != nil {
				return fmt.Errorf("rebuild reorg: genesis reward: %w", err)
			}
			blockReward = reward
		} else {
			blockReward = c.computeBlockReward(blk)
		}

		if err := c.utxos.ApplyBlock(blk, h); err != nil {
			return fmt.Errorf("rebuild reorg: apply block at height %d: %w", h, err)
		}

		if h > 0 {
			if c.maxSupply > 0 && supply+blockReward > c.maxSupply {
				blockReward = c.maxSupply - supply
			}
			w, err := codec.BlockWork(blk.Header.Bits)
			if err != nil {
				return fmt.Errorf("rebuild reorg: block work at height %d: %w", h, err)
			}
			work.Add(work, w)
			if err := c.blocks.PutBlockReward(blk.Hash(), blockReward); err != nil {
				return fmt.Errorf("rebuild reorg: store reward at height %d: %w", h, err)
			}
		}
		supply += blockReward
	}

	c.state.TipHash = newTipHash
	c.state.Height = newTip.Header.Height
	c.state.TipTimestamp = newTip.Header.Timestamp
	c.state.Supply = supply
	c.state.CumulativeWork = work

	if err := c.blocks.SetBestBlock(newTipHash, newTip.Header.Height, supply, work); err != nil {
		return fmt.Errorf("rebuild reorg: set tip: %w", err)
	}
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("rebuild reorg: delete checkpoint: %w", err)
	}
	return nil
}
