package chain

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/smellycoin/smellycoin/internal/klog"
	"github.com/smellycoin/smellycoin/pkg/block"
	"github.com/smellycoin/smellycoin/pkg/codec"
)

// Block processing errors.
var (
	ErrBlockKnown   = errors.New("block already known")
	ErrPrevNotFound = errors.New("previous block not found")
	ErrBadHeight    = errors.New("block height does not follow parent")
	ErrBadPrevHash  = errors.New("prev_hash does not match current tip")
	ErrApplyUTXO    = errors.New("failed to apply UTXO changes")
)

// ProcessBlock validates a block against the Consensus Validator and, if it
// extends the current tip, applies it through the UTXO State Engine and
// advances chain state. A block whose parent is known but is not the
// current tip is stored as a fork candidate and handed to Reorg, which
// decides whether the chain's cumulative work favors switching to it.
func (c *Chain) ProcessBlock(blk *block.Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}

	hash := blk.Hash()

	known, err := c.blocks.HasBlock(hash)
	if err != nil {
		return fmt.Errorf("check block: %w", err)
	}
	if known {
		return ErrBlockKnown
	}

	parentErr := c.checkParentLink(blk)
	if parentErr != nil && !errors.Is(parentErr, ErrForkDetected) {
		return parentErr
	}

	if errors.Is(parentErr, ErrForkDetected) {
		parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash)
		if err != nil {
			return fmt.Errorf("load fork parent: %w", err)
		}
		if err := c.validator.ValidateBlock(blk, parentBlk.Header); err != nil {
			return fmt.Errorf("validate fork block: %w", err)
		}
		if err := c.blocks.StoreBlock(blk); err != nil {
			return fmt.Errorf("store fork block: %w", err)
		}
		// Cumulative work, not height, decides whether to switch branches —
		// a shorter fork can still be heavier after a difficulty swing.
		if err := c.Reorg(hash); err != nil {
			return fmt.Errorf("reorg: %w", err)
		}
		return nil
	}

	var parentHeader *block.Header
	if blk.Header.Height > 0 {
		parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash)
		if err != nil {
			return fmt.Errorf("load parent: %w", err)
		}
		parentHeader = parentBlk.Header
	}
	if err := c.validator.ValidateBlock(blk, parentHeader); err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	blockReward := c.computeBlockReward(blk)

	if err := c.utxos.ApplyBlock(blk, blk.Header.Height); err != nil {
		return fmt.Errorf("%w: %v", ErrApplyUTXO, err)
	}

	if c.maxSupply > 0 && c.state.Supply+blockReward > c.maxSupply {
		blockReward = c.maxSupply - c.state.Supply
	}
	c.state.Supply += blockReward

	work, err := codec.BlockWork(blk.Header.Bits)
	if err != nil {
		return fmt.Errorf("block work: %w", err)
	}
	c.state.CumulativeWork = new(big.Int).Add(c.state.CumulativeWork, work)

	c.state.TipHash = hash
	c.state.Height = blk.Header.Height
	c.state.TipTimestamp = blk.Header.Timestamp

	if err := c.blocks.CommitBlock(blk, blk.Header.Height, c.state.Supply, c.state.CumulativeWork, blockReward); err != nil {
		return fmt.Errorf("commit block: %w", err)
	}

	klog.Chain.Info().
		Uint64("height", c.state.Height).
		Str("hash", hash.String()).
		Int("txs", len(blk.Transactions)).
		Uint64("reward", blockReward).
		Msg("block accepted")

	return nil
}

// checkParentLink verifies that the block's PrevHash and Height are
// consistent with the current chain tip, returning ErrForkDetected when the
// parent is known but is not the tip.
func (c *Chain) checkParentLink(blk *block.Block) error {
	if c.state.IsGenesis() {
		if blk.Header.Height != 0 {
			return fmt.Errorf("%w: genesis must be height 0, got %d", ErrBadHeight, blk.Header.Height)
		}
		if !blk.Header.PrevHash.IsZero() {
			return fmt.Errorf("%w: genesis must have zero prev_hash", ErrBadPrevHash)
		}
		return nil
	}

	if blk.Header.PrevHash == c.state.TipHash {
		expectedHeight := c.state.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: want %d, got %d", ErrBadHeight, expectedHeight, blk.Header.Height)
		}
		return nil
	}

	parentKnown, err := c.blocks.HasBlock(blk.Header.PrevHash)
	if err != nil {
		return fmt.Errorf("check parent: %w", err)
	}
	if parentKnown {
		parentBlk, err := c.blocks.GetBlock(blk.Header.PrevHash)
		if err != nil {
			return fmt.Errorf("load parent block: %w", err)
		}
		expectedHeight := parentBlk.Header.Height + 1
		if blk.Header.Height != expectedHeight {
			return fmt.Errorf("%w: parent height %d implies %d, got %d",
				ErrBadHeight, parentBlk.Header.Height, expectedHeight, blk.Header.Height)
		}
		return fmt.Errorf("%w: block %d forks from %s", ErrForkDetected, blk.Header.Height, blk.Header.PrevHash)
	}
	return ErrPrevNotFound
}

// computeBlockReward calculates the new coins minted in this block:
// coinbase output value minus the fees it recycles from non-coinbase
// transactions. Must be called before ApplyBlock — it needs the live UTXO
// set to value each input.
func (c *Chain) computeBlockReward(blk *block.Block) uint64 {
	if len(blk.Transactions) == 0 || len(blk.Transactions[0].Outputs) == 0 {
		return 0
	}

	coinbaseValue, err := blk.Transactions[0].TotalOutputValue()
	if err != nil {
		return 0
	}

	var totalFees uint64
	store := c.utxos.Store()
	for _, transaction := range blk.Transactions[1:] {
		var inputSum, outputSum uint64
		for _, in := range transaction.Inputs {
			if in.PrevOut.IsZero() {
				continue
			}
			u, err := store.Get(in.PrevOut)
			if err != nil {
				continue // Input not found (shouldn't happen post-validation).
			}
			if inputSum > math.MaxUint64-u.Value {
				continue
			}
			inputSum += u.Value
		}
		for _, out := range transaction.Outputs {
			if outputSum > math.MaxUint64-out.Value {
				continue
			}
			outputSum += out.Value
		}
		if inputSum > outputSum {
			fee := inputSum - outputSum
			if totalFees > math.MaxUint64-fee {
				continue
			}
			totalFees += fee
		}
	}

	if coinbaseValue > totalFees {
		return coinbaseValue - totalFees
	}
	return 0
}
