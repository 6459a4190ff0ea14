// Package chain implements the blockchain state machine.
package chain

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/smellycoin/smellycoin/config"
	"github.com/smellycoin/smellycoin/internal/consensus"
	"github.com/smellycoin/smellycoin/internal/storage"
	"github.com/smellycoin/smellycoin/internal/utxo"
	"github.com/smellycoin/smellycoin/pkg/block"
	"github.com/smellycoin/smellycoin/pkg/codec"
	"github.com/smellycoin/smellycoin/pkg/tx"
	"github.com/smellycoin/smellycoin/pkg/types"
)

// RevertedTxHandler is called after a reorg with transactions from reverted
// blocks that are not present in the new branch, so the caller can
// re-offer them to the mempool.
type RevertedTxHandler func(txs []*tx.Transaction)

// Chain ties the BlockStore, the UTXO State Engine, and the Consensus
// Validator together into the blockchain state machine: ProcessBlock (in
// processor.go) and Reorg (in reorg.go) are the only ways its tip advances.
type Chain struct {
	mu     sync.Mutex // Protects all state mutations (ProcessBlock, Reorg).
	state  *State
	blocks *BlockStore
	utxos  *utxo.Engine
	engine consensus.Engine
	params config.NetworkParams

	validator *consensus.Validator

	maxSupply   uint64     // Max coin supply (0 = unlimited).
	genesisHash types.Hash // Hash of the genesis block (immutable).

	revertedTxHandler RevertedTxHandler
}

// New creates a chain backed by db, recovering tip state if the database
// already holds one.
func New(db storage.DB, engine consensus.Engine, params config.NetworkParams) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("consensus engine is nil")
	}

	blocks := NewBlockStore(db)
	utxoEngine := utxo.NewEngine(db)

	tipHash, height, supply, work, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}

	var genesisHash types.Hash
	if genBlk, err := blocks.GetBlockByHeight(0); err == nil {
		genesisHash = genBlk.Hash()
	}

	ch := &Chain{
		state:       &State{TipHash: tipHash, Height: height, Supply: supply, CumulativeWork: work},
		blocks:      blocks,
		utxos:       utxoEngine,
		engine:      engine,
		params:      params,
		genesisHash: genesisHash,
	}
	ch.validator = consensus.NewValidator(engine, params, utxoEngine.Store(), consensus.ChainContext{
		AncestorTimestamps: ch.ancestorTimestamps,
		RetargetTimestamp:  ch.retargetTimestamp,
	})

	// If the node crashed mid-reorg, the UTXO set may be inconsistent with
	// the persisted tip. Rebuild it from the canonical chain on disk.
	if _, found := blocks.GetReorgCheckpoint(); found {
		if err := ch.RebuildUTXOs(); err != nil {
			return nil, fmt.Errorf("recover from interrupted reorg: %w", err)
		}
	}

	return ch, nil
}

// InitFromGenesis initializes a fresh chain from genesis configuration.
// Returns an error if the chain already has blocks.
func (c *Chain) InitFromGenesis(gen *config.Genesis) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}

	blk, err := CreateGenesisBlock(gen)
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}

	// Genesis bypasses the Consensus Validator (no parent to check against):
	// store it and apply its coinbase directly.
	if err := c.utxos.ApplyBlock(blk, 0); err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	if err := c.blocks.PutBlock(blk); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}

	var supply uint64
	for _, v := range gen.Alloc {
		supply += v
	}
	if err := c.blocks.PutBlockReward(blk.Hash(), supply); err != nil {
		return fmt.Errorf("store genesis reward: %w", err)
	}

	hash := blk.Hash()
	c.state.TipHash = hash
	c.state.Height = 0
	c.state.Supply = supply
	c.state.TipTimestamp = blk.Header.Timestamp
	c.state.CumulativeWork = big.NewInt(0)
	c.genesisHash = hash
	c.maxSupply = gen.Protocol.Consensus.MaxSupply

	if err := c.blocks.SetBestBlock(hash, 0, supply, c.state.CumulativeWork); err != nil {
		return fmt.Errorf("set genesis tip: %w", err)
	}
	return nil
}

// SetConsensusRules configures the supply cap for runtime validation. Call
// on startup for both fresh and resumed chains.
func (c *Chain) SetConsensusRules(r config.ConsensusRules) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSupply = r.MaxSupply
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.state
}

// GetBlock retrieves a block by its hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, error) {
	return c.blocks.GetBlock(hash)
}

// GetBlockByHeight retrieves a block by its height.
func (c *Chain) GetBlockByHeight(height uint64) (*block.Block, error) {
	return c.blocks.GetBlockByHeight(height)
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TipHash
}

// TipTimestamp returns the timestamp of the current chain tip, satisfying
// the ChainState interface internal/miner and internal/dispatcher build
// block templates against.
func (c *Chain) TipTimestamp() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TipTimestamp
}

// Supply returns the total coins in circulation.
func (c *Chain) Supply() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Supply
}

// UTXOs returns the UTXO State Engine backing this chain.
func (c *Chain) UTXOs() *utxo.Engine {
	return c.utxos
}

// UTXOCommitment returns a merkle commitment over the current UTXO set —
// the get_utxo_snapshot digest a light client or new-node bootstrap would
// compare against to confirm it isn't being fed a forged state.
func (c *Chain) UTXOCommitment() (types.Hash, error) {
	return utxo.Commitment(c.utxos.Store())
}

// SetRevertedTxHandler sets the callback for transactions reverted during a
// reorg — for mempool re-insertion of transactions not present in the new
// branch.
func (c *Chain) SetRevertedTxHandler(fn RevertedTxHandler) {
	c.revertedTxHandler = fn
}

// ancestorTimestamps implements consensus.ChainContext.AncestorTimestamps:
// walks back from parent (inclusive) up to n headers, closest first.
func (c *Chain) ancestorTimestamps(parent *block.Header, n int) ([]uint64, error) {
	if parent == nil {
		return nil, nil
	}
	out := make([]uint64, 0, n)
	height := parent.Height
	for i := 0; i < n; i++ {
		blk, err := c.blocks.GetBlockByHeight(height)
		if err != nil {
			break // Ran past genesis; return what we have.
		}
		out = append(out, blk.Header.Timestamp)
		if height == 0 {
			break
		}
		height--
	}
	return out, nil
}

// retargetTimestamp implements consensus.ChainContext.RetargetTimestamp.
func (c *Chain) retargetTimestamp(height uint64) (uint64, error) {
	blk, err := c.blocks.GetBlockByHeight(height)
	if err != nil {
		return 0, err
	}
	return blk.Header.Timestamp, nil
}

// RebuildUTXOs clears the UTXO set and replays every block from genesis to
// the current tip, reconstructing UTXO state and cumulative work. Used to
// recover from a crash during reorg, where the UTXO set may be left
// inconsistent with the persisted tip.
func (c *Chain) RebuildUTXOs() error {
	if err := c.utxos.Store().ClearAll(); err != nil {
		return fmt.Errorf("clear utxo set: %w", err)
	}

	var supply uint64
	work := big.NewInt(0)
	var tipHash types.Hash
	var tipTimestamp uint64

	for h := uint64(0); h <= c.state.Height; h++ {
		blk, err := c.blocks.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block at height %d: %w", h, err)
		}
		if err := c.utxos.ApplyBlock(blk, h); err != nil {
			return fmt.Errorf("replay block at height %d: %w", h, err)
		}

		reward, err := c.blocks.GetBlockReward(blk.Hash())
		if err != nil {
			return fmt.Errorf("block %d reward: %w", h, err)
		}
		supply += reward

		if h > 0 {
			w, err := codec.BlockWork(blk.Header.Bits)
			if err != nil {
				return fmt.Errorf("block %d work: %w", h, err)
			}
			work.Add(work, w)
		}

		tipHash = blk.Hash()
		tipTimestamp = blk.Header.Timestamp
	}

	c.state.TipHash = tipHash
	c.state.Supply = supply
	c.state.CumulativeWork = work
	c.state.TipTimestamp = tipTimestamp

	if err := c.blocks.SetBestBlock(tipHash, c.state.Height, supply, work); err != nil {
		return fmt.Errorf("set tip after rebuild: %w", err)
	}
	if err := c.blocks.DeleteReorgCheckpoint(); err != nil {
		return fmt.Errorf("delete reorg checkpoint: %w", err)
	}
	return nil
}

// GetTransaction looks up a confirmed transaction by hash via the tx index.
func (c *Chain) GetTransaction(hash types.Hash) (*tx.Transaction, error) {
	return c.blocks.GetTransaction(hash)
}
