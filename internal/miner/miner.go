// Package miner implements block template construction and sealing for
// kawpowd: the shared template-building logic behind both standalone block
// production and the Work Dispatcher's stratum job generation.
package miner

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/smellycoin/smellycoin/config"
	"github.com/smellycoin/smellycoin/internal/consensus"
	"github.com/smellycoin/smellycoin/pkg/block"
	"github.com/smellycoin/smellycoin/pkg/tx"
	"github.com/smellycoin/smellycoin/pkg/types"
)

// ChainState provides read-only access to the current chain state.
type ChainState interface {
	Height() uint64
	TipHash() types.Hash
	TipTimestamp() uint64
}

// MempoolSelector selects transactions for block inclusion.
type MempoolSelector interface {
	SelectForBlock(limit int) []*tx.Transaction
	GetFee(txHash types.Hash) uint64
}

// SupplyFunc returns the current total coin supply.
type SupplyFunc func() uint64

// Miner builds and seals block templates against the KAWPOW engine.
type Miner struct {
	chain        ChainState
	engine       consensus.Engine
	pool         MempoolSelector
	coinbaseAddr types.Address
	params       config.NetworkParams
	maxSupply    uint64     // 0 = unlimited
	supplyFn     SupplyFunc // nil = no cap check
	maxBlockTxs  int
}

// New creates a Miner for the given network, paying block rewards to
// coinbaseAddr. maxSupply (0 = unlimited) and supplyFn (nil = no cap check)
// together bound newly-minted coins the same way chain.Chain does.
func New(chain ChainState, engine consensus.Engine, pool MempoolSelector,
	coinbaseAddr types.Address, params config.NetworkParams, maxSupply uint64, supplyFn SupplyFunc) *Miner {
	return &Miner{
		chain:        chain,
		engine:       engine,
		pool:         pool,
		coinbaseAddr: coinbaseAddr,
		params:       params,
		maxSupply:    maxSupply,
		supplyFn:     supplyFn,
		maxBlockTxs:  params.MaxBlockTxs,
	}
}

// ProduceBlock builds, seals, and returns a new block using the current
// time. The block is NOT applied to the chain — the caller passes it to
// Chain.ProcessBlock.
func (m *Miner) ProduceBlock() (*block.Block, error) {
	return m.produceBlock(context.Background(), uint64(time.Now().Unix()))
}

// ProduceBlockAt builds, seals, and returns a new block with the given
// timestamp, bumped to at least parentTimestamp+1 to guarantee monotonicity.
func (m *Miner) ProduceBlockAt(timestamp uint64) (*block.Block, error) {
	return m.produceBlock(context.Background(), timestamp)
}

// ProduceBlockCtx builds and seals a block with cancellation support: when
// ctx is cancelled, PoW sealing stops immediately.
func (m *Miner) ProduceBlockCtx(ctx context.Context) (*block.Block, error) {
	return m.produceBlock(ctx, uint64(time.Now().Unix()))
}

// BuildTemplate assembles an unsealed block (header + coinbase + selected
// transactions) without running PoW — the shape the Work Dispatcher hands
// out as a stratum job, leaving the nonce search to connected miners.
func (m *Miner) BuildTemplate(timestamp uint64) (*block.Block, error) {
	if parentTS := m.chain.TipTimestamp(); timestamp <= parentTS {
		timestamp = parentTS + 1
	}

	selected, totalFees := m.selectTransactions()
	reward := m.cappedSubsidy(m.chain.Height() + 1)

	coinbase := BuildCoinbase(m.coinbaseAddr, reward+totalFees, m.chain.Height()+1)
	txs := make([]*tx.Transaction, 0, 1+len(selected))
	txs = append(txs, coinbase)
	txs = append(txs, selected...)

	txHashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		txHashes[i] = t.Hash()
	}
	merkle := block.ComputeMerkleRoot(txHashes)

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   m.chain.TipHash(),
		MerkleRoot: merkle,
		Timestamp:  timestamp,
		Height:     m.chain.Height() + 1,
	}
	if err := m.engine.Prepare(header); err != nil {
		return nil, fmt.Errorf("prepare header: %w", err)
	}

	return block.NewBlock(header, txs), nil
}

func (m *Miner) selectTransactions() ([]*tx.Transaction, uint64) {
	var selected []*tx.Transaction
	var totalFees uint64
	if m.pool != nil {
		selected = m.pool.SelectForBlock(m.maxBlockTxs - 1) // Reserve a slot for coinbase.
		for _, t := range selected {
			totalFees += m.pool.GetFee(t.Hash())
		}
	}

	// Sort non-coinbase transactions by hash ascending (canonical order).
	sort.Slice(selected, func(i, j int) bool {
		hi, hj := selected[i].Hash(), selected[j].Hash()
		return bytes.Compare(hi[:], hj[:]) < 0
	})

	return selected, totalFees
}

// cappedSubsidy returns the height's block subsidy, capped so minting never
// pushes total supply past the network's configured maximum.
func (m *Miner) cappedSubsidy(height uint64) uint64 {
	reward := m.params.Subsidy(height)
	if m.maxSupply == 0 || m.supplyFn == nil {
		return reward
	}
	currentSupply := m.supplyFn()
	if currentSupply >= m.maxSupply {
		return 0
	}
	if currentSupply+reward > m.maxSupply {
		return m.maxSupply - currentSupply
	}
	return reward
}

func (m *Miner) produceBlock(ctx context.Context, timestamp uint64) (*block.Block, error) {
	blk, err := m.BuildTemplate(timestamp)
	if err != nil {
		return nil, err
	}

	if pow, ok := m.engine.(*consensus.KawpowEngine); ok {
		if err := pow.SealWithCancel(ctx, blk); err != nil {
			return nil, fmt.Errorf("seal block: %w", err)
		}
	} else {
		if err := m.engine.Seal(blk); err != nil {
			return nil, fmt.Errorf("seal block: %w", err)
		}
	}

	return blk, nil
}

// BuildCoinbase creates a coinbase transaction paying reward (subsidy plus
// recycled fees) to addr. The block height is encoded in the coinbase
// input's signature field so that two coinbases paying the same address at
// different heights still hash to distinct transaction IDs.
func BuildCoinbase(addr types.Address, reward, height uint64) *tx.Transaction {
	heightBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(heightBytes, height)

	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{}, // Zero outpoint marks coinbase.
			Signature: heightBytes,
		}},
		Outputs: []tx.Output{{
			Value: reward,
			Script: types.Script{
				Type: types.ScriptTypeP2PKH,
				Data: addr[:],
			},
		}},
	}
}
