package chain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/smellycoin/smellycoin/internal/storage"
	"github.com/smellycoin/smellycoin/pkg/block"
	"github.com/smellycoin/smellycoin/pkg/tx"
	"github.com/smellycoin/smellycoin/pkg/types"
)

// Key prefixes and state keys for the block store.
var (
	prefixBlock  = []byte("b/") // b/<hash(32)> -> block JSON
	prefixHeight = []byte("h/") // h/<height(8)> -> hash(32)
	prefixTx     = []byte("x/") // x/<txhash(32)> -> height(8) + blockHash(32)
	prefixReward = []byte("r/") // r/<hash(32)> -> blockReward(8)

	keyTipHash         = []byte("s/tip")
	keyHeight          = []byte("s/height")
	keySupply          = []byte("s/supply")
	keyCumWork         = []byte("s/cumwork")
	keyReorgCheckpoint = []byte("s/reorg")
)

// BlockStore persists blocks and chain metadata to a storage.DB, and
// implements the BlockStore contract the Consensus Validator and reorg
// logic consume: store_block/get_block/has_block/get_block_hash,
// best_block_hash/best_block_height/set_best_block,
// blocks_by_height_range, get_transaction/get_transaction_block.
// get_utxo_snapshot and update_utxo live on Chain instead (they cross into
// the UTXO State Engine's keyspace on the same underlying storage.DB).
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

// StoreBlock stores a block by its hash and indexes its transactions,
// without updating the height index or chain tip. Use this for blocks that
// are not (yet) on the active chain — e.g. a fork candidate awaiting reorg.
func (bs *BlockStore) StoreBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}
	hash := blk.Hash()
	if err := bs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	for _, t := range blk.Transactions {
		if err := bs.putTxIndex(t.Hash(), blk.Header.Height, hash); err != nil {
			return err
		}
	}
	return nil
}

// PutBlock stores a block and indexes it by hash, height, and tx hashes —
// the canonical-chain write path.
func (bs *BlockStore) PutBlock(blk *block.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}

	hash := blk.Hash()
	if err := bs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	if err := bs.db.Put(heightKey(blk.Header.Height), hash[:]); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}
	for _, t := range blk.Transactions {
		if err := bs.putTxIndex(t.Hash(), blk.Header.Height, hash); err != nil {
			return err
		}
	}
	return nil
}

func (bs *BlockStore) putTxIndex(txHash types.Hash, height uint64, blockHash types.Hash) error {
	val := make([]byte, 8+types.HashSize)
	binary.BigEndian.PutUint64(val[:8], height)
	copy(val[8:], blockHash[:])
	if err := bs.db.Put(txKey(txHash), val); err != nil {
		return fmt.Errorf("tx index put %s: %w", txHash, err)
	}
	return nil
}

// CommitBlock is the fast-path atomic write: block body, height index, tx
// index, and the advanced tip state in one batch when the backing store
// supports it (storage.Batcher), falling back to sequential writes
// otherwise.
func (bs *BlockStore) CommitBlock(blk *block.Block, height, supply uint64, work *big.Int, reward uint64) error {
	hash := blk.Hash()

	batcher, ok := bs.db.(storage.Batcher)
	if !ok {
		if err := bs.PutBlock(blk); err != nil {
			return err
		}
		if err := bs.PutBlockReward(hash, reward); err != nil {
			return err
		}
		return bs.SetBestBlock(hash, height, supply, work)
	}

	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}

	b := batcher.NewBatch()
	if err := b.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("batch block put: %w", err)
	}
	if err := b.Put(heightKey(blk.Header.Height), hash[:]); err != nil {
		return fmt.Errorf("batch height put: %w", err)
	}
	for _, t := range blk.Transactions {
		val := make([]byte, 8+types.HashSize)
		binary.BigEndian.PutUint64(val[:8], blk.Header.Height)
		copy(val[8:], hash[:])
		if err := b.Put(txKey(t.Hash()), val); err != nil {
			return fmt.Errorf("batch tx index put: %w", err)
		}
	}
	if err := b.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("batch tip hash put: %w", err)
	}
	var heightBuf, supplyBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], height)
	binary.BigEndian.PutUint64(supplyBuf[:], supply)
	if err := b.Put(keyHeight, heightBuf[:]); err != nil {
		return fmt.Errorf("batch height put: %w", err)
	}
	if err := b.Put(keySupply, supplyBuf[:]); err != nil {
		return fmt.Errorf("batch supply put: %w", err)
	}
	if err := b.Put(keyCumWork, work.Bytes()); err != nil {
		return fmt.Errorf("batch cumulative work put: %w", err)
	}
	var rewardBuf [8]byte
	binary.BigEndian.PutUint64(rewardBuf[:], reward)
	if err := b.Put(rewardKey(hash), rewardBuf[:]); err != nil {
		return fmt.Errorf("batch block reward put: %w", err)
	}
	return b.Commit()
}

// GetBlock retrieves a block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// GetBlockByHeight retrieves a block by its height.
func (bs *BlockStore) GetBlockByHeight(height uint64) (*block.Block, error) {
	hash, err := bs.GetBlockHash(height)
	if err != nil {
		return nil, err
	}
	return bs.GetBlock(hash)
}

// GetBlockHash returns the hash of the canonical-chain block at height.
func (bs *BlockStore) GetBlockHash(height uint64) (types.Hash, error) {
	hashBytes, err := bs.db.Get(heightKey(height))
	if err != nil {
		return types.Hash{}, fmt.Errorf("height index get: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, fmt.Errorf("corrupt height index: got %d bytes, want %d", len(hashBytes), types.HashSize)
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return hash, nil
}

// BlocksByHeightRange returns the canonical-chain blocks in [start, end]
// inclusive, in ascending height order.
func (bs *BlockStore) BlocksByHeightRange(start, end uint64) ([]*block.Block, error) {
	if end < start {
		return nil, fmt.Errorf("blocks by height range: end %d < start %d", end, start)
	}
	blocks := make([]*block.Block, 0, end-start+1)
	for h := start; h <= end; h++ {
		blk, err := bs.GetBlockByHeight(h)
		if err != nil {
			return nil, fmt.Errorf("blocks by height range: height %d: %w", h, err)
		}
		blocks = append(blocks, blk)
	}
	return blocks, nil
}

// HasBlock checks if a block exists by hash.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	return bs.db.Has(blockKey(hash))
}

// SetBestBlock persists the current chain tip hash, height, supply, and
// cumulative work.
func (bs *BlockStore) SetBestBlock(hash types.Hash, height, supply uint64, work *big.Int) error {
	if err := bs.db.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("set tip hash: %w", err)
	}
	var heightBuf, supplyBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], height)
	if err := bs.db.Put(keyHeight, heightBuf[:]); err != nil {
		return fmt.Errorf("set tip height: %w", err)
	}
	binary.BigEndian.PutUint64(supplyBuf[:], supply)
	if err := bs.db.Put(keySupply, supplyBuf[:]); err != nil {
		return fmt.Errorf("set supply: %w", err)
	}
	if work == nil {
		work = big.NewInt(0)
	}
	if err := bs.db.Put(keyCumWork, work.Bytes()); err != nil {
		return fmt.Errorf("set cumulative work: %w", err)
	}
	return nil
}

// GetTip returns the current chain tip hash, height, supply, and
// cumulative work. Returns zero values if no tip is set (fresh chain).
func (bs *BlockStore) GetTip() (types.Hash, uint64, uint64, *big.Int, error) {
	hashBytes, err := bs.db.Get(keyTipHash)
	if err != nil {
		return types.Hash{}, 0, 0, big.NewInt(0), nil // No tip yet.
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, 0, 0, nil, fmt.Errorf("corrupt tip hash: got %d bytes", len(hashBytes))
	}

	heightBytes, err := bs.db.Get(keyHeight)
	if err != nil {
		return types.Hash{}, 0, 0, nil, fmt.Errorf("tip height missing: %w", err)
	}
	if len(heightBytes) != 8 {
		return types.Hash{}, 0, 0, nil, fmt.Errorf("corrupt tip height: got %d bytes", len(heightBytes))
	}

	var supply uint64
	supplyBytes, err := bs.db.Get(keySupply)
	if err == nil && len(supplyBytes) == 8 {
		supply = binary.BigEndian.Uint64(supplyBytes)
	}

	work := big.NewInt(0)
	if workBytes, err := bs.db.Get(keyCumWork); err == nil {
		work.SetBytes(workBytes)
	}

	var hash types.Hash
	copy(hash[:], hashBytes)
	height := binary.BigEndian.Uint64(heightBytes)
	return hash, height, supply, work, nil
}

// BestBlockHash returns the current tip hash.
func (bs *BlockStore) BestBlockHash() types.Hash {
	hash, _, _, _, _ := bs.GetTip()
	return hash
}

// BestBlockHeight returns the current tip height.
func (bs *BlockStore) BestBlockHeight() uint64 {
	_, height, _, _, _ := bs.GetTip()
	return height
}

func rewardKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixReward)+types.HashSize)
	copy(key, prefixReward)
	copy(key[len(prefixReward):], hash[:])
	return key
}

// PutBlockReward records the newly-minted coin amount (coinbase value minus
// recycled fees) for a block, so a later partial reorg can subtract exactly
// that amount from circulating supply without needing to recompute fees
// against a UTXO set that has already moved on.
func (bs *BlockStore) PutBlockReward(hash types.Hash, reward uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], reward)
	return bs.db.Put(rewardKey(hash), buf[:])
}

// GetBlockReward returns the block reward recorded by PutBlockReward.
func (bs *BlockStore) GetBlockReward(hash types.Hash) (uint64, error) {
	data, err := bs.db.Get(rewardKey(hash))
	if err != nil {
		return 0, fmt.Errorf("block reward get: %w", err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt block reward entry: got %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// DeleteBlockReward removes the recorded reward for a block once it can no
// longer be reverted (reorg-pruned) or after a successful revert.
func (bs *BlockStore) DeleteBlockReward(hash types.Hash) error {
	return bs.db.Delete(rewardKey(hash))
}

// GetTransaction looks up a confirmed transaction by hash.
func (bs *BlockStore) GetTransaction(hash types.Hash) (*tx.Transaction, error) {
	_, blockHash, err := bs.GetTxLocation(hash)
	if err != nil {
		return nil, err
	}
	blk, err := bs.GetBlock(blockHash)
	if err != nil {
		return nil, fmt.Errorf("load block for tx: %w", err)
	}
	for _, t := range blk.Transactions {
		if t.Hash() == hash {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tx %s not found in block %s (index corrupt)", hash, blockHash)
}

// GetTransactionBlock returns the hash of the block containing the given
// transaction.
func (bs *BlockStore) GetTransactionBlock(hash types.Hash) (types.Hash, error) {
	_, blockHash, err := bs.GetTxLocation(hash)
	return blockHash, err
}

// GetTxLocation returns the block height and hash that contain the given transaction.
func (bs *BlockStore) GetTxLocation(txHash types.Hash) (uint64, types.Hash, error) {
	data, err := bs.db.Get(txKey(txHash))
	if err != nil {
		return 0, types.Hash{}, fmt.Errorf("tx index get: %w", err)
	}
	if len(data) != 8+types.HashSize {
		return 0, types.Hash{}, fmt.Errorf("corrupt tx index: got %d bytes, want %d", len(data), 8+types.HashSize)
	}
	height := binary.BigEndian.Uint64(data[:8])
	var blockHash types.Hash
	copy(blockHash[:], data[8:])
	return height, blockHash, nil
}

// DeleteTxIndex removes the transaction index entry for the given hash.
func (bs *BlockStore) DeleteTxIndex(txHash types.Hash) error {
	return bs.db.Delete(txKey(txHash))
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}

func txKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixTx)+types.HashSize)
	copy(key, prefixTx)
	copy(key[len(prefixTx):], hash[:])
	return key
}

// PutReorgCheckpoint writes a marker indicating a reorg is in progress.
// If the node crashes during reorg, this marker triggers UTXO recovery on restart.
func (bs *BlockStore) PutReorgCheckpoint(forkHeight uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], forkHeight)
	return bs.db.Put(keyReorgCheckpoint, buf[:])
}

// GetReorgCheckpoint returns the fork height and true if a reorg checkpoint exists.
func (bs *BlockStore) GetReorgCheckpoint() (uint64, bool) {
	data, err := bs.db.Get(keyReorgCheckpoint)
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

// DeleteReorgCheckpoint removes the reorg-in-progress marker.
func (bs *BlockStore) DeleteReorgCheckpoint() error {
	return bs.db.Delete(keyReorgCheckpoint)
}
