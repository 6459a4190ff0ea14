package utxo

import (
	"encoding/json"
	"fmt"

	"github.com/smellycoin/smellycoin/internal/storage"
	"github.com/smellycoin/smellycoin/pkg/block"
	"github.com/smellycoin/smellycoin/pkg/types"
)

// prefixJournal indexes undo entries by block hash: "j/" + hash(32) -> JSON.
var prefixJournal = []byte("j/")

// undoEntry records everything ApplyBlock did to the UTXO set for one
// block, so RevertBlock can exactly undo it. Spent holds the UTXOs that
// existed before the block consumed them (so they can be recreated
// verbatim); Created holds the outpoints the block added (so they can be
// deleted).
type undoEntry struct {
	Height  uint64          `json:"height"`
	Spent   []*UTXO         `json:"spent"`
	Created []types.Outpoint `json:"created"`
}

// Engine is the UTXO State Engine: it applies and reverts whole blocks
// against a UTXO Store, maintaining a per-block undo journal so a reorg
// can roll the set back to any ancestor without a full rebuild.
type Engine struct {
	store *Store
	db    storage.DB
}

// NewEngine creates a UTXO State Engine backed by db.
func NewEngine(db storage.DB) *Engine {
	return &Engine{store: NewStore(db), db: db}
}

// Store returns the underlying UTXO Store (read access, address lookups).
func (e *Engine) Store() *Store {
	return e.store
}

func journalKey(blockHash types.Hash) []byte {
	key := make([]byte, len(prefixJournal)+types.HashSize)
	copy(key, prefixJournal)
	copy(key[len(prefixJournal):], blockHash[:])
	return key
}

// ApplyBlock spends every non-coinbase input's referenced UTXO and creates
// a new UTXO for every output in blk, recording an undo journal entry
// keyed by the block's header hash. height is the block's chain height.
//
// Inputs are assumed already validated (pkg/tx.ValidateWithUTXOs / the
// Consensus Validator) — ApplyBlock does not re-check script or value
// correctness, only mutates state.
//
// Every mutation — spent-input deletes, output creates, and the undo
// journal entry — is staged against a single storage.Batch and applied
// with one Commit, so a failure partway through (an input that turns out
// not to exist, a marshal error) leaves the UTXO set untouched instead of
// half-mutated: spec.md §4.4 step 3's "on any failure, the partial changes
// are rolled back and the block is rejected" otherwise has nothing to roll
// back to, since individual Put/Delete calls land immediately.
func (e *Engine) ApplyBlock(blk *block.Block, height uint64) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("utxo apply: nil block")
	}

	batcher, ok := e.db.(storage.Batcher)
	if !ok {
		return fmt.Errorf("utxo apply: storage backend does not support atomic batches")
	}
	batch := batcher.NewBatch()

	undo := undoEntry{Height: height}

	for i, t := range blk.Transactions {
		isCoinbase := i == 0
		for _, in := range t.Inputs {
			if isCoinbase && in.PrevOut.IsZero() {
				continue
			}
			spent, err := e.store.Get(in.PrevOut)
			if err != nil {
				return fmt.Errorf("utxo apply: input %s:%d not found: %w", in.PrevOut.TxID, in.PrevOut.Index, err)
			}
			if err := e.store.DeleteBatch(batch, spent); err != nil {
				return fmt.Errorf("utxo apply: delete %s:%d: %w", in.PrevOut.TxID, in.PrevOut.Index, err)
			}
			undo.Spent = append(undo.Spent, spent)
		}

		txID := t.Hash()
		for idx, out := range t.Outputs {
			op := types.Outpoint{TxID: txID, Index: uint32(idx)}
			u := &UTXO{
				Outpoint: op,
				Value:    out.Value,
				Script:   out.Script,
				Height:   height,
				Coinbase: isCoinbase,
			}
			if err := e.store.PutBatch(batch, u); err != nil {
				return fmt.Errorf("utxo apply: put %s:%d: %w", txID, idx, err)
			}
			undo.Created = append(undo.Created, op)
		}
	}

	data, err := json.Marshal(undo)
	if err != nil {
		return fmt.Errorf("utxo apply: marshal undo entry: %w", err)
	}
	if err := batch.Put(journalKey(blk.Header.Hash()), data); err != nil {
		return fmt.Errorf("utxo apply: stage undo entry: %w", err)
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("utxo apply: commit batch: %w", err)
	}
	return nil
}

// RevertBlock undoes ApplyBlock for blk: every output the block created is
// deleted, and every UTXO it spent is restored from the undo journal. The
// journal entry is removed once the revert completes. Staged and committed
// as a single batch for the same all-or-nothing reason as ApplyBlock — a
// reorg that fails partway through a revert must not leave the UTXO set
// between states.
func (e *Engine) RevertBlock(blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("utxo revert: nil block")
	}

	key := journalKey(blk.Header.Hash())
	data, err := e.db.Get(key)
	if err != nil {
		return fmt.Errorf("utxo revert: no undo entry for block %s: %w", blk.Header.Hash(), err)
	}
	var undo undoEntry
	if err := json.Unmarshal(data, &undo); err != nil {
		return fmt.Errorf("utxo revert: unmarshal undo entry: %w", err)
	}

	batcher, ok := e.db.(storage.Batcher)
	if !ok {
		return fmt.Errorf("utxo revert: storage backend does not support atomic batches")
	}
	batch := batcher.NewBatch()

	for _, op := range undo.Created {
		u, err := e.store.Get(op)
		if err != nil {
			return fmt.Errorf("utxo revert: load created %s:%d: %w", op.TxID, op.Index, err)
		}
		if err := e.store.DeleteBatch(batch, u); err != nil {
			return fmt.Errorf("utxo revert: delete created %s:%d: %w", op.TxID, op.Index, err)
		}
	}
	for _, u := range undo.Spent {
		if err := e.store.PutBatch(batch, u); err != nil {
			return fmt.Errorf("utxo revert: restore %s:%d: %w", u.Outpoint.TxID, u.Outpoint.Index, err)
		}
	}

	if err := batch.Delete(key); err != nil {
		return fmt.Errorf("utxo revert: stage undo entry delete: %w", err)
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("utxo revert: commit batch: %w", err)
	}
	return nil
}

// HasUndo reports whether an undo journal entry exists for blockHash —
// used to detect partially-applied reorgs on crash recovery.
func (e *Engine) HasUndo(blockHash types.Hash) (bool, error) {
	return e.db.Has(journalKey(blockHash))
}

// PruneUndo discards the undo journal entry for blockHash. Called once a
// block is deep enough that the chain can no longer reorg past it
// (height plus the network's max reorg depth).
func (e *Engine) PruneUndo(blockHash types.Hash) error {
	return e.db.Delete(journalKey(blockHash))
}

// TotalValue sums the value of every UTXO currently in the set. Used as a
// sanity check against the expected circulating supply at a given height.
func (e *Engine) TotalValue() (uint64, error) {
	var total uint64
	err := e.store.ForEach(func(u *UTXO) error {
		if total > ^uint64(0)-u.Value {
			return fmt.Errorf("utxo total value overflow")
		}
		total += u.Value
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
