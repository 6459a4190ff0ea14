package storage

import "github.com/dgraph-io/badger/v4"

// Batch groups writes so they commit atomically. Callers that need to
// apply several key changes as one unit (e.g. the UTXO State Engine
// applying a block alongside its undo journal entry) should prefer a
// Batch over individual Put/Delete calls.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Batcher is implemented by DB backends that support atomic batches.
type Batcher interface {
	NewBatch() Batch
}

// badgerBatch adapts badger's WriteBatch to the Batch interface.
type badgerBatch struct {
	wb *badger.WriteBatch
}

// NewBatch returns a Batch backed by Badger's write-batch primitive.
func (b *BadgerDB) NewBatch() Batch {
	return &badgerBatch{wb: b.db.NewWriteBatch()}
}

func (bb *badgerBatch) Put(key, value []byte) error {
	return bb.wb.Set(key, value)
}

func (bb *badgerBatch) Delete(key []byte) error {
	return bb.wb.Delete(key)
}

func (bb *badgerBatch) Commit() error {
	return bb.wb.Flush()
}

// memoryBatch buffers writes and applies them to a MemoryDB on Commit.
type memoryBatch struct {
	db  *MemoryDB
	ops []memoryOp
}

type memoryOp struct {
	key   []byte
	value []byte // nil means delete
}

// NewBatch returns a Batch over the in-memory store. Not atomic with
// respect to concurrent readers (MemoryDB has no internal locking), but
// ensures writes land in call order.
func (m *MemoryDB) NewBatch() Batch {
	return &memoryBatch{db: m}
}

func (mb *memoryBatch) Put(key, value []byte) error {
	mb.ops = append(mb.ops, memoryOp{key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
	return nil
}

func (mb *memoryBatch) Delete(key []byte) error {
	mb.ops = append(mb.ops, memoryOp{key: append([]byte(nil), key...), value: nil})
	return nil
}

func (mb *memoryBatch) Commit() error {
	for _, op := range mb.ops {
		if op.value == nil {
			if err := mb.db.Delete(op.key); err != nil {
				return err
			}
			continue
		}
		if err := mb.db.Put(op.key, op.value); err != nil {
			return err
		}
	}
	return nil
}
