package dispatcher

import (
	"testing"
	"time"

	"github.com/smellycoin/smellycoin/pkg/tx"
	"github.com/smellycoin/smellycoin/pkg/types"
)

func testCoinbaseTemplate(extranonceOffset, extranonceLen int) *tx.Transaction {
	sig := make([]byte, extranonceOffset+extranonceLen)
	for i := 0; i < extranonceOffset; i++ {
		sig[i] = byte(i + 1) // Stand-in for the height bytes.
	}
	return &tx.Transaction{
		Version: 1,
		Inputs: []tx.Input{{
			PrevOut:   types.Outpoint{},
			Signature: sig,
		}},
		Outputs: []tx.Output{{
			Value:  5_000_000_000,
			Script: types.Script{Type: types.ScriptTypeP2PKH, Data: []byte{0xaa, 0xbb}},
		}},
	}
}

func TestJob_SpliceCoinbase_WritesExtranonceInPlace(t *testing.T) {
	template := testCoinbaseTemplate(8, 8)
	job := &Job{
		CoinbaseTemplate: template,
		ExtranonceOffset: 8,
		ExtranonceLen:    8,
	}

	extranonce := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	spliced, err := job.SpliceCoinbase(extranonce)
	if err != nil {
		t.Fatalf("SpliceCoinbase: %v", err)
	}

	got := spliced.Inputs[0].Signature[8:16]
	for i, b := range got {
		if b != extranonce[i] {
			t.Fatalf("splice byte %d = %x, want %x", i, b, extranonce[i])
		}
	}
	// The height prefix before the placeholder must survive untouched.
	for i := 0; i < 8; i++ {
		if spliced.Inputs[0].Signature[i] != template.Inputs[0].Signature[i] {
			t.Fatalf("splice clobbered prefix byte %d", i)
		}
	}
	// The template itself must be unmodified (SpliceCoinbase clones).
	for i := 8; i < 16; i++ {
		if template.Inputs[0].Signature[i] != 0 {
			t.Fatalf("SpliceCoinbase mutated the shared template")
		}
	}
}

func TestJob_SpliceCoinbase_WrongLengthRejected(t *testing.T) {
	job := &Job{
		CoinbaseTemplate: testCoinbaseTemplate(8, 8),
		ExtranonceOffset: 8,
		ExtranonceLen:    8,
	}
	if _, err := job.SpliceCoinbase([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for wrong extranonce length")
	}
}

func TestJob_MerkleRoot_SingleTxEqualsCoinbaseHash(t *testing.T) {
	job := &Job{
		CoinbaseTemplate: testCoinbaseTemplate(8, 8),
		ExtranonceOffset: 8,
		ExtranonceLen:    8,
		MerkleBranches:   nil,
	}
	coinbase, err := job.SpliceCoinbase(make([]byte, 8))
	if err != nil {
		t.Fatalf("SpliceCoinbase: %v", err)
	}
	root := job.MerkleRoot(coinbase)
	if root != coinbase.Hash() {
		t.Fatalf("single-tx merkle root should equal the coinbase hash")
	}
}

func TestJobStore_Add_MarksSupersededOnTipChange(t *testing.T) {
	store := NewJobStore(0)

	job1 := &Job{ID: store.NextID(), PrevHash: types.Hash{1}}
	store.Add(job1)
	if job1.Superseded() {
		t.Fatal("first job at a fresh tip should not be superseded")
	}
	if !job1.CleanFlag {
		t.Fatal("first job at a fresh tip should set clean_flag")
	}

	job2 := &Job{ID: store.NextID(), PrevHash: types.Hash{1}}
	store.Add(job2)
	if job1.Superseded() {
		t.Fatal("a same-tip refresh must not supersede prior jobs")
	}
	if job2.CleanFlag {
		t.Fatal("a same-tip refresh must not set clean_flag")
	}

	job3 := &Job{ID: store.NextID(), PrevHash: types.Hash{2}}
	store.Add(job3)
	if !job1.Superseded() || !job2.Superseded() {
		t.Fatal("a tip change must supersede every prior resident job")
	}
	if !job3.CleanFlag {
		t.Fatal("the job that changes tip must set clean_flag")
	}
}

func TestJobStore_Add_EvictsOldestPastMaxJobs(t *testing.T) {
	store := NewJobStore(2)
	job1 := &Job{ID: store.NextID(), PrevHash: types.Hash{1}}
	job2 := &Job{ID: store.NextID(), PrevHash: types.Hash{1}}
	job3 := &Job{ID: store.NextID(), PrevHash: types.Hash{1}}
	store.Add(job1)
	store.Add(job2)
	store.Add(job3)

	if _, ok := store.Get(job1.ID); ok {
		t.Fatal("oldest job should have been evicted past maxJobs")
	}
	if _, ok := store.Get(job3.ID); !ok {
		t.Fatal("most recent job should still be resident")
	}
}

func TestJobStore_Current_ReturnsMostRecent(t *testing.T) {
	store := NewJobStore(0)
	job1 := &Job{ID: store.NextID(), PrevHash: types.Hash{1}, CreatedAt: time.Now()}
	store.Add(job1)
	job2 := &Job{ID: store.NextID(), PrevHash: types.Hash{1}, CreatedAt: time.Now()}
	store.Add(job2)

	cur, ok := store.Current()
	if !ok || cur.ID != job2.ID {
		t.Fatalf("Current() = %v, want %s", cur, job2.ID)
	}
}
