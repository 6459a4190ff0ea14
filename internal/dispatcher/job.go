package dispatcher

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/smellycoin/smellycoin/pkg/block"
	"github.com/smellycoin/smellycoin/pkg/tx"
	"github.com/smellycoin/smellycoin/pkg/types"
)

// Job is a unit of work handed to miner sessions: everything needed to
// reconstruct and seal a candidate header without re-deriving it from the
// full transaction list on every submission (spec.md §3 "Mining job",
// §9 "Merkle branch caching").
//
// CoinbaseTemplate's sole input's Signature field carries the block
// height followed by a zeroed placeholder exactly ExtranonceLen bytes
// wide, starting at ExtranonceOffset — the splice point spec.md §9 calls
// out as needing byte-exact tracking to avoid off-by-one coinbase-hash
// bugs. CoinbasePrefix/CoinbaseSuffix are that same template's
// signing bytes split around the placeholder, precomputed once for the
// notify wire message (spec.md §6).
type Job struct {
	ID               string
	PrevHash         types.Hash
	CoinbaseTemplate *tx.Transaction
	ExtranonceOffset int
	ExtranonceLen    int
	CoinbasePrefix   []byte
	CoinbaseSuffix   []byte
	MerkleBranches   []types.Hash
	Transactions     []*tx.Transaction // Non-coinbase transactions, in block order.
	Version          uint32
	Bits             uint32
	Target           types.Hash
	Time             uint64
	Height           uint64
	CleanFlag        bool
	CreatedAt        time.Time

	mu         sync.Mutex
	superseded bool
}

// MarkSuperseded flags the job stale: a later clean job has since been
// issued at a new tip (spec.md §4.6 "Prior jobs... remain valid until
// superseded").
func (j *Job) MarkSuperseded() {
	j.mu.Lock()
	j.superseded = true
	j.mu.Unlock()
}

// Superseded reports whether a later clean job has replaced this one.
func (j *Job) Superseded() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.superseded
}

// SpliceCoinbase clones the job's coinbase template with extranonce
// written into the reserved placeholder region, ready for hashing and
// final-block assembly.
func (j *Job) SpliceCoinbase(extranonce []byte) (*tx.Transaction, error) {
	if len(extranonce) != j.ExtranonceLen {
		return nil, fmt.Errorf("extranonce length %d, want %d", len(extranonce), j.ExtranonceLen)
	}
	sig := make([]byte, len(j.CoinbaseTemplate.Inputs[0].Signature))
	copy(sig, j.CoinbaseTemplate.Inputs[0].Signature)
	copy(sig[j.ExtranonceOffset:j.ExtranonceOffset+j.ExtranonceLen], extranonce)

	cb := *j.CoinbaseTemplate
	in := j.CoinbaseTemplate.Inputs[0]
	in.Signature = sig
	cb.Inputs = []tx.Input{in}
	return &cb, nil
}

// MerkleRoot folds the coinbase leaf (for the given extranonce splice)
// through the job's cached branches.
func (j *Job) MerkleRoot(coinbase *tx.Transaction) types.Hash {
	return block.FoldMerkleBranch(coinbase.Hash(), j.MerkleBranches)
}

// JobStore owns the dispatcher's resident job set: creation, lookup,
// staleness marking on tip changes, and a bound on how many jobs stay
// resident (spec.md §3 "Mining job" lifetime: expired by age, superseded
// by a new clean job at greater height, or evicted past max-jobs). Past
// maxJobs the oldest-added job is evicted first; Get does not change a
// job's eviction order.
type JobStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string // oldest-first insertion order, for eviction.
	maxJobs int
	counter uint64
	lastTip types.Hash
}

// NewJobStore creates a job store retaining at most maxJobs resident jobs.
func NewJobStore(maxJobs int) *JobStore {
	if maxJobs <= 0 {
		maxJobs = 64
	}
	return &JobStore{
		jobs:    make(map[string]*Job),
		maxJobs: maxJobs,
	}
}

// Add inserts a new job. When the job's PrevHash differs from the last tip
// this store saw, every currently resident job is marked superseded
// (spec.md §4.6: "clean_flag = true if the previous tip changed; miners
// must discard stale work") and job.CleanFlag is set; same-tip refreshes
// (e.g. a mempool-driven refresh with no new block) leave prior jobs valid
// and clean_flag false.
func (s *JobStore) Add(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.PrevHash != s.lastTip {
		for _, existing := range s.jobs {
			existing.MarkSuperseded()
		}
		job.CleanFlag = true
		s.lastTip = job.PrevHash
	}

	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)

	for len(s.order) > s.maxJobs {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.jobs, oldest)
	}
}

// Get looks up a job by ID.
func (s *JobStore) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// NextID returns a fresh, monotonically increasing job ID.
func (s *JobStore) NextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return strconv.FormatUint(s.counter, 16)
}

// Current returns the most recently added job still resident, if any —
// the job newly subscribed/authorized sessions are handed immediately.
func (s *JobStore) Current() (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil, false
	}
	id := s.order[len(s.order)-1]
	j, ok := s.jobs[id]
	return j, ok
}
