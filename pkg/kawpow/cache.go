package kawpow

import (
	"encoding/binary"
	"errors"
	"runtime"
	"sync"

	"github.com/smellycoin/smellycoin/pkg/types"
	"golang.org/x/crypto/sha3"
)

// ErrCacheGeneration is returned when light-cache construction fails.
var ErrCacheGeneration = errors.New("kawpow: cache generation failed")

func keccak256(parts ...[]byte) types.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var out types.Hash
	h.Sum(out[:0])
	return out
}

// Seed computes seed(epoch): seed_0 = 0^32, seed_e = Keccak256(seed_{e-1}).
func Seed(epoch uint64) types.Hash {
	var seed types.Hash
	for e := uint64(0); e < epoch; e++ {
		seed = keccak256(seed[:])
	}
	return seed
}

// BuildCache constructs the light cache for a given seed per the params'
// CacheSize. The initial item chain is intrinsically sequential (each item
// hashes the previous one); the three mixing rounds are computed from a
// read-snapshot of the prior round so each round's N item updates are
// independent of each other and safe to run in parallel.
func BuildCache(seed types.Hash, params Params) ([]byte, error) {
	n := params.CacheItems()
	if n <= 0 {
		return nil, ErrCacheGeneration
	}
	cache := make([]byte, params.CacheSize)

	// Serial Keccak chain: item_0 = Keccak256(seed), item_i = Keccak256(item_{i-1}).
	item := keccak256(seed[:])
	copy(cache[0:32], item[:])
	for i := 1; i < n; i++ {
		item = keccak256(item[:])
		copy(cache[i*64:i*64+32], item[:])
	}

	// Three rounds of mixing, each computed from a snapshot of the
	// previous round so the per-item updates within a round are
	// order-independent.
	prev := make([]byte, len(cache))
	for round := 0; round < 3; round++ {
		copy(prev, cache)
		if err := mixRound(cache, prev, n); err != nil {
			return nil, err
		}
	}

	return cache, nil
}

// mixRound computes one mixing round into dst, reading only from src (the
// prior round's snapshot), distributing the N independent item updates
// across a worker pool.
func mixRound(dst, src []byte, n int) error {
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	chunk := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if start >= n {
			break
		}
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				r := int(binary.LittleEndian.Uint32(src[i*64:i*64+4])) % n
				prevIdx := (i + n - 1) % n
				digest := keccak256(src[prevIdx*64:prevIdx*64+32], src[r*64:r*64+32])
				copy(dst[i*64:i*64+32], digest[:])
			}
		}(start, end)
	}
	wg.Wait()
	return nil
}

// CacheStore holds epoch-keyed light caches as shared immutable state.
// Construction is idempotent: concurrent builds for the same epoch are
// allowed, the last write wins, and that's safe because results are equal
// by determinism. Retention keeps at least the two most recently used
// epochs resident, covering a block that straddles an epoch boundary
// together with its immediate predecessor during a reorg.
type CacheStore struct {
	params Params

	mu      sync.RWMutex
	caches  map[uint64][]byte
	maxKeep int
	order   []uint64 // least-to-most-recently-touched epoch keys.
}

// NewCacheStore creates a cache store bounded to keep at least maxKeep
// epochs resident (minimum 2).
func NewCacheStore(params Params, maxKeep int) *CacheStore {
	if maxKeep < 2 {
		maxKeep = 2
	}
	return &CacheStore{
		params:  params,
		caches:  make(map[uint64][]byte),
		maxKeep: maxKeep,
	}
}

// Get returns the light cache for an epoch, building it if not already
// resident.
func (s *CacheStore) Get(epoch uint64) ([]byte, error) {
	s.mu.RLock()
	if c, ok := s.caches[epoch]; ok {
		s.mu.RUnlock()
		s.touch(epoch)
		return c, nil
	}
	s.mu.RUnlock()

	seed := Seed(epoch)
	cache, err := BuildCache(seed, s.params)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.caches[epoch] = cache
	s.mu.Unlock()
	s.touch(epoch)
	s.evict()

	return cache, nil
}

func (s *CacheStore) touch(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.order {
		if e == epoch {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append(s.order, epoch)
}

func (s *CacheStore) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.order) > s.maxKeep {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.caches, oldest)
	}
}
