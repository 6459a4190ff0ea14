package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/smellycoin/smellycoin/config"
	"github.com/smellycoin/smellycoin/internal/klog"
	"github.com/smellycoin/smellycoin/pkg/block"
	"github.com/smellycoin/smellycoin/pkg/codec"
	"github.com/smellycoin/smellycoin/pkg/kawpow"
	"github.com/smellycoin/smellycoin/pkg/types"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrZeroBits         = errors.New("bits must be nonzero")
)

// KawpowEngine implements Engine with the KAWPOW proof-of-work algorithm
// (pkg/kawpow), verifying a header's nonce/mix against its own bits via an
// epoch-scoped light-cache store shared across calls.
type KawpowEngine struct {
	Params config.NetworkParams
	Caches *kawpow.CacheStore

	// NextBitsFn computes the bits a new header at this height should
	// carry. The node composition root wires this to the Difficulty
	// Controller (NextBits) plus chain-state lookups; if nil, Prepare
	// falls back to Params.MinDifficultyBits (only correct for a fresh
	// regtest chain's first block).
	NextBitsFn func(height uint64) (uint32, error)

	// Threads controls how many goroutines Seal/SealWithCancel use to
	// search the nonce space in parallel. 0 or 1 means single-threaded.
	Threads int
}

// NewKawpowEngine creates a KawpowEngine for the given network, with its
// own epoch light-cache store (retains the two most recently used epochs).
func NewKawpowEngine(params config.NetworkParams) *KawpowEngine {
	return &KawpowEngine{
		Params: params,
		Caches: kawpow.NewCacheStore(params.KAWPOW, 2),
	}
}

// VerifyHeader recomputes the KAWPOW mix/hash for header against the light
// cache for its epoch and checks the result meets header.Bits. It does not
// check that Bits itself is the chain's expected difficulty.
func (e *KawpowEngine) VerifyHeader(header *block.Header) error {
	if header.Bits == 0 {
		return ErrZeroBits
	}
	epoch := kawpow.Epoch(header.Height, e.Params.KAWPOW)
	cache, err := e.Caches.Get(epoch)
	if err != nil {
		return fmt.Errorf("kawpow cache: %w", err)
	}
	if _, err := kawpow.Verify(header.PowPreimage(), header.Nonce, header.MixHash, header.Bits, cache, e.Params.KAWPOW); err != nil {
		return fmt.Errorf("%w: %v", ErrInsufficientWork, err)
	}
	return nil
}

// Prepare sets header.Bits for a block under construction, via NextBitsFn
// if set, otherwise the network's minimum-difficulty floor.
func (e *KawpowEngine) Prepare(header *block.Header) error {
	if e.NextBitsFn != nil {
		bits, err := e.NextBitsFn(header.Height)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		header.Bits = bits
		return nil
	}
	header.Bits = e.Params.MinDifficultyBits
	return nil
}

// Seal mines blk by searching nonces until its header satisfies its own
// bits, recording the winning nonce and mix hash.
func (e *KawpowEngine) Seal(blk *block.Block) error {
	return e.SealWithCancel(context.Background(), blk)
}

// SealWithCancel is Seal with cancellation support: mining stops and
// ctx.Err() is returned once ctx is done.
func (e *KawpowEngine) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	if blk.Header.Bits == 0 {
		return ErrZeroBits
	}
	defer klog.Benchmark(fmt.Sprintf("seal height=%d", blk.Header.Height))()

	epoch := kawpow.Epoch(blk.Header.Height, e.Params.KAWPOW)
	cache, err := e.Caches.Get(epoch)
	if err != nil {
		return fmt.Errorf("kawpow cache: %w", err)
	}
	target, err := codec.CompactToTarget(blk.Header.Bits)
	if err != nil {
		return fmt.Errorf("kawpow: %w", err)
	}

	threads := e.Threads
	if threads <= 1 {
		return sealSingle(ctx, blk, cache, target, e.Params.KAWPOW)
	}
	return sealParallel(ctx, blk, cache, target, e.Params.KAWPOW, threads)
}

// sealSingle mines with one goroutine, iterating the nonce from zero.
func sealSingle(ctx context.Context, blk *block.Block, cache []byte, target types.Hash, params kawpow.Params) error {
	preimage := blk.Header.PowPreimage()

	for nonce := uint64(0); ; nonce++ {
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		mix, final := kawpow.Pow(preimage, nonce, cache, params)
		if codec.HashMeetsTarget(final, target) {
			blk.Header.Nonce = nonce
			blk.Header.MixHash = mix
			return nil
		}
		if nonce == ^uint64(0) {
			return fmt.Errorf("nonce space exhausted")
		}
	}
}

// sealParallel mines with multiple goroutines, each searching a strided
// partition of the nonce space (goroutine i starts at nonce=i, step=threads).
// The light cache is read-only during mining, so it's safe to share.
func sealParallel(ctx context.Context, blk *block.Block, cache []byte, target types.Hash, params kawpow.Params, threads int) error {
	preimage := blk.Header.PowPreimage()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint64
		mix   types.Hash
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint64(i)
		stride := uint64(threads)
		go func() {
			defer wg.Done()
			for nonce := startNonce; ; nonce += stride {
				if (nonce/stride)&0xFFFF == 0 && nonce > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				mix, final := kawpow.Pow(preimage, nonce, cache, params)
				if codec.HashMeetsTarget(final, target) {
					select {
					case found <- result{nonce: nonce, mix: mix}:
					default:
					}
					cancel()
					return
				}

				if nonce > ^uint64(0)-stride {
					select {
					case found <- result{err: fmt.Errorf("nonce space exhausted")}:
					default:
					}
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return fmt.Errorf("nonce space exhausted")
		}
		if r.err != nil {
			return r.err
		}
		blk.Header.Nonce = r.nonce
		blk.Header.MixHash = r.mix
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
