package kawpow

import (
	"encoding/binary"
	"errors"

	"github.com/smellycoin/smellycoin/pkg/codec"
	"github.com/smellycoin/smellycoin/pkg/types"
)

// ErrVerification is returned when a claimed mix hash does not match the
// recomputed mix, or the final hash does not meet the target — a
// non-retryable consensus failure.
var ErrVerification = errors.New("kawpow: verification failed")

// ErrInvalidParameters is returned when epoch/cache derivation fails.
var ErrInvalidParameters = errors.New("kawpow: invalid parameters")

// Pow computes the KAWPOW mix and final hash for a header preimage (the
// header's signing bytes with the nonce and mix hash excluded) and a nonce.
// headerBytes || nonce_le_u64 is hashed with Keccak256 to seed the mix,
// which is then folded with params.Accesses dataset items fetched via the
// light cache, and finished with a Keccak256 over the resulting mix.
func Pow(headerBytes []byte, nonce uint64, cache []byte, params Params) (mix, final types.Hash) {
	var nonceBytes [8]byte
	binary.LittleEndian.PutUint64(nonceBytes[:], nonce)

	h := keccak256(headerBytes, nonceBytes[:])
	mix = h

	n := params.CacheItems()
	datasetItems := params.DatasetItems()
	for i := 0; i < params.Accesses; i++ {
		word := wrappedWord32(mix[:], i%32)
		idx := fnv1a(uint32(i), word) % datasetItems
		item := datasetItem(cache, idx, n)
		fnvMerge(mix[:], item[0:32], 0)
	}

	final = keccak256(mix[:])
	return mix, final
}

// Verify recomputes the KAWPOW hash for headerBytes/nonce against the
// light cache for the given epoch, checks the claimed mix matches, and
// reports whether the resulting final hash meets bits' target. It returns
// the computed final hash on success.
func Verify(headerBytes []byte, nonce uint64, claimedMix types.Hash, bits uint32, cache []byte, params Params) (types.Hash, error) {
	computedMix, final := Pow(headerBytes, nonce, cache, params)
	if computedMix != claimedMix {
		return types.Hash{}, ErrVerification
	}

	target, err := codec.CompactToTarget(bits)
	if err != nil {
		return types.Hash{}, ErrInvalidParameters
	}
	if !codec.HashMeetsTarget(final, target) {
		return types.Hash{}, ErrVerification
	}
	return final, nil
}
