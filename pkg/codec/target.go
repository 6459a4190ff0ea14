// Package codec converts between the compact 32-bit "bits" encoding of a
// proof-of-work difficulty target and its expanded 256-bit big-endian form.
package codec

import (
	"errors"
	"math/big"

	"github.com/smellycoin/smellycoin/pkg/types"
)

// ErrInvalidBits is returned when a compact target encoding is malformed:
// the mantissa's high bit is set (the negative-sign convention this codec
// rejects), or the exponent exceeds the 32-byte target width.
var ErrInvalidBits = errors.New("invalid compact bits")

// CompactToTarget decodes a compact "bits" value into its 256-bit
// big-endian target representation.
//
// Layout: the upper byte of bits is the exponent e, the lower 24 bits are
// the mantissa m. target = m * 256^(e-3) when e >= 3, else m >> (8*(3-e)).
func CompactToTarget(bits uint32) (types.Hash, error) {
	exp := uint(bits >> 24)
	mantissa := bits & 0x00ffffff

	if mantissa&0x00800000 != 0 {
		return types.Hash{}, ErrInvalidBits
	}
	if exp > 32 {
		return types.Hash{}, ErrInvalidBits
	}

	var target types.Hash
	if exp >= 3 {
		// target = mantissa * 256^(exp-3): place the 3 mantissa bytes
		// starting (exp-3) bytes in from the right of a 32-byte
		// big-endian buffer.
		shift := exp - 3
		end := 32 - int(shift)
		if end < 0 {
			return types.Hash{}, ErrInvalidBits
		}
		start := end - 3
		if start < 0 {
			// Mantissa bytes that would fall off the left edge are
			// simply out of range for a 32-byte target.
			return types.Hash{}, ErrInvalidBits
		}
		target[start] = byte(mantissa >> 16)
		target[start+1] = byte(mantissa >> 8)
		target[start+2] = byte(mantissa)
	} else {
		// target = mantissa >> (8*(3-exp)): shift the 3-byte mantissa
		// right by whole bytes, still anchored at the low end of the
		// 32-byte buffer.
		m := mantissa >> (8 * (3 - exp))
		target[29] = byte(m >> 16)
		target[30] = byte(m >> 8)
		target[31] = byte(m)
	}
	return target, nil
}

// TargetToCompact encodes a 256-bit big-endian target into compact "bits"
// form, normalizing so the mantissa never sets its high bit (bumping the
// exponent and shifting right by a byte when it would).
func TargetToCompact(target types.Hash) uint32 {
	// Find the most significant non-zero byte; its index (from the left,
	// 0-based) combined with the buffer length gives the exponent.
	msb := -1
	for i := 0; i < len(target); i++ {
		if target[i] != 0 {
			msb = i
			break
		}
	}
	if msb == -1 {
		return 0
	}

	exp := uint32(len(target) - msb)
	var mantissa uint32
	switch {
	case msb+3 <= len(target):
		mantissa = uint32(target[msb])<<16 | uint32(target[msb+1])<<8 | uint32(target[msb+2])
	case msb+2 <= len(target):
		mantissa = uint32(target[msb])<<16 | uint32(target[msb+1])<<8
	default:
		mantissa = uint32(target[msb]) << 16
	}

	// Normalize: if the mantissa's high bit is set, it would be read as
	// the codec's negative-sign convention — shift right one byte and
	// bump the exponent to compensate.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exp++
	}

	return exp<<24 | (mantissa & 0x00ffffff)
}

// HashMeetsTarget reports whether hash, interpreted as an unsigned 256-bit
// big-endian integer, is less than or equal to target.
func HashMeetsTarget(hash, target types.Hash) bool {
	for i := 0; i < len(hash); i++ {
		if hash[i] < target[i] {
			return true
		}
		if hash[i] > target[i] {
			return false
		}
	}
	return true
}

var big256 = new(big.Int).Lsh(big.NewInt(1), 256)

// BlockWork estimates the expected number of hashes needed to find a block
// at this difficulty: floor(2^256 / (target+1)). Used to accumulate a
// chain's total work for fork choice — a lower target yields a larger work
// value, so summing it per block gives the chain with more accumulated
// proof-of-work rather than merely more blocks.
func BlockWork(bits uint32) (*big.Int, error) {
	target, err := CompactToTarget(bits)
	if err != nil {
		return nil, err
	}
	targetInt := new(big.Int).SetBytes(target[:])
	denom := new(big.Int).Add(targetInt, big.NewInt(1))
	return new(big.Int).Div(big256, denom), nil
}

// ClampToMax returns target, or max if target exceeds it — the compact
// codec's minimum-difficulty floor (a target above the network maximum is
// clamped down to the network maximum rather than rejected).
func ClampToMax(target, max types.Hash) types.Hash {
	for i := 0; i < len(target); i++ {
		if target[i] > max[i] {
			return max
		}
		if target[i] < max[i] {
			return target
		}
	}
	return target
}

// DifficultyToTarget converts a share/network "difficulty" figure (1.0 ==
// maxTarget) into its 256-bit target: target = floor(maxTarget /
// difficulty). Used by the Work Dispatcher to turn a session's per-miner
// share difficulty into the looser target a submitted share must meet,
// independent of the block's own network-difficulty target.
func DifficultyToTarget(difficulty float64, maxTarget types.Hash) types.Hash {
	if difficulty <= 0 {
		return maxTarget
	}
	maxInt := new(big.Int).SetBytes(maxTarget[:])
	// Scale by a fixed-point factor before dividing so fractional
	// difficulties (vardiff often starts well below 1.0) don't collapse
	// to integer division noise.
	const scale = 1 << 32
	scaledDifficulty := new(big.Int).SetUint64(uint64(difficulty * scale))
	if scaledDifficulty.Sign() <= 0 {
		return maxTarget
	}
	result := new(big.Int).Mul(maxInt, big.NewInt(scale))
	result.Div(result, scaledDifficulty)

	var out types.Hash
	b := result.Bytes()
	if len(b) > len(out) {
		return out // Overflowed 256 bits (difficulty far below representable range): target is effectively zero, unreachable.
	}
	copy(out[len(out)-len(b):], b)
	return ClampToMax(out, maxTarget)
}
