package kawpow

import "encoding/binary"

// fnv1a implements the FNV-1a mixing primitive used throughout KAWPOW:
// ((a XOR b) * 0x01000193) mod 2^32. Go's stdlib hash/fnv exposes only a
// streaming hash.Hash32, which doesn't fit this scalar two-word mix, so the
// ten-line primitive is inlined here exactly as original_source does.
const fnvPrime = 0x01000193

func fnv1a(a, b uint32) uint32 {
	return (a ^ b) * fnvPrime
}

// wrappedWord32 reads the 4-byte little-endian word starting at off,
// wrapping around the end of b instead of slicing past it — needed
// wherever off can land within the last 3 bytes of a buffer shorter than
// datasetItem's 64-byte working mix (e.g. Pow's 32-byte mix).
func wrappedWord32(b []byte, off int) uint32 {
	n := len(b)
	var word [4]byte
	for k := 0; k < 4; k++ {
		word[k] = b[(off+k)%n]
	}
	return binary.LittleEndian.Uint32(word[:])
}

// fnvMerge updates 32 bytes of out starting at offset (mod 32, wrapping)
// by treating both out and in as eight little-endian u32s and pairwise
// applying fnv1a.
func fnvMerge(out []byte, in []byte, offset int) {
	for i := 0; i < 32; i += 4 {
		idx := (offset + i) % 32
		v1 := binary.LittleEndian.Uint32(out[idx : idx+4])
		v2 := binary.LittleEndian.Uint32(in[i : i+4])
		binary.LittleEndian.PutUint32(out[idx:idx+4], fnv1a(v1, v2))
	}
}

// datasetItem synthesizes the 64-byte dataset item at index on demand from
// the light cache, without ever materializing the full dataset.
func datasetItem(cache []byte, index uint32, n int) [64]byte {
	var mix [64]byte
	r := int(index) % n
	copy(mix[0:32], cache[r*64:r*64+32])
	binary.LittleEndian.PutUint32(mix[0:4], index)

	digest := keccak256(mix[0:32])
	copy(mix[0:32], digest[:])

	for j := 0; j < 64; j++ {
		off := j % 32
		word := wrappedWord32(mix[:], off)
		parent := fnv1a(index^uint32(j), word) % uint32(n)
		cacheOff := int(parent) * 64
		fnvMerge(mix[:], cache[cacheOff:cacheOff+32], off)
	}

	digest = keccak256(mix[:])
	copy(mix[0:32], digest[:])
	return mix
}
