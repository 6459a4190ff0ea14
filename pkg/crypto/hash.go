// Package crypto provides cryptographic primitives for kawpowd.
package crypto

import (
	"github.com/smellycoin/smellycoin/pkg/types"
	"golang.org/x/crypto/sha3"
)

// Hash computes the legacy Keccak-256 hash of the input data (the
// pre-NIST padding, matching sha3::Keccak256 rather than SHA3-256).
// KAWPOW is built directly on this primitive, so every other hashed
// structure in the chain (block/tx IDs, merkle trees, addresses) uses
// the same hash to avoid carrying two hash primitives side by side.
func Hash(data []byte) types.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	var out types.Hash
	h.Sum(out[:0])
	return out
}

// DoubleHash computes Hash(Hash(data)).
func DoubleHash(data []byte) types.Hash {
	first := Hash(data)
	return Hash(first[:])
}

// AddressFromPubKey derives an address from a compressed public key.
// Address = Keccak256(compressed_pubkey)[:20].
func AddressFromPubKey(pubKey []byte) types.Address {
	h := Hash(pubKey)
	var addr types.Address
	copy(addr[:], h[:types.AddressSize])
	return addr
}

// HashConcat hashes the concatenation of two hashes.
// Used for building merkle trees.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}
