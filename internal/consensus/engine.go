// Package consensus implements the KAWPOW Consensus Validator: header
// proof-of-work verification, the Difficulty Controller, and the ordered
// block-validation pipeline that gates what the UTXO State Engine applies.
package consensus

import "github.com/smellycoin/smellycoin/pkg/block"

// Engine is the proof-of-work consensus interface. KawpowEngine is its only
// implementation.
type Engine interface {
	// VerifyHeader checks that header's nonce/mix satisfy KAWPOW against
	// its own bits. It does not check that bits itself is the chain's
	// expected difficulty — that's the Difficulty Controller's job, run by
	// Validator before VerifyHeader.
	VerifyHeader(header *block.Header) error

	// Prepare sets header.Bits for a new block under construction.
	Prepare(header *block.Header) error

	// Seal mines header.Nonce/MixHash until the header satisfies its own
	// bits, or the context passed to SealWithCancel is cancelled.
	Seal(blk *block.Block) error
}
