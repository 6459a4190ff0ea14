package consensus

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/smellycoin/smellycoin/config"
	"github.com/smellycoin/smellycoin/internal/utxo"
	"github.com/smellycoin/smellycoin/pkg/block"
	"github.com/smellycoin/smellycoin/pkg/codec"
	"github.com/smellycoin/smellycoin/pkg/tx"
)

// Validator errors.
var (
	ErrFutureTimestamp  = errors.New("block timestamp too far in the future")
	ErrStaleTimestamp   = errors.New("block timestamp not after median time past")
	ErrBadBits          = errors.New("block bits does not match expected difficulty")
	ErrBitsAboveFloor   = errors.New("block bits exceeds the network's minimum difficulty floor")
	ErrBadCoinbaseValue = errors.New("coinbase output exceeds subsidy plus fees")
	ErrCoinbaseImmature = errors.New("coinbase input spent before reaching maturity")
)

// ChainContext supplies the ancestor data ValidateBlock needs beyond the
// block/parent header pair: median-time-past inputs for step 3 and the
// retarget window's boundary timestamps for step 4. A nil field disables
// the corresponding check (used by callers validating a block in
// isolation, e.g. a freshly mined regtest block with no chain yet).
type ChainContext struct {
	// AncestorTimestamps returns up to n of parent's most recent ancestor
	// timestamps (closest first, parent itself included), for
	// median-time-past.
	AncestorTimestamps func(parent *block.Header, n int) ([]uint64, error)

	// RetargetTimestamp returns the timestamp of the block at height.
	RetargetTimestamp func(height uint64) (uint64, error)
}

// Validator runs the ordered Consensus Validator pipeline from structural
// checks through transaction-input verification. pkg/tx.ValidateWithUTXOs,
// given utxos as its UTXOProvider, plays the role of spec's injected
// "verify_script" capability — P2PKH signature/script verification is
// opaque to the validator beyond that interface.
type Validator struct {
	engine Engine
	params config.NetworkParams
	utxos  *utxo.Store
	ctx    ChainContext
}

// NewValidator creates a Consensus Validator.
func NewValidator(engine Engine, params config.NetworkParams, utxos *utxo.Store, ctx ChainContext) *Validator {
	return &Validator{engine: engine, params: params, utxos: utxos, ctx: ctx}
}

// ValidateBlock runs the full ordered check: structural, Merkle, timestamp,
// difficulty, proof-of-work, coinbase subsidy, then transaction inputs.
// parent is nil only when validating the genesis block.
func (v *Validator) ValidateBlock(blk *block.Block, parent *block.Header) error {
	if err := blk.Validate(); err != nil {
		return fmt.Errorf("structural: %w", err)
	}

	if err := v.checkTimestamp(blk.Header, parent); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}

	if err := v.checkDifficulty(blk.Header, parent); err != nil {
		return fmt.Errorf("difficulty: %w", err)
	}

	if err := v.engine.VerifyHeader(blk.Header); err != nil {
		return fmt.Errorf("proof-of-work: %w", err)
	}

	if _, err := v.checkCoinbaseSubsidy(blk); err != nil {
		return fmt.Errorf("coinbase: %w", err)
	}

	if err := v.checkInputs(blk); err != nil {
		return fmt.Errorf("inputs: %w", err)
	}

	return nil
}

// checkTimestamp enforces spec.md §4.5 step 3: not too far in the future,
// and (when a parent and AncestorTimestamps are available) strictly after
// the median of the last eleven ancestor timestamps.
func (v *Validator) checkTimestamp(header, parent *block.Header) error {
	now := time.Now().Unix()
	if int64(header.Timestamp) > now+v.params.FutureTimeLimit {
		return fmt.Errorf("%w: %d > now(%d)+%d", ErrFutureTimestamp, header.Timestamp, now, v.params.FutureTimeLimit)
	}
	if parent == nil || v.ctx.AncestorTimestamps == nil {
		return nil
	}
	history, err := v.ctx.AncestorTimestamps(parent, 11)
	if err != nil {
		return fmt.Errorf("ancestor timestamps: %w", err)
	}
	if len(history) == 0 {
		return nil
	}
	mtp := medianTimestamp(history)
	if header.Timestamp <= mtp {
		return fmt.Errorf("%w: %d <= mtp(%d)", ErrStaleTimestamp, header.Timestamp, mtp)
	}
	return nil
}

func medianTimestamp(ts []uint64) uint64 {
	sorted := append([]uint64(nil), ts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// checkDifficulty enforces spec.md §4.5 step 4: bits never exceeds the
// network's minimum-difficulty floor; outside a retarget boundary bits must
// equal the parent's, unless the gap since the parent block is wide enough
// to trip the emergency clamp (EmergencyShouldRetarget), in which case the
// wider EmergencyBits adjustment is also accepted; at a boundary it must
// equal the Difficulty Controller's computed value.
func (v *Validator) checkDifficulty(header, parent *block.Header) error {
	target, err := codec.CompactToTarget(header.Bits)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadBits, err)
	}
	maxTarget, err := codec.CompactToTarget(v.params.MinDifficultyBits)
	if err != nil {
		return fmt.Errorf("network minimum difficulty bits invalid: %w", err)
	}
	if !codec.HashMeetsTarget(target, maxTarget) {
		return ErrBitsAboveFloor
	}

	if parent == nil {
		return nil
	}

	if !ShouldRetarget(header.Height, v.params.RetargetWindow) {
		if header.Bits == parent.Bits {
			return nil
		}
		if EmergencyShouldRetarget(parent.Timestamp, header.Timestamp, v.params) && header.Bits == EmergencyBits(parent.Bits, v.params) {
			return nil
		}
		return fmt.Errorf("%w: height %d carries %08x, parent has %08x", ErrBadBits, header.Height, header.Bits, parent.Bits)
	}

	if v.ctx.RetargetTimestamp == nil {
		return nil
	}
	if header.Height < v.params.RetargetWindow {
		return nil
	}
	startTS, err := v.ctx.RetargetTimestamp(header.Height - v.params.RetargetWindow)
	if err != nil {
		return fmt.Errorf("retarget window start: %w", err)
	}
	endTS, err := v.ctx.RetargetTimestamp(header.Height - 1)
	if err != nil {
		return fmt.Errorf("retarget window end: %w", err)
	}
	expectedSpan := v.params.TargetBlockTime * int64(v.params.RetargetWindow)
	expectedBits := NextBits(parent.Bits, int64(endTS)-int64(startTS), expectedSpan, v.params)
	if header.Bits != expectedBits {
		return fmt.Errorf("%w: height %d carries %08x, want %08x", ErrBadBits, header.Height, header.Bits, expectedBits)
	}
	return nil
}

// checkCoinbaseSubsidy enforces spec.md §4.5 step 6: the coinbase output
// total must not exceed the height's block subsidy plus the sum of fees
// paid by every other transaction in the block. Returns the total fees.
func (v *Validator) checkCoinbaseSubsidy(blk *block.Block) (uint64, error) {
	coinbaseTotal, err := blk.Transactions[0].TotalOutputValue()
	if err != nil {
		return 0, fmt.Errorf("coinbase output overflow: %w", err)
	}

	var totalFees uint64
	for i, t := range blk.Transactions[1:] {
		fee, err := v.txFee(t)
		if err != nil {
			return 0, fmt.Errorf("tx %d: %w", i+1, err)
		}
		if totalFees > ^uint64(0)-fee {
			return 0, fmt.Errorf("tx %d: fee total overflow", i+1)
		}
		totalFees += fee
	}

	subsidy := v.params.Subsidy(blk.Header.Height)
	if coinbaseTotal > subsidy+totalFees {
		return 0, fmt.Errorf("%w: coinbase pays %d, subsidy %d + fees %d", ErrBadCoinbaseValue, coinbaseTotal, subsidy, totalFees)
	}
	return totalFees, nil
}

// txFee computes a non-coinbase transaction's fee (sum of spent UTXO values
// minus sum of output values) by looking up its inputs in the live UTXO
// set — called before the UTXO State Engine applies the block, so every
// input it spends must still be present.
func (v *Validator) txFee(t *tx.Transaction) (uint64, error) {
	var totalIn uint64
	for i, in := range t.Inputs {
		u, err := v.utxos.Get(in.PrevOut)
		if err != nil {
			return 0, fmt.Errorf("input %d: %w", i, err)
		}
		if totalIn > ^uint64(0)-u.Value {
			return 0, fmt.Errorf("input %d: value overflow", i)
		}
		totalIn += u.Value
	}
	totalOut, err := t.TotalOutputValue()
	if err != nil {
		return 0, fmt.Errorf("output overflow: %w", err)
	}
	if totalIn < totalOut {
		return 0, fmt.Errorf("inputs %d < outputs %d", totalIn, totalOut)
	}
	return totalIn - totalOut, nil
}

// checkInputs enforces spec.md §4.5 step 7: every non-coinbase
// transaction's inputs must reference existing, spendable UTXOs (coinbase
// inputs mature per params.CoinbaseMaturity) and pass script/signature
// verification. ValidateWithUTXOs (pkg/tx) handles input existence,
// signature verification, and fee non-negativity; checkInputs adds the
// coinbase maturity check ValidateWithUTXOs doesn't know about.
func (v *Validator) checkInputs(blk *block.Block) error {
	for i, t := range blk.Transactions {
		if i == 0 {
			continue // Coinbase: no inputs to verify.
		}
		if _, err := t.ValidateWithUTXOs(v.utxos); err != nil {
			return fmt.Errorf("tx %d: %w", i, err)
		}
		for j, in := range t.Inputs {
			u, err := v.utxos.Get(in.PrevOut)
			if err != nil {
				return fmt.Errorf("tx %d input %d: %w", i, j, err)
			}
			if u.Coinbase {
				confirmations := blk.Header.Height - u.Height
				if blk.Header.Height < u.Height || confirmations < v.params.CoinbaseMaturity {
					return fmt.Errorf("tx %d input %d: %w: spends height %d at height %d, needs %d confirmations",
						i, j, ErrCoinbaseImmature, u.Height, blk.Header.Height, v.params.CoinbaseMaturity)
				}
			}
		}
	}
	return nil
}
