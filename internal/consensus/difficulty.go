package consensus

import (
	"math/big"

	"github.com/smellycoin/smellycoin/config"
	"github.com/smellycoin/smellycoin/pkg/codec"
	"github.com/smellycoin/smellycoin/pkg/types"
)

// ShouldRetarget reports whether height is a retarget boundary for the
// given window: every window-th block, starting at height==window.
func ShouldRetarget(height uint64, window uint64) bool {
	return window > 0 && height > 0 && height%window == 0
}

// NextBits is the Difficulty Controller: pure, given the parent's bits and
// the actual/expected elapsed time over the last retarget window, it
// computes the next window's compact target.
//
// new_target = parent_target * actual / expected, clamped so the
// actual/expected ratio never moves the target by more than
// params.MaxAdjustmentFactor in either direction, and the result never
// exceeds the network's minimum-difficulty floor (params.MinDifficultyBits).
// A non-positive actualTimeSpan is treated as 1 to avoid division by zero,
// matching spec.md §4.3's edge case.
func NextBits(parentBits uint32, actualTimeSpan, expectedTimeSpan int64, params config.NetworkParams) uint32 {
	if actualTimeSpan <= 0 {
		actualTimeSpan = 1
	}
	if expectedTimeSpan <= 0 {
		expectedTimeSpan = 1
	}

	factor := params.MaxAdjustmentFactor
	if factor < 1 {
		factor = 1
	}
	minSpan := int64(float64(expectedTimeSpan) / factor)
	if minSpan < 1 {
		minSpan = 1
	}
	maxSpan := int64(float64(expectedTimeSpan) * factor)
	if actualTimeSpan < minSpan {
		actualTimeSpan = minSpan
	}
	if actualTimeSpan > maxSpan {
		actualTimeSpan = maxSpan
	}

	parentTarget, err := codec.CompactToTarget(parentBits)
	if err != nil {
		return parentBits
	}
	maxTarget, err := codec.CompactToTarget(params.MinDifficultyBits)
	if err != nil {
		return parentBits
	}

	newTarget := new(big.Int).SetBytes(parentTarget[:])
	newTarget.Mul(newTarget, big.NewInt(actualTimeSpan))
	newTarget.Div(newTarget, big.NewInt(expectedTimeSpan))
	if newTarget.Sign() <= 0 {
		newTarget = big.NewInt(1)
	}

	maxInt := new(big.Int).SetBytes(maxTarget[:])
	if newTarget.Cmp(maxInt) > 0 {
		newTarget = maxInt
	}

	var out types.Hash
	b := newTarget.Bytes()
	if len(b) > len(out) {
		copy(out[:], b[len(b)-len(out):])
	} else {
		copy(out[len(out)-len(b):], b)
	}
	return codec.TargetToCompact(out)
}

// EmergencyShouldRetarget reports whether the time elapsed since the
// parent block is so far beyond the target block time that waiting for
// the next full retarget window would stall the chain — a hashrate
// collapse severe enough to warrant an immediate, out-of-schedule
// adjustment rather than params.RetargetWindow more blocks at a crawl.
// Not part of spec.md §4.3's pure controller; a supplemented emergency
// path using the wider params.EmergencyClampFactor network knob.
func EmergencyShouldRetarget(parentTimestamp, blockTimestamp uint64, params config.NetworkParams) bool {
	if blockTimestamp <= parentTimestamp {
		return false
	}
	elapsed := int64(blockTimestamp - parentTimestamp)
	return elapsed > params.TargetBlockTime*int64(params.EmergencyClampFactor)
}

// EmergencyBits relaxes parentBits by one step of params.EmergencyClampFactor,
// still bounded by the network's minimum-difficulty floor.
func EmergencyBits(parentBits uint32, params config.NetworkParams) uint32 {
	wide := params
	wide.MaxAdjustmentFactor = params.EmergencyClampFactor
	return NextBits(parentBits, params.TargetBlockTime*int64(params.EmergencyClampFactor), params.TargetBlockTime, wide)
}

// ExpectedNextBits predicts the bits a block at parentHeight+1 must carry,
// mirroring Validator.checkDifficulty's retarget-boundary logic so block
// template construction (internal/miner, internal/dispatcher) and header
// validation never disagree about what the Difficulty Controller demands.
// ctx.RetargetTimestamp nil or an unrecoverable window lookup falls back to
// parentBits, same as checkDifficulty's own degrade-gracefully behavior.
func ExpectedNextBits(ctx ChainContext, params config.NetworkParams, parentHeight uint64, parentBits uint32) uint32 {
	nextHeight := parentHeight + 1
	if !ShouldRetarget(nextHeight, params.RetargetWindow) {
		return parentBits
	}
	if ctx.RetargetTimestamp == nil || nextHeight < params.RetargetWindow {
		return parentBits
	}

	startTS, err := ctx.RetargetTimestamp(nextHeight - params.RetargetWindow)
	if err != nil {
		return parentBits
	}
	endTS, err := ctx.RetargetTimestamp(nextHeight - 1)
	if err != nil {
		return parentBits
	}

	expectedSpan := params.TargetBlockTime * int64(params.RetargetWindow)
	return NextBits(parentBits, int64(endTS)-int64(startTS), expectedSpan, params)
}
