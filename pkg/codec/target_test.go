package codec

import (
	"testing"

	"github.com/smellycoin/smellycoin/pkg/types"
)

func TestCompactToTarget_RejectsHighBitMantissa(t *testing.T) {
	// mantissa 0x800000 has its high bit set: rejected regardless of exponent.
	_, err := CompactToTarget(0x03800000)
	if err != ErrInvalidBits {
		t.Fatalf("expected ErrInvalidBits, got %v", err)
	}
}

func TestCompactToTarget_RejectsExponentTooLarge(t *testing.T) {
	_, err := CompactToTarget(33<<24 | 0x00ffff)
	if err != ErrInvalidBits {
		t.Fatalf("expected ErrInvalidBits, got %v", err)
	}
}

func TestCompactToTarget_KnownValue(t *testing.T) {
	// bits = 0x1e00ffff: exp=0x1e=30, mantissa=0x00ffff.
	// target = 0x00ffff * 256^(30-3) places mantissa at byte index 32-30=2.
	target, err := CompactToTarget(0x1e00ffff)
	if err != nil {
		t.Fatalf("CompactToTarget: %v", err)
	}
	want := types.Hash{}
	want[2] = 0x00
	want[3] = 0xff
	want[4] = 0xff
	if target != want {
		t.Errorf("target = %x, want %x", target, want)
	}
}

func TestTargetToCompact_RoundTrip(t *testing.T) {
	tests := []uint32{
		0x1e00ffff,
		0x1f00ffff,
		0x207fffff,
		0x03010000,
		0x04123456,
	}
	for _, bits := range tests {
		target, err := CompactToTarget(bits)
		if err != nil {
			t.Fatalf("CompactToTarget(%#x): %v", bits, err)
		}
		got := TargetToCompact(target)
		if got != bits {
			t.Errorf("round-trip bits=%#x: got %#x after TargetToCompact", bits, got)
		}
	}
}

func TestTargetToCompact_NormalizesHighBitMantissa(t *testing.T) {
	// A target whose most significant 3 bytes would have the high bit set
	// must be normalized (shifted, exponent bumped) rather than encoded
	// with the sign bit set.
	var target types.Hash
	target[0] = 0x80
	target[1] = 0x00
	target[2] = 0x00
	bits := TargetToCompact(target)
	mantissa := bits & 0x00ffffff
	if mantissa&0x00800000 != 0 {
		t.Errorf("encoded mantissa has high bit set: %#x", mantissa)
	}
}

func TestTargetToCompact_ZeroTarget(t *testing.T) {
	if got := TargetToCompact(types.Hash{}); got != 0 {
		t.Errorf("TargetToCompact(zero) = %#x, want 0", got)
	}
}

func TestHashMeetsTarget(t *testing.T) {
	var target types.Hash
	target[0] = 0x00
	target[1] = 0xff

	lower := target
	lower[1] = 0xfe
	if !HashMeetsTarget(lower, target) {
		t.Error("hash below target should meet it")
	}

	equal := target
	if !HashMeetsTarget(equal, target) {
		t.Error("hash equal to target should meet it")
	}

	higher := target
	higher[1] = 0xff
	higher[2] = 0x01
	if HashMeetsTarget(higher, target) {
		t.Error("hash above target should not meet it")
	}
}

func TestHashMeetsTarget_AllOnesFails(t *testing.T) {
	var allOnes types.Hash
	for i := range allOnes {
		allOnes[i] = 0xff
	}
	var target types.Hash
	target[0] = 0x00
	target[1] = 0xff
	if HashMeetsTarget(allOnes, target) {
		t.Error("all-ones hash should fail against any valid target below the max")
	}
}

func TestClampToMax(t *testing.T) {
	var max types.Hash
	max[0] = 0x7f
	for i := 1; i < len(max); i++ {
		max[i] = 0xff
	}

	above := types.Hash{}
	above[0] = 0x80

	if got := ClampToMax(above, max); got != max {
		t.Errorf("ClampToMax should clamp down to max, got %x", got)
	}

	below := types.Hash{}
	below[0] = 0x01
	if got := ClampToMax(below, max); got != below {
		t.Errorf("ClampToMax should not alter a target already under max, got %x", got)
	}
}
