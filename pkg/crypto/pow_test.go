package crypto

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwapEndian32IsInvolution(t *testing.T) {
	hash := make([]byte, 32)
	for i := range hash {
		hash[i] = byte(i * 7)
	}

	once := SwapEndian32(hash)
	twice := SwapEndian32(once)
	assert.Equal(t, hash, twice)
	assert.NotEqual(t, hash, once)
}

func TestCompactToBigRoundTrip(t *testing.T) {
	for _, bits := range []uint32{0x1d00ffff, 0x1b0404cb, 0x207fffff} {
		n := CompactToBig(bits)
		got := BigToCompact(n)
		assert.Equal(t, bits, got, "round trip for 0x%08x", bits)
	}
}

func TestDifficultyToTargetIsExactAtDiff1(t *testing.T) {
	target := DifficultyToTarget(1.0)
	assert.Equal(t, 0, target.Cmp(Diff1Target()))
}

func TestDifficultyToTargetHalvesForDoubleDifficulty(t *testing.T) {
	d1 := DifficultyToTarget(1.0)
	d2 := DifficultyToTarget(2.0)

	// target(2) should be floor(target(1)/2), exact division here since
	// diff1Target's low bytes are zero.
	want := new(big.Int).Rsh(d1, 1)
	assert.Equal(t, 0, d2.Cmp(want))
}

func TestTargetToDifficultyRoundTrip(t *testing.T) {
	target := DifficultyToTarget(16.0)
	got := TargetToDifficulty(target)
	require.InDelta(t, 16.0, got, 0.001)
}

func TestHashMeetsTarget(t *testing.T) {
	target := big.NewInt(100)
	assert.True(t, HashMeetsTarget(big.NewInt(50), target))
	assert.True(t, HashMeetsTarget(big.NewInt(100), target))
	assert.False(t, HashMeetsTarget(big.NewInt(101), target))
}
