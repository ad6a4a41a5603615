// Package crypto provides the hashing and target-arithmetic primitives
// shared by job construction and share validation.
package crypto

import (
	"crypto/sha256"
	"math/big"
)

// DoubleSHA256 computes SHA256(SHA256(data)), Bitcoin's block-header hash.
func DoubleSHA256(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

// ReverseBytes returns a reversed copy of data.
func ReverseBytes(data []byte) []byte {
	result := make([]byte, len(data))
	for i := range data {
		result[i] = data[len(data)-1-i]
	}
	return result
}

// SwapEndian32 applies the Stratum V1 PrevHash word-swap: the 32 bytes are
// regrouped into eight 4-byte words, each word byte-reversed. It is its own
// inverse.
func SwapEndian32(hash []byte) []byte {
	if len(hash) != 32 {
		return hash
	}

	result := make([]byte, 32)
	for i := 0; i < 8; i++ {
		for j := 0; j < 4; j++ {
			result[i*4+j] = hash[i*4+(3-j)]
		}
	}
	return result
}

// CompareHashes compares two 32-byte values as big-endian unsigned integers.
// Returns -1 if a < b, 0 if equal, 1 if a > b.
func CompareHashes(a, b []byte) int {
	return new(big.Int).SetBytes(a).Cmp(new(big.Int).SetBytes(b))
}

// HashMeetsTarget reports whether hashLE, a double-SHA256 digest read as a
// little-endian 256-bit integer, is at or below target. Callers build
// hashLE by byte-reversing the raw digest with ReverseBytes and passing the
// result to big.Int.SetBytes, and compare it with a target produced by the
// functions below.
func HashMeetsTarget(hashLE, target *big.Int) bool {
	return hashLE.Cmp(target) <= 0
}

// Diff1Bits is the compact nBits encoding of Bitcoin's pool difficulty-1
// target, used as the fixed numerator for difficulty<->target conversion.
const Diff1Bits uint32 = 0x1d00ffff

// CompactToBig expands a compact ("nBits") target encoding into a big.Int,
// following the same mantissa/exponent layout Bitcoin Core uses for nBits.
func CompactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	isNegative := compact&0x00800000 != 0
	exponent := uint(compact >> 24)

	var bn *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		bn = big.NewInt(int64(mantissa))
	} else {
		bn = big.NewInt(int64(mantissa))
		bn.Lsh(bn, 8*(exponent-3))
	}

	if isNegative {
		bn.Neg(bn)
	}
	return bn
}

// BigToCompact reduces a big.Int into the compact ("nBits") encoding.
func BigToCompact(n *big.Int) uint32 {
	if n.Sign() == 0 {
		return 0
	}

	negative := n.Sign() < 0
	m := new(big.Int).Abs(n)
	bytes := m.Bytes()
	size := uint32(len(bytes))

	var compact uint32
	if size <= 3 {
		for _, b := range bytes {
			compact = compact<<8 | uint32(b)
		}
		compact <<= 8 * (3 - size)
	} else {
		compact = uint32(bytes[0])<<16 | uint32(bytes[1])<<8 | uint32(bytes[2])
	}

	if compact&0x00800000 != 0 {
		compact >>= 8
		size++
	}

	compact |= size << 24
	if negative {
		compact |= 0x00800000
	}
	return compact
}

// diff1Target is the big.Int target corresponding to pool difficulty 1.
var diff1Target = CompactToBig(Diff1Bits)

// Diff1Target returns Bitcoin's canonical difficulty-1 target.
func Diff1Target() *big.Int {
	return new(big.Int).Set(diff1Target)
}

// DifficultyToTarget converts a (possibly fractional) pool difficulty into
// an exact integer target: target = floor(DIFF1 / difficulty).
//
// difficulty is expressed as a ratio so fractional difficulties (values
// below 1, common for low-hashrate workers) are represented exactly rather
// than through floating point.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		difficulty = 1
	}

	// Represent difficulty as a rational p/q to avoid float error, then
	// compute floor(diff1 * q / p).
	ratio := new(big.Rat).SetFloat64(difficulty)
	if ratio == nil {
		ratio = big.NewRat(1, 1)
	}

	num := new(big.Int).Mul(diff1Target, ratio.Denom())
	target := new(big.Int).Quo(num, ratio.Num())
	return target
}

// TargetToDifficulty converts a target back to a pool difficulty value, for
// reporting only (acceptance always uses integer target comparison).
func TargetToDifficulty(target *big.Int) float64 {
	if target.Sign() <= 0 {
		return 0
	}
	ratio := new(big.Rat).SetFrac(diff1Target, target)
	f, _ := ratio.Float64()
	return f
}

// NBitsToTarget converts a compact network-difficulty encoding to a target.
func NBitsToTarget(bits uint32) *big.Int {
	return CompactToBig(bits)
}

// TargetToNBits converts a target back to its compact encoding.
func TargetToNBits(target *big.Int) uint32 {
	return BigToCompact(target)
}

// CalculateMerkleRootWithCoinbase folds a coinbase transaction hash up
// through an ordered list of sibling hashes to the merkle root.
func CalculateMerkleRootWithCoinbase(coinbaseHash []byte, branches [][]byte) []byte {
	hash := make([]byte, 32)
	copy(hash, coinbaseHash)

	for _, branch := range branches {
		combined := make([]byte, 64)
		copy(combined[0:32], hash)
		copy(combined[32:64], branch)
		hash = DoubleSHA256(combined)
	}

	return hash
}
