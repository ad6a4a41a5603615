// Package merkle precomputes the sibling-hash ladder a miner needs to fold
// its coinbase hash up to the block's merkle root, without recomputing the
// whole tree per job.
package merkle

import "github.com/parasitepool/para/pkg/crypto"

// Ladder is the ordered list of sibling hashes (ascending level, coinbase
// leaf excluded) required to reconstruct the merkle root from a coinbase
// hash. It is computed once per block template and shared read-only across
// every job derived from that template.
type Ladder struct {
	siblings [][]byte
}

// Build computes the sibling ladder for the coinbase leaf (always index 0)
// given the remaining transaction ids, in block order, natural byte order.
// The tree uses Bitcoin's odd-node duplication rule at each level.
func Build(txids [][]byte) Ladder {
	if len(txids) == 0 {
		return Ladder{}
	}

	level := make([][]byte, 0, len(txids)+1)
	level = append(level, nil) // placeholder for the coinbase leaf
	level = append(level, txids...)

	siblings := make([][]byte, 0, bitLen(len(level)))

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		// Our leaf of interest is always at index 0 of the current level;
		// its sibling is at index 1.
		siblings = append(siblings, cloneHash(level[1]))

		next := make([][]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			if i == 0 {
				// Coinbase-side pair: left is our leaf (unknown at build
				// time, carried as nil), combined lazily by the caller; we
				// still need the parent hash to keep folding on the right
				// side of the tree, so combine siblings only (the
				// coinbase-side node is never otherwise referenced).
				next[i/2] = nil
				continue
			}
			next[i/2] = crypto.DoubleSHA256(append(append([]byte{}, level[i]...), level[i+1]...))
		}
		level = next
	}

	return Ladder{siblings: siblings}
}

// FromBranches wraps an already-computed sibling ladder, natural byte
// order, as received verbatim in a Stratum mining.notify's merkle_branch
// array. Used by proxy mode, which never sees the upstream's transaction
// set and so cannot rederive the ladder via Build.
func FromBranches(branches [][]byte) Ladder {
	siblings := make([][]byte, len(branches))
	for i, b := range branches {
		siblings[i] = cloneHash(b)
	}
	return Ladder{siblings: siblings}
}

// Siblings returns the ordered sibling hashes, natural byte order.
func (l Ladder) Siblings() [][]byte {
	out := make([][]byte, len(l.siblings))
	for i, s := range l.siblings {
		out[i] = cloneHash(s)
	}
	return out
}

// Depth returns the ladder depth, ceil(log2(n+1)) per spec.
func (l Ladder) Depth() int {
	return len(l.siblings)
}

// Root folds a coinbase hash through the ladder to produce the merkle root.
func (l Ladder) Root(coinbaseHash []byte) []byte {
	return crypto.CalculateMerkleRootWithCoinbase(coinbaseHash, l.siblings)
}

func cloneHash(h []byte) []byte {
	if h == nil {
		return nil
	}
	out := make([]byte, len(h))
	copy(out, h)
	return out
}

func bitLen(n int) int {
	depth := 0
	for (1 << depth) < n {
		depth++
	}
	return depth
}
