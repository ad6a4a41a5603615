package merkle

import (
	"testing"

	"github.com/parasitepool/para/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func txid(seed byte) []byte {
	h := make([]byte, 32)
	for i := range h {
		h[i] = seed
	}
	return h
}

func TestBuildEmptyTxList(t *testing.T) {
	l := Build(nil)
	assert.Equal(t, 0, l.Depth())

	coinbase := txid(1)
	assert.Equal(t, coinbase, l.Root(coinbase))
}

func TestBuildSingleSibling(t *testing.T) {
	tx1 := txid(2)
	l := Build([][]byte{tx1})
	require.Equal(t, 1, l.Depth())

	coinbase := txid(1)
	root := l.Root(coinbase)

	want := crypto.DoubleSHA256(append(append([]byte{}, coinbase...), tx1...))
	assert.Equal(t, want, root)
}

func TestBuildOddCountDuplicatesLastNode(t *testing.T) {
	// two txids plus the coinbase leaf make an odd first level, so the last
	// txid is paired with itself.
	txs := [][]byte{txid(2), txid(3)}
	l := Build(txs)
	assert.Equal(t, 2, l.Depth())

	coinbase := txid(1)
	root := l.Root(coinbase)
	assert.Len(t, root, 32)
	assert.NotEqual(t, coinbase, root)

	left := crypto.DoubleSHA256(append(append([]byte{}, coinbase...), txs[0]...))
	right := crypto.DoubleSHA256(append(append([]byte{}, txs[1]...), txs[1]...))
	assert.Equal(t, crypto.DoubleSHA256(append(left, right...)), root)
}

func TestSiblingsIsDefensiveCopy(t *testing.T) {
	l := Build([][]byte{txid(2)})
	s := l.Siblings()
	s[0][0] = 0xff

	s2 := l.Siblings()
	assert.NotEqual(t, byte(0xff), s2[0][0])
}
