package username

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseL1AddrOnly(t *testing.T) {
	p, ok := Parse("bc1qexampleaddress")
	require.True(t, ok)
	assert.Equal(t, "bc1qexampleaddress", p.L1Addr)
	assert.False(t, p.HasLightning)
	assert.Equal(t, "bc1qexampleaddress", p.String())
}

func TestParseWorkerSuffixOnly(t *testing.T) {
	p, ok := Parse("bc1q.rig1")
	require.True(t, ok)
	assert.Equal(t, "bc1q", p.L1Addr)
	assert.Equal(t, "rig1", p.WorkerSuffix)
	assert.False(t, p.HasLightning)
}

func TestParseCanonicalRoundTrip(t *testing.T) {
	for _, s := range []string{"a.b@c.d", "bc1q.ln1@domain.com.rig1", "bc1q.ln1@.worker"} {
		p, ok := Parse(s)
		require.True(t, ok, s)
		assert.Equal(t, s, p.String(), s)
	}
}

func TestParseEmptyDomain(t *testing.T) {
	p, ok := Parse("addr.lnid@")
	require.True(t, ok)
	assert.True(t, p.HasLightning)
	assert.Equal(t, "lnid", p.LnID)
	assert.Equal(t, "", p.LnDomain)
}

func TestParseMultipleAtOnlyFirstSeparates(t *testing.T) {
	p, ok := Parse("addr.lnid@dom@ain.worker")
	require.True(t, ok)
	assert.Equal(t, "lnid", p.LnID)
	assert.Equal(t, "dom@ain", p.LnDomain)
	assert.Equal(t, "worker", p.WorkerSuffix)
}

func TestParseRejectsOverlongUsername(t *testing.T) {
	_, ok := Parse(strings.Repeat("a", MaxLength+1))
	assert.False(t, ok)
}

func TestParseRejectsEmpty(t *testing.T) {
	_, ok := Parse("")
	assert.False(t, ok)
}
