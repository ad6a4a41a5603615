package codec

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderParsesRequest(t *testing.T) {
	r := NewReader(strings.NewReader(`{"id":1,"method":"mining.subscribe","params":[]}` + "\n"))

	req, err := r.ReadRequest()
	require.NoError(t, err)
	assert.Equal(t, "mining.subscribe", req.Method)
	assert.EqualValues(t, 1, req.ID)
}

func TestReaderRejectsMalformedJSON(t *testing.T) {
	r := NewReader(strings.NewReader(`not json` + "\n"))

	_, err := r.ReadRequest()
	require.Error(t, err)

	var codecErr *Error
	require.ErrorAs(t, err, &codecErr)
	assert.Equal(t, ErrParseError, codecErr.Code)
}

func TestStaleShareReusesJobNotFoundCode(t *testing.T) {
	// ckpool has no dedicated stale-share code; a stale share rides the
	// same wire code as "job not found".
	assert.Equal(t, ErrJobNotFound, ErrStaleShare)
	assert.Equal(t, 21, ErrStaleShare)
}

func TestReaderRejectsOversizedLine(t *testing.T) {
	huge := strings.Repeat("a", MaxLineLength*2) + "\n"
	r := NewReader(strings.NewReader(huge))

	_, err := r.ReadRequest()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestWriterAppendsNewline(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteResponse(Response{ID: 1, Result: true}))
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	assert.False(t, strings.Contains(strings.TrimSuffix(buf.String(), "\n"), "\n"))
}

func TestErrorMarshalsAsTriple(t *testing.T) {
	e := NewError(ErrJobNotFound, "Job not found")
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `[21,"Job not found",null]`, string(b))
}

func TestParseSubmitParamsRequiresFiveFields(t *testing.T) {
	_, codecErr := ParseSubmitParams(json.RawMessage(`["worker","jobid","00000001"]`))
	require.NotNil(t, codecErr)
	assert.Equal(t, ErrInvalidParams, codecErr.Code)
}

func TestParseSubmitParamsWithVersionBits(t *testing.T) {
	p, codecErr := ParseSubmitParams(json.RawMessage(`["worker","jobid","00000001","5f3759df","deadbeef","1fffe000"]`))
	require.Nil(t, codecErr)
	assert.True(t, p.HasVersion)
	assert.Equal(t, "1fffe000", p.VersionBits)
}

func TestNotifyParamsSwapsPrevHash(t *testing.T) {
	prevHash := make([]byte, 32)
	for i := range prevHash {
		prevHash[i] = byte(i)
	}

	n := NotifyParams{JobID: "1", PrevHash: prevHash, MerkleBranches: [][]byte{}}
	b, err := json.Marshal(n)
	require.NoError(t, err)

	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal(b, &arr))
	require.Len(t, arr, 9)

	var prevHashHex string
	require.NoError(t, json.Unmarshal(arr[1], &prevHashHex))
	// word-swap is an involution distinct from the identity for this input
	assert.NotEqual(t, "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f", prevHashHex)
}

func TestConfigureParamsVersionRollingMask(t *testing.T) {
	cfg, codecErr := ParseConfigureParams(json.RawMessage(`[["version-rolling"],{"version-rolling.mask":"1fffe000"}]`))
	require.Nil(t, codecErr)

	mask, ok := cfg.VersionRollingMask()
	require.True(t, ok)
	assert.Equal(t, uint32(0x1fffe000), mask)
}
