package codec

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubscribeResultRoundTrips(t *testing.T) {
	r := SubscribeResult{
		Subscriptions:   [][2]string{{"mining.notify", "abc"}},
		ExtraNonce1:     "aabbccdd",
		ExtraNonce2Size: 4,
	}
	b, err := json.Marshal(r)
	require.NoError(t, err)

	parsed, err := ParseSubscribeResult(b)
	require.NoError(t, err)
	assert.Equal(t, "aabbccdd", parsed.ExtraNonce1)
	assert.Equal(t, 4, parsed.ExtraNonce2Size)
	assert.Equal(t, [][2]string{{"mining.notify", "abc"}}, parsed.Subscriptions)
}

func TestParseNotifyParamsReversesPrevHashSwap(t *testing.T) {
	prevHash := make([]byte, 32)
	for i := range prevHash {
		prevHash[i] = byte(i)
	}

	n := NotifyParams{
		JobID:          "1",
		PrevHash:       prevHash,
		Coinb1:         []byte{0x01, 0x02},
		Coinb2:         []byte{0x03, 0x04},
		MerkleBranches: [][]byte{{0xaa, 0xbb}},
		Version:        0x20000000,
		NBits:          0x1d00ffff,
		NTime:          0x5f5e1000,
		CleanJobs:      true,
	}
	b, err := json.Marshal(n)
	require.NoError(t, err)

	parsed, err := ParseNotifyParams(b)
	require.NoError(t, err)
	assert.Equal(t, n.JobID, parsed.JobID)
	assert.Equal(t, prevHash, parsed.PrevHash)
	assert.Equal(t, n.Coinb1, parsed.Coinb1)
	assert.Equal(t, n.Coinb2, parsed.Coinb2)
	assert.Equal(t, n.MerkleBranches, parsed.MerkleBranches)
	assert.Equal(t, n.Version, parsed.Version)
	assert.Equal(t, n.NBits, parsed.NBits)
	assert.Equal(t, n.NTime, parsed.NTime)
	assert.True(t, parsed.CleanJobs)
}

func TestParseSetDifficultyParams(t *testing.T) {
	b, err := json.Marshal(SetDifficultyParams{Difficulty: 128})
	require.NoError(t, err)

	d, err := ParseSetDifficultyParams(b)
	require.NoError(t, err)
	assert.Equal(t, 128.0, d)
}

func TestReadServerMessageDistinguishesReplyFromNotification(t *testing.T) {
	r := NewReader(strings.NewReader(
		`{"id":1,"result":true,"error":null}` + "\n" +
			`{"id":null,"method":"mining.set_difficulty","params":[2.0]}` + "\n",
	))

	reply, err := r.ReadServerMessage()
	require.NoError(t, err)
	require.NotNil(t, reply.ID)
	assert.False(t, reply.IsNotification())

	notif, err := r.ReadServerMessage()
	require.NoError(t, err)
	assert.True(t, notif.IsNotification())
	assert.Equal(t, "mining.set_difficulty", notif.Method)
}

func TestWriteClientRequestAppendsNewline(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf)

	require.NoError(t, w.WriteClientRequest(ClientRequest{ID: 7, Method: "mining.subscribe", Params: []interface{}{}}))
	assert.Contains(t, buf.String(), `"id":7`)
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}
