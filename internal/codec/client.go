package codec

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/parasitepool/para/pkg/crypto"
)

// ClientRequest is an outbound call this process originates against a
// remote Stratum server, used by the proxy's upstream client.
type ClientRequest struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// ServerMessage is one inbound line on a client connection: either a reply
// to a prior ClientRequest (ID set, Result/Error populated) or a
// server-initiated notification (ID absent, Method/Params set).
type ServerMessage struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (m ServerMessage) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// ReadServerMessage reads and parses one line as a ServerMessage.
func (r *Reader) ReadServerMessage() (ServerMessage, error) {
	line, err := r.readLine()
	if err != nil || line == nil {
		return ServerMessage{}, err
	}

	var msg ServerMessage
	if jsonErr := json.Unmarshal(line, &msg); jsonErr != nil {
		return ServerMessage{}, NewError(ErrParseError, "parse error")
	}
	return msg, nil
}

// ParseSubscribeResult decodes a mining.subscribe reply's result array.
func ParseSubscribeResult(raw json.RawMessage) (SubscribeResult, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 3 {
		return SubscribeResult{}, fmt.Errorf("codec: malformed subscribe result")
	}

	var subs [][2]string
	if err := json.Unmarshal(arr[0], &subs); err != nil {
		return SubscribeResult{}, fmt.Errorf("codec: malformed subscribe subscriptions: %w", err)
	}
	var extraNonce1 string
	if err := json.Unmarshal(arr[1], &extraNonce1); err != nil {
		return SubscribeResult{}, fmt.Errorf("codec: malformed subscribe extranonce1: %w", err)
	}
	var extraNonce2Size int
	if err := json.Unmarshal(arr[2], &extraNonce2Size); err != nil {
		return SubscribeResult{}, fmt.Errorf("codec: malformed subscribe extranonce2_size: %w", err)
	}

	return SubscribeResult{Subscriptions: subs, ExtraNonce1: extraNonce1, ExtraNonce2Size: extraNonce2Size}, nil
}

// ParseNotifyParams decodes a mining.notify params array received as a
// client, reversing the wire-level PrevHash word-swap.
func ParseNotifyParams(raw json.RawMessage) (NotifyParams, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 9 {
		return NotifyParams{}, fmt.Errorf("codec: malformed notify params")
	}

	var jobID, prevHashHex, coinb1Hex, coinb2Hex string
	var branchesHex []string
	var versionHex, nbitsHex, ntimeHex string
	var cleanJobs bool

	fields := []struct {
		dst interface{}
	}{
		{&jobID}, {&prevHashHex}, {&coinb1Hex}, {&coinb2Hex}, {&branchesHex},
		{&versionHex}, {&nbitsHex}, {&ntimeHex}, {&cleanJobs},
	}
	for i, f := range fields {
		if err := json.Unmarshal(arr[i], f.dst); err != nil {
			return NotifyParams{}, fmt.Errorf("codec: malformed notify field %d: %w", i, err)
		}
	}

	prevHash, err := hex.DecodeString(prevHashHex)
	if err != nil || len(prevHash) != 32 {
		return NotifyParams{}, fmt.Errorf("codec: malformed notify prev_hash")
	}
	coinb1, err := hex.DecodeString(coinb1Hex)
	if err != nil {
		return NotifyParams{}, fmt.Errorf("codec: malformed notify coinb1: %w", err)
	}
	coinb2, err := hex.DecodeString(coinb2Hex)
	if err != nil {
		return NotifyParams{}, fmt.Errorf("codec: malformed notify coinb2: %w", err)
	}
	branches := make([][]byte, len(branchesHex))
	for i, b := range branchesHex {
		branches[i], err = hex.DecodeString(b)
		if err != nil {
			return NotifyParams{}, fmt.Errorf("codec: malformed notify merkle_branch[%d]: %w", i, err)
		}
	}

	version, err := parseHexUint32(versionHex)
	if err != nil {
		return NotifyParams{}, fmt.Errorf("codec: malformed notify version: %w", err)
	}
	nbits, err := parseHexUint32(nbitsHex)
	if err != nil {
		return NotifyParams{}, fmt.Errorf("codec: malformed notify nbits: %w", err)
	}
	ntime, err := parseHexUint32(ntimeHex)
	if err != nil {
		return NotifyParams{}, fmt.Errorf("codec: malformed notify ntime: %w", err)
	}

	return NotifyParams{
		JobID:          jobID,
		PrevHash:       crypto.SwapEndian32(prevHash),
		Coinb1:         coinb1,
		Coinb2:         coinb2,
		MerkleBranches: branches,
		Version:        version,
		NBits:          nbits,
		NTime:          ntime,
		CleanJobs:      cleanJobs,
	}, nil
}

// ParseSetDifficultyParams decodes a mining.set_difficulty params array.
func ParseSetDifficultyParams(raw json.RawMessage) (float64, error) {
	var arr []float64
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 1 {
		return 0, fmt.Errorf("codec: malformed set_difficulty params")
	}
	return arr[0], nil
}

func parseHexUint32(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return 0, fmt.Errorf("codec: expected 4 hex bytes, got %q", s)
	}
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	return v, nil
}
