package codec

import (
	"encoding/hex"
	"encoding/json"

	"github.com/parasitepool/para/pkg/crypto"
)

// SubscribeParams is mining.subscribe's optional [user_agent, session_id] params.
type SubscribeParams struct {
	UserAgent string
	SessionID string
}

func ParseSubscribeParams(raw json.RawMessage) (SubscribeParams, *Error) {
	var params []interface{}
	if len(raw) == 0 {
		return SubscribeParams{}, nil
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return SubscribeParams{}, NewError(ErrInvalidParams, "invalid subscribe params")
	}

	var p SubscribeParams
	if len(params) > 0 {
		s, ok := params[0].(string)
		if !ok {
			return SubscribeParams{}, NewError(ErrInvalidParams, "user_agent must be a string")
		}
		p.UserAgent = s
	}
	if len(params) > 1 {
		s, ok := params[1].(string)
		if !ok {
			return SubscribeParams{}, NewError(ErrInvalidParams, "session_id must be a string")
		}
		p.SessionID = s
	}
	return p, nil
}

// SubscribeResult is mining.subscribe's reply: [[subscriptions], extranonce1, extranonce2_size].
type SubscribeResult struct {
	Subscriptions   [][2]string
	ExtraNonce1     string
	ExtraNonce2Size int
}

func (r SubscribeResult) MarshalJSON() ([]byte, error) {
	subs := make([][2]string, len(r.Subscriptions))
	copy(subs, r.Subscriptions)
	return json.Marshal([3]interface{}{subs, r.ExtraNonce1, r.ExtraNonce2Size})
}

// AuthorizeParams is mining.authorize's [username, password] params.
type AuthorizeParams struct {
	Username string
	Password string
}

func ParseAuthorizeParams(raw json.RawMessage) (AuthorizeParams, *Error) {
	var params []interface{}
	if err := json.Unmarshal(raw, &params); err != nil || len(params) < 2 {
		return AuthorizeParams{}, NewError(ErrInvalidParams, "expected [username, password]")
	}
	user, ok1 := params[0].(string)
	pass, ok2 := params[1].(string)
	if !ok1 || !ok2 {
		return AuthorizeParams{}, NewError(ErrInvalidParams, "username and password must be strings")
	}
	return AuthorizeParams{Username: user, Password: pass}, nil
}

// SubmitParams is mining.submit's [worker, job_id, extranonce2, ntime, nonce, version_bits?] params.
type SubmitParams struct {
	Worker      string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	VersionBits string
	HasVersion  bool
}

func ParseSubmitParams(raw json.RawMessage) (SubmitParams, *Error) {
	var params []interface{}
	if err := json.Unmarshal(raw, &params); err != nil || len(params) < 5 {
		return SubmitParams{}, NewError(ErrInvalidParams, "expected [worker, job_id, extranonce2, ntime, nonce]")
	}

	strs := make([]string, 5)
	for i := 0; i < 5; i++ {
		s, ok := params[i].(string)
		if !ok {
			return SubmitParams{}, NewError(ErrInvalidParams, "submit fields must be strings")
		}
		strs[i] = s
	}

	p := SubmitParams{
		Worker:      strs[0],
		JobID:       strs[1],
		ExtraNonce2: strs[2],
		NTime:       strs[3],
		Nonce:       strs[4],
	}
	if len(params) > 5 {
		vb, ok := params[5].(string)
		if !ok {
			return SubmitParams{}, NewError(ErrInvalidParams, "version_bits must be a string")
		}
		p.VersionBits = vb
		p.HasVersion = true
	}
	return p, nil
}

// SuggestDifficultyParams is mining.suggest_difficulty's [difficulty] params.
func ParseSuggestDifficultyParams(raw json.RawMessage) (float64, *Error) {
	var params []interface{}
	if err := json.Unmarshal(raw, &params); err != nil || len(params) < 1 {
		return 0, NewError(ErrInvalidParams, "expected [difficulty]")
	}
	d, ok := params[0].(float64)
	if !ok || d <= 0 {
		return 0, NewError(ErrInvalidParams, "difficulty must be a positive number")
	}
	return d, nil
}

// ConfigureParams is mining.configure's [extensions, extension_params] params.
type ConfigureParams struct {
	Extensions []string
	Raw        map[string]json.RawMessage
}

func ParseConfigureParams(raw json.RawMessage) (ConfigureParams, *Error) {
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil || len(params) < 2 {
		return ConfigureParams{}, NewError(ErrInvalidParams, "expected [extensions, extension_params]")
	}

	var exts []string
	if err := json.Unmarshal(params[0], &exts); err != nil {
		return ConfigureParams{}, NewError(ErrInvalidParams, "extensions must be an array of strings")
	}

	var kv map[string]json.RawMessage
	if err := json.Unmarshal(params[1], &kv); err != nil {
		return ConfigureParams{}, NewError(ErrInvalidParams, "extension_params must be an object")
	}

	return ConfigureParams{Extensions: exts, Raw: kv}, nil
}

// VersionRollingMask extracts the "version-rolling.mask" field, if the
// client advertised a supported mask; absent returns ok=false.
func (c ConfigureParams) VersionRollingMask() (uint32, bool) {
	raw, ok := c.Raw["version-rolling.mask"]
	if !ok {
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return 0, false
	}
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	return v, true
}

// NotifyParams is mining.notify's payload, natural byte order internally;
// MarshalJSON applies the wire-level PrevHash word-swap.
type NotifyParams struct {
	JobID          string
	PrevHash       []byte // 32 bytes, natural order
	Coinb1         []byte
	Coinb2         []byte
	MerkleBranches [][]byte
	Version        uint32
	NBits          uint32
	NTime          uint32
	CleanJobs      bool
}

func (n NotifyParams) MarshalJSON() ([]byte, error) {
	branches := make([]string, len(n.MerkleBranches))
	for i, b := range n.MerkleBranches {
		branches[i] = hex.EncodeToString(b)
	}

	return json.Marshal([9]interface{}{
		n.JobID,
		hex.EncodeToString(crypto.SwapEndian32(n.PrevHash)),
		hex.EncodeToString(n.Coinb1),
		hex.EncodeToString(n.Coinb2),
		branches,
		hexUint32(n.Version),
		hexUint32(n.NBits),
		hexUint32(n.NTime),
		n.CleanJobs,
	})
}

func hexUint32(v uint32) string {
	b := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	return hex.EncodeToString(b)
}

// SetDifficultyParams is mining.set_difficulty's [difficulty] payload.
type SetDifficultyParams struct {
	Difficulty float64
}

func (s SetDifficultyParams) MarshalJSON() ([]byte, error) {
	return json.Marshal([1]float64{s.Difficulty})
}
