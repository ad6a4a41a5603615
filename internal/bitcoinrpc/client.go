// Package bitcoinrpc is a minimal JSON-RPC-over-HTTP client for a local
// bitcoind, covering only the calls the template pipeline needs.
package bitcoinrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a single bitcoind instance over HTTP basic auth.
type Client struct {
	url      string
	user     string
	password string
	http     *http.Client
}

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:      fmt.Sprintf("http://%s:%d/", cfg.Host, cfg.Port),
		user:     cfg.User,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// TransactionTemplate is one transaction entry of getblocktemplate's result.
type TransactionTemplate struct {
	Data    string `json:"data"`
	TxID    string `json:"txid"`
	Hash    string `json:"hash"`
	Fee     int64  `json:"fee"`
	Weight  int    `json:"weight"`
	Depends []int  `json:"depends"`
}

// TemplateResult is the subset of getblocktemplate's result this pool uses.
type TemplateResult struct {
	Version           int32                 `json:"version"`
	PreviousBlockHash string                `json:"previousblockhash"`
	Transactions      []TransactionTemplate `json:"transactions"`
	CoinbaseValue     int64                 `json:"coinbasevalue"`
	Bits              string                `json:"bits"`
	CurTime           uint32                `json:"curtime"`
	MinTime           uint32                `json:"mintime"`
	Height            int64                 `json:"height"`
	DefaultWitnessCommitment string         `json:"default_witness_commitment"`
	Mutable           []string              `json:"mutable"`
	Rules             []string              `json:"rules"`
	VbAvailable       map[string]int        `json:"vbavailable"`
	VbRequired        int                   `json:"vbrequired"`
	CoinbaseAuxFlags  string                `json:"coinbaseaux"`
	Target            string                `json:"target"`
}

// GetBlockTemplate requests a template with segwit rules, the only ruleset
// this pool builds coinbases for.
func (c *Client) GetBlockTemplate(ctx context.Context) (*TemplateResult, error) {
	params := []interface{}{
		map[string]interface{}{"rules": []string{"segwit"}},
	}
	result, err := c.call(ctx, "getblocktemplate", params)
	if err != nil {
		return nil, err
	}
	var tpl TemplateResult
	if err := json.Unmarshal(result, &tpl); err != nil {
		return nil, fmt.Errorf("unmarshal template: %w", err)
	}
	return &tpl, nil
}

// SubmitBlock submits a fully assembled block, hex-encoded.
func (c *Client) SubmitBlock(ctx context.Context, blockHex string) error {
	_, err := c.call(ctx, "submitblock", []interface{}{blockHex})
	return err
}

// GetBlockCount returns the current chain height.
func (c *Client) GetBlockCount(ctx context.Context) (int64, error) {
	result, err := c.call(ctx, "getblockcount", nil)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := json.Unmarshal(result, &n); err != nil {
		return 0, fmt.Errorf("unmarshal block count: %w", err)
	}
	return n, nil
}

// ValidateAddress resolves a payout address to its scriptPubKey, used by
// CoinbaseBuilder to avoid hand-rolling address decoding for every network.
func (c *Client) ValidateAddress(ctx context.Context, address string) (scriptPubKeyHex string, isValid bool, err error) {
	result, err := c.call(ctx, "validateaddress", []interface{}{address})
	if err != nil {
		return "", false, err
	}
	var v struct {
		IsValid      bool   `json:"isvalid"`
		ScriptPubKey string `json:"scriptPubKey"`
	}
	if err := json.Unmarshal(result, &v); err != nil {
		return "", false, fmt.Errorf("unmarshal validateaddress: %w", err)
	}
	return v.ScriptPubKey, v.IsValid, nil
}
