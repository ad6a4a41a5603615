// Package coinbase synthesizes the split coinbase transaction halves
// (coinb1/coinb2) a Job publishes, around the extranonce insertion point.
package coinbase

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Template is the subset of a block template CoinbaseBuilder needs; it is
// satisfied by internal/template.Template.
type Template struct {
	Height                   int64
	CoinbaseValue            int64 // satoshis
	DefaultWitnessCommitment []byte
	Mutable                  []string
	Rules                    []string
	VbAvailable              map[string]int
	VbRequired               int
}

// Config configures coinbase synthesis.
type Config struct {
	ExtraNonce1Size int // bytes, canonical 4
	ExtraNonce2Size int // bytes, default 4

	PayoutScript   []byte // pool operator's block-reward recipient script (1 BTC when PoolScript is set)
	PoolScript     []byte // residual-to-pool-address script funding LN payouts
	DonationScript []byte // optional donation output script
	DonationFrac   float64

	Tag         string // arbitrary coinbase message tag, e.g. pool name
	PoolEntropy string
	JobEntropy  int // random alnum suffix length, 0 disables

	DefaultVersionMask uint32
}

// Built is the result of a coinbase synthesis: the two halves plus metadata
// needed by the ShareValidator to reassemble and by the Job to publish.
type Built struct {
	Coinb1          []byte
	Coinb2          []byte
	ExtraNonce1Size int
	ExtraNonce2Size int
	VersionMask     uint32
}

// Build synthesizes coinb1/coinb2 such that the full coinbase transaction is
// coinb1 || extranonce1 || extranonce2 || coinb2.
func Build(tpl Template, cfg Config, entropy EntropySource) (Built, error) {
	if len(cfg.PayoutScript) == 0 {
		return Built{}, fmt.Errorf("coinbase: payout script not configured")
	}
	en1Size := cfg.ExtraNonce1Size
	if en1Size == 0 {
		en1Size = 4
	}
	en2Size := cfg.ExtraNonce2Size
	if en2Size == 0 {
		en2Size = 4
	}

	height := encodeBIP34Height(tpl.Height)
	tag, err := coinbaseMessage(cfg, entropy)
	if err != nil {
		return Built{}, err
	}

	scriptSigLen := len(height) + en1Size + en2Size + len(tag)
	if scriptSigLen > 100 {
		// Bitcoin's consensus limit on scriptSig is 100 bytes for the
		// coinbase input; trim the tag first since height/extranonce are
		// fixed-cost.
		overflow := scriptSigLen - 100
		if overflow >= len(tag) {
			tag = nil
		} else {
			tag = tag[:len(tag)-overflow]
		}
		scriptSigLen = len(height) + en1Size + en2Size + len(tag)
	}

	var coinb1 bytes.Buffer
	coinb1.Write(le32(1))     // version
	coinb1.WriteByte(0x01)    // input count
	coinb1.Write(make([]byte, 32)) // null prevout hash
	coinb1.Write([]byte{0xff, 0xff, 0xff, 0xff})
	coinb1.WriteByte(varIntByte(scriptSigLen))
	coinb1.Write(height)
	// extranonce1 || extranonce2 inserted by the caller here

	var coinb2 bytes.Buffer
	coinb2.Write(tag)
	coinb2.Write([]byte{0xff, 0xff, 0xff, 0xff}) // sequence

	outputs := buildOutputs(tpl, cfg)
	coinb2.WriteByte(varIntByte(len(outputs)))
	for _, out := range outputs {
		coinb2.Write(out)
	}
	coinb2.Write([]byte{0, 0, 0, 0}) // locktime

	return Built{
		Coinb1:          coinb1.Bytes(),
		Coinb2:          coinb2.Bytes(),
		ExtraNonce1Size: en1Size,
		ExtraNonce2Size: en2Size,
		VersionMask:     computeVersionMask(tpl, cfg),
	}, nil
}

func buildOutputs(tpl Template, cfg Config) [][]byte {
	var outputs [][]byte

	donationValue := int64(0)
	if cfg.DonationFrac > 0 && len(cfg.DonationScript) > 0 {
		if cfg.DonationFrac > 0.05 {
			cfg.DonationFrac = 0.05
		}
		donationValue = int64(float64(tpl.CoinbaseValue) * cfg.DonationFrac)
	}

	const operatorReward int64 = 100_000_000 // 1 BTC

	payoutValue := tpl.CoinbaseValue - donationValue
	poolValue := int64(0)
	if len(cfg.PoolScript) > 0 && payoutValue > operatorReward {
		poolValue = payoutValue - operatorReward
		payoutValue = operatorReward
	}
	outputs = append(outputs, txOut(payoutValue, cfg.PayoutScript))

	if len(cfg.PoolScript) > 0 {
		outputs = append(outputs, txOut(poolValue, cfg.PoolScript))
	}

	if donationValue > 0 {
		outputs = append(outputs, txOut(donationValue, cfg.DonationScript))
	}

	if len(tpl.DefaultWitnessCommitment) > 0 {
		outputs = append(outputs, txOut(0, tpl.DefaultWitnessCommitment))
	}

	return outputs
}

func txOut(value int64, script []byte) []byte {
	var buf bytes.Buffer
	buf.Write(le64(uint64(value)))
	buf.WriteByte(varIntByte(len(script)))
	buf.Write(script)
	return buf.Bytes()
}

// EntropySource supplies the random alnum suffix for the coinbase message;
// an interface so tests can substitute a deterministic source.
type EntropySource interface {
	RandomAlnum(n int) (string, error)
}

type cryptoRandEntropy struct{}

func (cryptoRandEntropy) RandomAlnum(n int) (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}

// DefaultEntropySource uses crypto/rand.
var DefaultEntropySource EntropySource = cryptoRandEntropy{}

func coinbaseMessage(cfg Config, entropy EntropySource) ([]byte, error) {
	tag := cfg.Tag
	if cfg.JobEntropy > 0 {
		if entropy == nil {
			entropy = DefaultEntropySource
		}
		suffix, err := entropy.RandomAlnum(cfg.JobEntropy)
		if err != nil {
			return nil, fmt.Errorf("coinbase entropy: %w", err)
		}
		if cfg.PoolEntropy != "" {
			suffix = cfg.PoolEntropy + "-" + suffix
		}
		if tag == "" {
			tag = suffix
		} else if bytesHasSuffix(tag, "/") {
			tag = tag + suffix
		} else {
			tag = tag + "/" + suffix
		}
	}
	return []byte(tag), nil
}

func bytesHasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// computeVersionMask negotiates the version-rolling mask a job publishes:
// the configured base mask with bits claimed by active soft forks cleared,
// falling back to the base mask rather than ever advertising a zero mask
// (some miner firmware disables rolling entirely on a zero mask).
func computeVersionMask(tpl Template, cfg Config) uint32 {
	base := cfg.DefaultVersionMask
	if base == 0 {
		return 0
	}
	if !mutableContains(tpl.Mutable, "version/force") {
		return base
	}

	mask := base &^ uint32(tpl.VbRequired)

	active := make(map[string]struct{}, len(tpl.Rules))
	for _, r := range tpl.Rules {
		active[r] = struct{}{}
	}
	for name, bit := range tpl.VbAvailable {
		if _, ok := active[name]; !ok {
			continue
		}
		if bit < 0 || bit >= 32 {
			continue
		}
		mask &^= uint32(1) << uint(bit)
	}

	if mask == 0 {
		return base
	}
	return mask
}

func mutableContains(mutable []string, want string) bool {
	for _, m := range mutable {
		if m == want {
			return true
		}
	}
	return false
}

// encodeBIP34Height encodes height as a minimal-push script per BIP34.
func encodeBIP34Height(height int64) []byte {
	if height >= 1 && height <= 16 {
		return []byte{byte(0x50 + height)}
	}

	var b []byte
	h := height
	for h > 0 {
		b = append(b, byte(h&0xff))
		h >>= 8
	}
	if len(b) > 0 && b[len(b)-1]&0x80 != 0 {
		b = append(b, 0x00)
	}
	return append([]byte{byte(len(b))}, b...)
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func varIntByte(n int) byte {
	// Scripts and output counts in this pool never exceed 252, so the
	// single-byte varint form always applies.
	return byte(n)
}
