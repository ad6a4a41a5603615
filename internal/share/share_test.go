package share

import (
	"testing"
	"time"

	"github.com/parasitepool/para/internal/coinbase"
	"github.com/parasitepool/para/internal/job"
	"github.com/parasitepool/para/internal/merkle"
	"github.com/parasitepool/para/internal/template"
	"github.com/parasitepool/para/pkg/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob(t *testing.T, registry *job.Registry, ntime uint32, clean bool, publishedAt int64) *job.Job {
	t.Helper()
	tpl := template.Template{
		PreviousBlockHash: make([]byte, 32),
		MinTime:           ntime - 1000,
		CurTime:           ntime,
	}
	built := coinbase.Built{Coinb1: []byte{0x01}, Coinb2: []byte{0x02}, ExtraNonce2Size: 4}
	ladder := merkle.Build(nil)
	return registry.Publish(tpl, built, ladder, 0x20000000, crypto.Diff1Bits, ntime, clean, publishedAt)
}

func TestValidateJobNotFound(t *testing.T) {
	registry := job.NewRegistry(8)
	v := NewValidator(Config{}, registry)

	result := v.Validate("s1", 999, Submission{ExtraNonce2: make([]byte, 4)}, 1.0, time.Now())
	assert.Equal(t, InvalidJob, result.Outcome)
}

func TestValidateDuplicateShare(t *testing.T) {
	registry := job.NewRegistry(8)
	now := uint32(time.Now().Unix())
	j := newTestJob(t, registry, now, true, 1)
	v := NewValidator(Config{}, registry)

	sub := Submission{ExtraNonce1: [4]byte{1, 2, 3, 4}, ExtraNonce2: make([]byte, 4), NTime: now, Nonce: 1, Version: j.Version}

	first := v.Validate("s1", j.ID, sub, 1e-9, time.Now())
	assert.NotEqual(t, Duplicate, first.Outcome)

	second := v.Validate("s1", j.ID, sub, 1e-9, time.Now())
	assert.Equal(t, Duplicate, second.Outcome)
}

func TestValidateStaleAfterCleanJobs(t *testing.T) {
	registry := job.NewRegistry(8)
	now := uint32(time.Now().Unix())
	j1 := newTestJob(t, registry, now, false, 1)
	newTestJob(t, registry, now, true, 2)

	v := NewValidator(Config{}, registry)
	sub := Submission{ExtraNonce1: [4]byte{}, ExtraNonce2: make([]byte, 4), NTime: now, Nonce: 1, Version: j1.Version}

	result := v.Validate("s1", j1.ID, sub, 1e-9, time.Now())
	assert.Equal(t, Stale, result.Outcome)
}

func TestValidateStaleTakesPrecedenceOverLowDifficulty(t *testing.T) {
	registry := job.NewRegistry(8)
	now := uint32(time.Now().Unix())
	j1 := newTestJob(t, registry, now, false, 1)
	newTestJob(t, registry, now, true, 2)

	v := NewValidator(Config{}, registry)
	sub := Submission{ExtraNonce1: [4]byte{}, ExtraNonce2: make([]byte, 4), NTime: now, Nonce: 1, Version: j1.Version}

	// A high session difficulty means the hash almost certainly fails the
	// session target too; Stale must still win over LowDifficulty.
	result := v.Validate("s1", j1.ID, sub, 1e18, time.Now())
	assert.Equal(t, Stale, result.Outcome)
}

func TestValidateCreditStaleAtPublicationOverride(t *testing.T) {
	registry := job.NewRegistry(8)
	now := uint32(time.Now().Unix())
	j1 := newTestJob(t, registry, now, false, 1)
	newTestJob(t, registry, now, true, 2)

	v := NewValidator(Config{CreditStaleAtPublication: true}, registry)
	sub := Submission{ExtraNonce1: [4]byte{}, ExtraNonce2: make([]byte, 4), NTime: now, Nonce: 1, Version: j1.Version}

	result := v.Validate("s1", j1.ID, sub, 1e-9, time.Now())
	assert.NotEqual(t, Stale, result.Outcome)
}

func TestValidateInvalidHeaderOnWrongExtraNonce2Length(t *testing.T) {
	registry := job.NewRegistry(8)
	now := uint32(time.Now().Unix())
	j := newTestJob(t, registry, now, true, 1)
	v := NewValidator(Config{}, registry)

	sub := Submission{ExtraNonce2: make([]byte, 2), NTime: now, Version: j.Version}
	result := v.Validate("s1", j.ID, sub, 1.0, time.Now())
	assert.Equal(t, InvalidHeader, result.Outcome)
}

func TestValidateRejectsNTimeOutOfRange(t *testing.T) {
	registry := job.NewRegistry(8)
	now := uint32(time.Now().Unix())
	j := newTestJob(t, registry, now, true, 1)
	v := NewValidator(Config{}, registry)

	sub := Submission{ExtraNonce2: make([]byte, 4), NTime: 1, Version: j.Version}
	result := v.Validate("s1", j.ID, sub, 1.0, time.Now())
	assert.Equal(t, InvalidHeader, result.Outcome)
}

func TestValidateLowDifficultyWhenHashAboveSessionTarget(t *testing.T) {
	registry := job.NewRegistry(8)
	now := uint32(time.Now().Unix())
	j := newTestJob(t, registry, now, true, 1)
	v := NewValidator(Config{}, registry)

	sub := Submission{ExtraNonce2: make([]byte, 4), NTime: now, Version: j.Version}
	// An astronomically high session difficulty makes the session target
	// tiny; any arbitrary hash will exceed it.
	result := v.Validate("s1", j.ID, sub, 1e18, time.Now())
	require.Contains(t, []Outcome{LowDifficulty, BlockSolve}, result.Outcome)
}
