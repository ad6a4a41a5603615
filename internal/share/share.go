// Package share implements ShareValidator: reconstructing a block header
// from a submission, evaluating it against per-session and network target,
// and classifying the outcome.
package share

import (
	"math/big"
	"sync"
	"time"

	"github.com/parasitepool/para/internal/job"
	"github.com/parasitepool/para/pkg/crypto"
)

// Outcome classifies a validated share.
type Outcome int

const (
	Accepted Outcome = iota
	Stale
	Duplicate
	LowDifficulty
	InvalidJob
	InvalidHeader
	BlockSolve
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Stale:
		return "stale"
	case Duplicate:
		return "duplicate"
	case LowDifficulty:
		return "low_difficulty"
	case InvalidJob:
		return "invalid_job"
	case InvalidHeader:
		return "invalid_header"
	case BlockSolve:
		return "block_solve"
	default:
		return "unknown"
	}
}

// Submission is the decoded mining.submit payload plus subscription context.
type Submission struct {
	ExtraNonce1 [4]byte
	ExtraNonce2 []byte
	NTime       uint32
	Nonce       uint32
	Version     uint32 // the job's version, optionally masked by version-rolling bits
}

// Result is the outcome of validating a Submission.
type Result struct {
	Outcome    Outcome
	HeaderHash []byte // display byte order (the digest byte-reversed)
	Difficulty float64
}

// Config configures validator-wide policy.
type Config struct {
	// CreditStaleAtPublication, when true, classifies a share referencing
	// a job superseded by a clean_jobs publication by its hash alone
	// (Accepted, LowDifficulty or BlockSolve) rather than as Stale, matching the historical behavior of the forked C pool this
	// system's design notes mention. Default false.
	CreditStaleAtPublication bool
}

// dedupeKey identifies a share for duplicate detection within one job.
type dedupeKey struct {
	ex2     string
	ntime   uint32
	nonce   uint32
	version uint32
}

// Validator validates submissions against the job registry. One Validator
// serves all sessions; per-(job,session) duplicate tracking is keyed
// internally.
type Validator struct {
	cfg      Config
	registry *job.Registry

	mu   sync.Mutex
	seen map[uint64]map[string]map[dedupeKey]struct{} // jobID -> sessionID -> seen
}

func NewValidator(cfg Config, registry *job.Registry) *Validator {
	return &Validator{
		cfg:      cfg,
		registry: registry,
		seen:     make(map[uint64]map[string]map[dedupeKey]struct{}),
	}
}

// Validate evaluates one submission from sessionID against jobID, at
// session difficulty sessionDiff, at wall-clock time now.
func (v *Validator) Validate(sessionID string, jobID uint64, sub Submission, sessionDiff float64, now time.Time) Result {
	j, class := v.registry.Lookup(jobID)
	if class == job.InvalidJob {
		return Result{Outcome: InvalidJob}
	}

	isStale := class == job.Stale && !v.cfg.CreditStaleAtPublication

	if v.isDuplicate(jobID, sessionID, sub) {
		return Result{Outcome: Duplicate}
	}

	if !ntimeInRange(sub.NTime, j.Template.MinTime, now) {
		return Result{Outcome: InvalidHeader}
	}

	header, ok := buildHeader(j, sub)
	if !ok {
		return Result{Outcome: InvalidHeader}
	}

	hash := crypto.DoubleSHA256(header)
	hashLE := new(big.Int).SetBytes(crypto.ReverseBytes(hash))

	sessionTarget := crypto.DifficultyToTarget(sessionDiff)
	networkTarget := crypto.NBitsToTarget(j.NBits)

	difficulty := crypto.TargetToDifficulty(hashLE)

	meetsNetwork := crypto.HashMeetsTarget(hashLE, networkTarget)
	meetsSession := crypto.HashMeetsTarget(hashLE, sessionTarget)

	result := Result{HeaderHash: crypto.ReverseBytes(hash), Difficulty: difficulty}

	switch {
	case meetsNetwork:
		result.Outcome = BlockSolve
	case isStale:
		result.Outcome = Stale
	case meetsSession:
		result.Outcome = Accepted
	default:
		result.Outcome = LowDifficulty
	}

	return result
}

func (v *Validator) isDuplicate(jobID uint64, sessionID string, sub Submission) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := dedupeKey{ex2: string(sub.ExtraNonce2), ntime: sub.NTime, nonce: sub.Nonce, version: sub.Version}

	bySession, ok := v.seen[jobID]
	if !ok {
		bySession = make(map[string]map[dedupeKey]struct{})
		v.seen[jobID] = bySession
	}
	seen, ok := bySession[sessionID]
	if !ok {
		seen = make(map[dedupeKey]struct{})
		bySession[sessionID] = seen
	}
	if _, dup := seen[key]; dup {
		return true
	}
	seen[key] = struct{}{}
	return false
}

// EvictJob drops duplicate-tracking state for a job no longer in the
// registry's ring, bounding memory to live jobs.
func (v *Validator) EvictJob(jobID uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.seen, jobID)
}

func ntimeInRange(ntime, minTime uint32, now time.Time) bool {
	maxTime := uint32(now.Add(2 * time.Hour).Unix())
	return ntime >= minTime && ntime <= maxTime
}

// buildHeader reconstructs the 80-byte block header for a submission.
func buildHeader(j *job.Job, sub Submission) ([]byte, bool) {
	if len(sub.ExtraNonce2) != j.ExtraNonce2Len {
		return nil, false
	}

	coinbase := make([]byte, 0, len(j.Coinb1)+4+len(sub.ExtraNonce2)+len(j.Coinb2))
	coinbase = append(coinbase, j.Coinb1...)
	coinbase = append(coinbase, sub.ExtraNonce1[:]...)
	coinbase = append(coinbase, sub.ExtraNonce2...)
	coinbase = append(coinbase, j.Coinb2...)

	coinbaseHash := crypto.DoubleSHA256(coinbase)
	merkleRoot := j.MerkleLadder.Root(coinbaseHash)

	header := make([]byte, 80)
	putUint32LE(header[0:4], sub.Version)
	copy(header[4:36], j.Template.PreviousBlockHash)
	copy(header[36:68], merkleRoot)
	putUint32LE(header[68:72], sub.NTime)
	putUint32LE(header[72:76], j.NBits)
	putUint32LE(header[76:80], sub.Nonce)

	return header, true
}

func putUint32LE(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func reverse32(b []byte) []byte {
	if len(b) != 32 {
		out := make([]byte, 32)
		copy(out, b)
		return out
	}
	return crypto.ReverseBytes(b)
}
