// Package job owns the JobRegistry: the current job plus a bounded ring of
// recent jobs, job id allocation, and submit classification against that
// ring (InvalidJob, Stale, or present-and-current).
package job

import (
	"sync"
	"sync/atomic"

	"github.com/parasitepool/para/internal/coinbase"
	"github.com/parasitepool/para/internal/merkle"
	"github.com/parasitepool/para/internal/template"
)

// Job is a derived, shared-read, immutable-after-publish unit of work.
type Job struct {
	ID             uint64
	Template       template.Template
	Coinb1         []byte
	Coinb2         []byte
	MerkleLadder   merkle.Ladder
	Version        uint32
	NBits          uint32
	NTime          uint32
	CleanJobs      bool
	ExtraNonce2Len int
	PublishedAt    int64 // unix nanos, monotonic ordering key among jobs
}

// Classification is the outcome of looking a job id up against the
// registry's ring.
type Classification int

const (
	Found Classification = iota
	InvalidJob                // evicted from the ring entirely
	Stale                     // present, but superseded by a clean_jobs publication
)

// Registry is a single-writer, many-reader bounded ring of recent jobs.
type Registry struct {
	mu   sync.RWMutex
	ring []*Job // index 0 = oldest
	size int

	idCounter uint64

	current atomic.Pointer[Job]

	// cleanBoundary is the PublishedAt of the most recent clean_jobs=true
	// publication; jobs published strictly before it are Stale.
	cleanBoundary int64
}

func NewRegistry(size int) *Registry {
	if size <= 0 {
		size = 8
	}
	return &Registry{size: size}
}

// Publish allocates a new monotonic JobId, evicting the oldest ring entry if
// full, and records the job as current.
func (r *Registry) Publish(tpl template.Template, built coinbase.Built, ladder merkle.Ladder, version, nbits, ntime uint32, cleanJobs bool, publishedAt int64) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := atomic.AddUint64(&r.idCounter, 1)
	j := &Job{
		ID:             id,
		Template:       tpl,
		Coinb1:         built.Coinb1,
		Coinb2:         built.Coinb2,
		MerkleLadder:   ladder,
		Version:        version,
		NBits:          nbits,
		NTime:          ntime,
		CleanJobs:      cleanJobs,
		ExtraNonce2Len: built.ExtraNonce2Size,
		PublishedAt:    publishedAt,
	}

	if len(r.ring) >= r.size {
		r.ring = r.ring[1:]
	}
	r.ring = append(r.ring, j)

	if cleanJobs {
		r.cleanBoundary = publishedAt
	}

	r.current.Store(j)
	return j
}

// Current returns the most recently published job, or nil if none yet.
func (r *Registry) Current() *Job {
	return r.current.Load()
}

// Lookup classifies a submit against job id. Found jobs are returned
// alongside Found; a job outside the ring is InvalidJob; a job still present
// but published before the latest clean_jobs boundary is Stale.
func (r *Registry) Lookup(id uint64) (*Job, Classification) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, j := range r.ring {
		if j.ID == id {
			if j.PublishedAt < r.cleanBoundary {
				return j, Stale
			}
			return j, Found
		}
	}
	return nil, InvalidJob
}
