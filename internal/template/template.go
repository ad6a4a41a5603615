// Package template abstracts block-template acquisition: either a local
// bitcoind polled via getblocktemplate, or an upstream Stratum pool acting
// as the template source in proxy mode.
package template

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Template is an immutable block template snapshot.
type Template struct {
	Height                   int64
	PreviousBlockHash        []byte // 32 bytes, natural order
	Bits                     uint32
	MinTime                  uint32
	CurTime                  uint32
	CoinbaseValue            int64
	DefaultWitnessCommitment []byte
	TxIDs                    [][]byte // natural order, excludes coinbase
	Mutable                  []string
	Rules                    []string
	VbAvailable              map[string]int
	VbRequired               int
	Version                  uint32
	ReceivedAt               time.Time

	// Upstream-sourced proxy fields, set only when this Template was
	// synthesized from a received mining.notify rather than a local
	// getblocktemplate result. TxIDs is always empty in that case; the
	// coinbase halves and merkle ladder are carried here instead of
	// rederived.
	UpstreamJobID          string
	UpstreamCoinb1         []byte
	UpstreamCoinb2         []byte
	UpstreamMerkleBranches [][]byte
	UpstreamCleanJobs      bool
	UpstreamVersion        uint32
}

// IsUpstream reports whether this Template carries an upstream-sourced
// coinbase rather than a local node's transaction set.
func (t Template) IsUpstream() bool {
	return len(t.UpstreamCoinb1) > 0
}

// Source produces a stream of immutable Template snapshots. It has no
// separate "tip changed" signal; consumers detect a new tip by comparing
// PreviousBlockHash. LocalNode and UpstreamPool both implement it.
type Source interface {
	// Templates returns a channel of templates; closed when Run returns.
	Templates() <-chan Template
	// Run drives the source until ctx is cancelled.
	Run(ctx context.Context) error
}

// Fetcher is the narrow RPC surface LocalNode needs; satisfied by
// *bitcoinrpc.Client adapted at the call site to avoid an import cycle.
type Fetcher interface {
	FetchTemplate(ctx context.Context) (Template, error)
}

// LocalNode polls a Fetcher at a configured cadence, coalescing bursts so at
// most one refresh is in flight, and discards templates strictly older than
// the current tip.
type LocalNode struct {
	fetcher      Fetcher
	pollInterval time.Duration
	logger       *zap.Logger

	out chan Template

	mu          sync.Mutex
	lastHeight  int64
	refreshing  bool
}

func NewLocalNode(fetcher Fetcher, pollInterval time.Duration, logger *zap.Logger) *LocalNode {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &LocalNode{
		fetcher:      fetcher,
		pollInterval: pollInterval,
		logger:       logger.Named("template.local"),
		out:          make(chan Template, 1),
		lastHeight:   -1,
	}
}

func (l *LocalNode) Templates() <-chan Template {
	return l.out
}

// Run polls until ctx is cancelled. Refresh coalescing: a tick that lands
// while a previous fetch is outstanding is skipped rather than queued.
func (l *LocalNode) Run(ctx context.Context) error {
	defer close(l.out)

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.refresh(ctx)
		}
	}
}

func (l *LocalNode) refresh(ctx context.Context) {
	l.mu.Lock()
	if l.refreshing {
		l.mu.Unlock()
		return
	}
	l.refreshing = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.refreshing = false
		l.mu.Unlock()
	}()

	tpl, err := l.fetcher.FetchTemplate(ctx)
	if err != nil {
		l.logger.Warn("fetch template failed", zap.Error(err))
		return
	}

	l.mu.Lock()
	stale := tpl.Height < l.lastHeight
	if !stale {
		l.lastHeight = tpl.Height
	}
	l.mu.Unlock()

	if stale {
		l.logger.Debug("discarding stale template", zap.Int64("height", tpl.Height))
		return
	}

	tpl.ReceivedAt = time.Now()
	select {
	case l.out <- tpl:
	default:
		// A previous template is still unconsumed; drain it and replace,
		// since only the latest template matters to downstream publishers.
		select {
		case <-l.out:
		default:
		}
		l.out <- tpl
	}
}

// NotifySource is the narrow interface an UpstreamPool's Stratum client
// presents: each mining.notify becomes a synthetic Template whose coinbase
// is recorded as two opaque spans around the extranonce gap.
type NotifySource interface {
	Notifications() <-chan UpstreamNotify
}

// UpstreamNotify mirrors a received mining.notify, natural byte order.
type UpstreamNotify struct {
	JobID          string
	PrevHash       []byte
	Coinb1         []byte
	Coinb2         []byte
	MerkleBranches [][]byte
	Version        uint32
	NBits          uint32
	NTime          uint32
	CleanJobs      bool
}

// UpstreamPool adapts an upstream Stratum connection's mining.notify stream
// into the Source interface. The resulting Template's TxIDs is always
// empty: the proxy never learns the upstream's transaction set, only the
// opaque coinbase halves and a precomputed merkle ladder, which the caller
// is expected to carry alongside rather than rederive.
type UpstreamPool struct {
	notify NotifySource
	logger *zap.Logger
	out    chan Template

	mu         sync.Mutex
	lastHeight int64
}

func NewUpstreamPool(notify NotifySource, logger *zap.Logger) *UpstreamPool {
	return &UpstreamPool{
		notify:     notify,
		logger:     logger.Named("template.upstream"),
		out:        make(chan Template, 1),
		lastHeight: -1,
	}
}

func (u *UpstreamPool) Templates() <-chan Template {
	return u.out
}

func (u *UpstreamPool) Run(ctx context.Context) error {
	defer close(u.out)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-u.notify.Notifications():
			if !ok {
				return nil
			}
			tpl := Template{
				PreviousBlockHash:      n.PrevHash,
				Bits:                   n.NBits,
				CurTime:                n.NTime,
				ReceivedAt:             time.Now(),
				UpstreamJobID:          n.JobID,
				UpstreamCoinb1:         n.Coinb1,
				UpstreamCoinb2:         n.Coinb2,
				UpstreamMerkleBranches: n.MerkleBranches,
				UpstreamCleanJobs:      n.CleanJobs,
				UpstreamVersion:        n.Version,
			}
			select {
			case u.out <- tpl:
			default:
				select {
				case <-u.out:
				default:
				}
				u.out <- tpl
			}
		}
	}
}
