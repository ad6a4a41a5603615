package proxy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parasitepool/para/internal/coinbase"
	"github.com/parasitepool/para/internal/config"
	"github.com/parasitepool/para/internal/job"
	"github.com/parasitepool/para/internal/merkle"
	"github.com/parasitepool/para/internal/share"
	"github.com/parasitepool/para/internal/template"
)

// sessionExtraNonce1Size is fixed at 4 to match job.ExtraNonce1Allocator's
// [4]byte allocation; ProxyConfig.SessionExtraNonce1Size is validated
// against it at construction rather than threaded through as a variable
// width.
const sessionExtraNonce1Size = 4

// Mode wires an upstream Client into the local job pipeline: every
// upstream mining.notify is republished as a Job with the proxy's own
// (upstream-assigned) ExtraNonce1 folded into Coinb1, and every
// downstream-accepted share that also clears the upstream's difficulty is
// re-submitted upstream.
type Mode struct {
	client   *Client
	cfg      config.ProxyConfig
	registry *job.Registry
	logger   *zap.Logger

	onJob func(*job.Job)
}

// NewMode validates cfg and constructs a Mode. It does not dial; call Run
// to connect and begin serving.
func NewMode(cfg config.ProxyConfig, registry *job.Registry, logger *zap.Logger) (*Mode, error) {
	if cfg.SessionExtraNonce1Size != sessionExtraNonce1Size {
		return nil, fmt.Errorf("proxy: session_extranonce1_size must be %d, got %d",
			sessionExtraNonce1Size, cfg.SessionExtraNonce1Size)
	}

	client := NewClient(ClientConfig{
		Host:        cfg.UpstreamHost,
		Port:        cfg.UpstreamPort,
		User:        cfg.UpstreamUser,
		Pass:        cfg.UpstreamPass,
		DialTimeout: cfg.DialTimeout,
	}, logger)

	return &Mode{
		client:   client,
		cfg:      cfg,
		registry: registry,
		logger:   logger.Named("proxy"),
	}, nil
}

// SetJobHandler registers the callback invoked with every newly published
// job, typically wired to poolserver.Server.BroadcastJob.
func (m *Mode) SetJobHandler(fn func(*job.Job)) {
	m.onJob = fn
}

// DownstreamExtraNonce2Size returns the extranonce2 width to hand local
// sessions, valid only once connected (after the first successful Run
// iteration reaches serveUntilDisconnect).
func (m *Mode) DownstreamExtraNonce2Size() int {
	return m.client.ExtraNonce2Size() - sessionExtraNonce1Size
}

// Client exposes the upstream client, e.g. for Submit calls from the
// share-accounting path.
func (m *Mode) Client() *Client {
	return m.client
}

// Run connects to the upstream pool and republishes its work stream until
// ctx is cancelled, reconnecting with a fixed delay on transient drops. An
// extranonce budget mismatch is treated as a fatal misconfiguration: Run
// returns immediately rather than retrying forever against an upstream
// that can never serve this proxy correctly.
func (m *Mode) Run(ctx context.Context) error {
	for {
		if err := m.connectWithRetry(ctx); err != nil {
			return err
		}

		if err := m.checkExtraNonceBudget(); err != nil {
			m.client.Close()
			m.logger.Error("disconnecting upstream: extranonce budget mismatch", zap.Error(err))
			return err
		}

		m.serveUntilDisconnect(ctx)
		m.client.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.logger.Warn("upstream connection lost, reconnecting", zap.Duration("delay", m.cfg.ReconnectDelay))
		select {
		case <-time.After(m.cfg.ReconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// connectWithRetry retries transient dial/handshake failures until success
// or ctx is cancelled.
func (m *Mode) connectWithRetry(ctx context.Context) error {
	for {
		err := m.client.Connect(ctx)
		if err == nil {
			return nil
		}
		m.logger.Warn("upstream connect failed, retrying", zap.Error(err), zap.Duration("delay", m.cfg.ReconnectDelay))
		select {
		case <-time.After(m.cfg.ReconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// checkExtraNonceBudget verifies the upstream leaves enough extranonce2
// room to embed both the proxy's per-session nonce and a usable extranonce2
// for the downstream miner. Per-spec: on mismatch the proxy must disconnect
// with a clear diagnostic rather than silently truncate.
func (m *Mode) checkExtraNonceBudget() error {
	avail := m.client.ExtraNonce2Size() - sessionExtraNonce1Size
	if avail < m.cfg.DownstreamExtraNonce2Size {
		return fmt.Errorf("upstream extranonce2_size %d leaves only %d bytes after reserving %d for the proxy session nonce, need at least %d for downstream miners",
			m.client.ExtraNonce2Size(), avail, sessionExtraNonce1Size, m.cfg.DownstreamExtraNonce2Size)
	}
	return nil
}

func (m *Mode) serveUntilDisconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.client.Done():
			return
		case n, ok := <-m.client.Notifications():
			if !ok {
				return
			}
			m.publish(n)
		}
	}
}

func (m *Mode) publish(n template.UpstreamNotify) {
	tpl := template.Template{
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

	built := coinbase.Built{
		Coinb1:          append(append([]byte{}, n.Coinb1...), m.client.ExtraNonce1()...),
		Coinb2:          append([]byte{}, n.Coinb2...),
		ExtraNonce1Size: sessionExtraNonce1Size,
		ExtraNonce2Size: m.DownstreamExtraNonce2Size(),
	}

	ladder := merkle.FromBranches(n.MerkleBranches)

	j := m.registry.Publish(tpl, built, ladder, n.Version, n.NBits, n.NTime, n.CleanJobs, time.Now().UnixNano())

	m.logger.Debug("published upstream job",
		zap.Uint64("job_id", j.ID),
		zap.String("upstream_job_id", n.JobID),
		zap.Bool("clean_jobs", n.CleanJobs))

	if m.onJob != nil {
		m.onJob(j)
	}
}

// ShouldForwardUpstream reports whether a locally-accepted share also
// clears the upstream's own difficulty and so must be re-submitted rather
// than accounted locally only.
func (m *Mode) ShouldForwardUpstream(result share.Result) bool {
	if result.Outcome != share.Accepted && result.Outcome != share.BlockSolve {
		return false
	}
	return result.Difficulty >= m.client.Difficulty()
}

// Forward re-submits a downstream share upstream, translating the local
// job id back to the upstream's original job id string.
func (m *Mode) Forward(ctx context.Context, jobID uint64, sub share.Submission) (bool, error) {
	j, class := m.registry.Lookup(jobID)
	if class == job.InvalidJob || j == nil {
		return false, fmt.Errorf("proxy: local job %d not found for upstream forward", jobID)
	}
	if j.Template.UpstreamJobID == "" {
		return false, fmt.Errorf("proxy: job %d has no originating upstream job id", jobID)
	}

	// Coinb1 already carries the upstream-assigned ExtraNonce1, so the
	// upstream's extranonce2 is the downstream session's ExtraNonce1
	// (sub.ExtraNonce1) followed by the miner's ExtraNonce2.
	return m.client.Submit(ctx, j.Template.UpstreamJobID, sub.ExtraNonce1[:], sub.ExtraNonce2, sub.NTime, sub.Nonce)
}

// HandleShare is wired into session.Deps.OnShare in proxy deployments. It
// re-submits upstream, off the hot accounting path, shares that clear the
// upstream's own difficulty; shares that only clear the local session's
// (typically higher-granularity) difficulty are left to local accounting.
func (m *Mode) HandleShare(jobID uint64, sub share.Submission, result share.Result) {
	if !m.ShouldForwardUpstream(result) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		accepted, err := m.Forward(ctx, jobID, sub)
		if err != nil {
			m.logger.Warn("upstream share forward failed", zap.Uint64("job_id", jobID), zap.Error(err))
			return
		}
		if !accepted {
			m.logger.Warn("upstream rejected forwarded share", zap.Uint64("job_id", jobID))
		}
	}()
}
