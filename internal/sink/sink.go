// Package sink implements the share accounting store: durable Postgres
// persistence, Redis-backed online-worker tracking, and an
// at-least-once HTTPS replicator with a disk-backed overflow buffer for
// when the remote endpoint is unreachable.
package sink

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parasitepool/para/internal/config"
	"github.com/parasitepool/para/internal/share"
)

// Sink is the pool's ShareSink: every validated submission and worker
// connect/disconnect event flows through it.
type Sink struct {
	cfg    config.SinkConfig
	logger *zap.Logger

	pg         *PostgresStore
	redis      *RedisCache
	replicator *Replicator
	spill      *Buffer

	mu      sync.Mutex
	pending []ShareRecord
}

// New wires a Sink from already-connected backends. pg and redis may be nil
// (e.g. in a minimal proxy deployment relying solely on replication).
func New(cfg config.SinkConfig, pg *PostgresStore, redis *RedisCache, logger *zap.Logger) (*Sink, error) {
	spill, err := NewBuffer(cfg.BboltPath, cfg.ReplicatorBufferSize)
	if err != nil {
		return nil, err
	}

	return &Sink{
		cfg:        cfg,
		logger:     logger.Named("sink"),
		pg:         pg,
		redis:      redis,
		replicator: NewReplicator(cfg.ReplicatorEndpoint, 10*time.Second),
		spill:      spill,
	}, nil
}

func (s *Sink) Close() error {
	return s.spill.Close()
}

// RecordShare implements worker.StatsSink. It buffers the share for batched
// persistence rather than writing synchronously on the hot path.
func (s *Sink) RecordShare(ctx context.Context, workerName string, result share.Result, difficulty float64) {
	rec := ShareRecord{
		WorkerName:  workerName,
		Difficulty:  difficulty,
		ShareDiff:   result.Difficulty,
		Outcome:     result.Outcome.String(),
		HeaderHash:  hexOrEmpty(result.HeaderHash),
		SubmittedAt: nowFunc(),
	}

	s.mu.Lock()
	s.pending = append(s.pending, rec)
	shouldFlush := len(s.pending) >= s.cfg.BatchSize
	s.mu.Unlock()

	if shouldFlush {
		s.flush(ctx)
	}
}

func (s *Sink) WorkerOnline(ctx context.Context, name string) {
	if s.redis != nil {
		if err := s.redis.WorkerOnline(ctx, name); err != nil {
			s.logger.Warn("redis worker online failed", zap.String("worker", name), zap.Error(err))
		}
	}
	if s.pg != nil {
		now := nowFunc()
		if err := s.pg.UpsertWorker(ctx, Worker{Name: name, FirstSeenAt: now, LastSeenAt: now}); err != nil {
			s.logger.Warn("postgres worker upsert failed", zap.String("worker", name), zap.Error(err))
		}
	}
}

func (s *Sink) WorkerOffline(ctx context.Context, name string) {
	if s.redis != nil {
		if err := s.redis.WorkerOffline(ctx, name); err != nil {
			s.logger.Warn("redis worker offline failed", zap.String("worker", name), zap.Error(err))
		}
	}
	if s.pg != nil {
		if err := s.pg.UpdateWorkerLastSeen(ctx, name, nowFunc()); err != nil {
			s.logger.Warn("postgres worker last-seen update failed", zap.String("worker", name), zap.Error(err))
		}
	}
}

// flush drains pending into Postgres (if configured) and the replicator. A
// replicator failure spills the batch to the durable buffer instead of
// dropping it.
func (s *Sink) flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if s.pg != nil {
		if err := s.pg.InsertShares(ctx, batch); err != nil {
			s.logger.Error("postgres batch insert failed", zap.Int("count", len(batch)), zap.Error(err))
		}
	}

	if s.cfg.ReplicatorEndpoint == "" {
		return
	}

	if err := s.replicator.Send(ctx, batch); err != nil {
		s.logger.Warn("replication failed, spilling to disk", zap.Int("count", len(batch)), zap.Error(err))
		for _, rec := range batch {
			if err := s.spill.Push(rec); err != nil {
				s.logger.Error("spillover push failed", zap.Error(err))
			}
		}
	}
}

// Run drives periodic batch flushing and retries spilled records against
// the replicator with exponential backoff, until ctx is cancelled.
func (s *Sink) Run(ctx context.Context) {
	flushTicker := time.NewTicker(s.cfg.BatchInterval)
	defer flushTicker.Stop()

	retryDelay := time.Second
	retryTimer := time.NewTimer(retryDelay)
	defer retryTimer.Stop()

	attempt := 0

	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			return
		case <-flushTicker.C:
			s.flush(ctx)
		case <-retryTimer.C:
			if s.drainSpillover(ctx) {
				attempt = 0
			} else {
				attempt++
			}
			retryDelay = Backoff(attempt, time.Second, s.cfg.BackoffMax)
			retryTimer.Reset(retryDelay)
		}
	}
}

// drainSpillover attempts to replicate one batch's worth of spilled
// records. Returns true if the buffer is now empty or the send succeeded.
func (s *Sink) drainSpillover(ctx context.Context) bool {
	if s.spill.Len() == 0 {
		return true
	}
	if s.cfg.ReplicatorEndpoint == "" {
		return true
	}

	records, keys, err := s.spill.Drain(s.cfg.BatchSize)
	if err != nil || len(records) == 0 {
		return err == nil
	}

	if err := s.replicator.Send(ctx, records); err != nil {
		s.logger.Debug("spillover retry failed", zap.Error(err))
		return false
	}

	if err := s.spill.Delete(keys); err != nil {
		s.logger.Error("spillover delete after send failed", zap.Error(err))
	}
	return true
}

func hexOrEmpty(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0x0f]
	}
	return string(out)
}

// nowFunc is a seam for tests; production always uses time.Now.
var nowFunc = time.Now
