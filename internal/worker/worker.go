// Package worker tracks connected miners: registration, share statistics,
// and hashrate estimation.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/parasitepool/para/internal/share"
	"github.com/parasitepool/para/internal/username"
)

var (
	activeWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_active_workers",
		Help: "Number of active workers",
	})
	workerHashrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stratum_worker_hashrate",
		Help: "Estimated hashrate per worker",
	}, []string{"worker"})
)

func init() {
	prometheus.MustRegister(activeWorkers, workerHashrate)
}

// Worker tracks state for one authorized username, worker suffix included
// (sessions authorizing with the same full username share one Worker).
type Worker struct {
	Name           string
	Identity       username.Parsed
	Address        string
	ValidShares    int64
	InvalidShares  int64
	StaleShares    int64
	LastShareTime  time.Time
	ConnectedAt    time.Time
	LastActivityAt time.Time
	Hashrate       float64

	mu             sync.RWMutex
	recentInterval time.Duration // exponentially-decayed average share interval
}

// StatsSink is implemented by the share accounting store, decoupling Manager
// from any particular storage backend.
type StatsSink interface {
	RecordShare(ctx context.Context, worker string, result share.Result, difficulty float64)
	WorkerOnline(ctx context.Context, worker string)
	WorkerOffline(ctx context.Context, worker string)
}

// Manager tracks all currently registered workers.
type Manager struct {
	logger      *zap.Logger
	chainParams *chaincfg.Params
	sink        StatsSink
	workers     sync.Map // map[string]*Worker
}

func NewManager(logger *zap.Logger, chainParams *chaincfg.Params, sink StatsSink) *Manager {
	return &Manager{
		logger:      logger.Named("worker"),
		chainParams: chainParams,
		sink:        sink,
	}
}

// Register validates identity.L1Addr against the pool's chain parameters
// and returns the (possibly pre-existing) Worker for identity.String().
func (m *Manager) Register(ctx context.Context, identity username.Parsed, remoteAddr string) (*Worker, error) {
	if _, err := btcutil.DecodeAddress(identity.L1Addr, m.chainParams); err != nil {
		return nil, fmt.Errorf("invalid payout address %q: %w", identity.L1Addr, err)
	}

	name := identity.String()

	if w, ok := m.workers.Load(name); ok {
		worker := w.(*Worker)
		worker.mu.Lock()
		worker.LastActivityAt = time.Now()
		worker.Address = remoteAddr
		worker.mu.Unlock()
		return worker, nil
	}

	worker := &Worker{
		Name:           name,
		Identity:       identity,
		Address:        remoteAddr,
		ConnectedAt:    time.Now(),
		LastActivityAt: time.Now(),
	}

	actual, loaded := m.workers.LoadOrStore(name, worker)
	if loaded {
		return actual.(*Worker), nil
	}

	activeWorkers.Inc()
	if m.sink != nil {
		m.sink.WorkerOnline(ctx, name)
	}

	m.logger.Info("worker registered", zap.String("worker", name), zap.String("remote_addr", remoteAddr))
	return worker, nil
}

// Disconnect removes bookkeeping for name.
func (m *Manager) Disconnect(ctx context.Context, name string) {
	if w, ok := m.workers.LoadAndDelete(name); ok {
		worker := w.(*Worker)
		activeWorkers.Dec()
		if m.sink != nil {
			m.sink.WorkerOffline(ctx, name)
		}
		m.logger.Info("worker disconnected",
			zap.String("worker", name),
			zap.Int64("valid_shares", worker.ValidShares),
			zap.Int64("invalid_shares", worker.InvalidShares),
		)
	}
}

// UpdateStats records the outcome of a validated share against name.
func (m *Manager) UpdateStats(ctx context.Context, name string, result share.Result, difficulty float64) {
	w, ok := m.workers.Load(name)
	if !ok {
		return
	}
	worker := w.(*Worker)

	worker.mu.Lock()
	now := time.Now()
	if !worker.LastActivityAt.IsZero() && worker.LastShareTime.IsZero() == false {
		interval := now.Sub(worker.LastShareTime)
		if worker.recentInterval == 0 {
			worker.recentInterval = interval
		} else {
			const alpha = 0.2
			worker.recentInterval = time.Duration(float64(worker.recentInterval)*(1-alpha) + float64(interval)*alpha)
		}
	}
	worker.LastActivityAt = now

	switch result.Outcome {
	case share.Accepted, share.BlockSolve:
		worker.ValidShares++
		worker.LastShareTime = now
		m.updateHashrate(worker, difficulty)
	case share.Stale:
		worker.StaleShares++
	default:
		worker.InvalidShares++
	}
	worker.mu.Unlock()

	if m.sink != nil {
		m.sink.RecordShare(ctx, name, result, difficulty)
	}
}

// updateHashrate estimates hashrate from the exponentially-decayed share
// interval: at difficulty d a pool share represents d*2^32 expected hashes.
func (m *Manager) updateHashrate(worker *Worker, difficulty float64) {
	if worker.recentInterval <= 0 {
		return
	}
	hashrate := difficulty * 4294967296.0 / worker.recentInterval.Seconds()
	worker.Hashrate = hashrate
	workerHashrate.WithLabelValues(worker.Name).Set(hashrate)
}

// GetWorker returns a worker by canonical name, if registered.
func (m *Manager) GetWorker(name string) *Worker {
	if w, ok := m.workers.Load(name); ok {
		return w.(*Worker)
	}
	return nil
}

// GetWorkerStats returns the share counters and hashrate estimate for name.
func (m *Manager) GetWorkerStats(name string) (valid, invalid, stale int64, hashrate float64) {
	w, ok := m.workers.Load(name)
	if !ok {
		return
	}
	worker := w.(*Worker)
	worker.mu.RLock()
	defer worker.mu.RUnlock()
	return worker.ValidShares, worker.InvalidShares, worker.StaleShares, worker.Hashrate
}

// Count returns the number of registered workers.
func (m *Manager) Count() int {
	count := 0
	m.workers.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// CleanupInactive disconnects workers idle longer than timeout.
func (m *Manager) CleanupInactive(ctx context.Context, timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)

	var stale []string
	m.workers.Range(func(key, value interface{}) bool {
		worker := value.(*Worker)
		worker.mu.RLock()
		last := worker.LastActivityAt
		worker.mu.RUnlock()
		if last.Before(cutoff) {
			stale = append(stale, key.(string))
		}
		return true
	})

	for _, name := range stale {
		m.Disconnect(ctx, name)
	}
}

// RunCleanupLoop periodically calls CleanupInactive until ctx is cancelled.
func (m *Manager) RunCleanupLoop(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupInactive(ctx, timeout)
		}
	}
}
