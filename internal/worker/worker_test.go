package worker

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parasitepool/para/internal/share"
	"github.com/parasitepool/para/internal/username"
)

type fakeSink struct {
	online, offline int
	recorded        int
}

func (f *fakeSink) RecordShare(ctx context.Context, worker string, result share.Result, difficulty float64) {
	f.recorded++
}
func (f *fakeSink) WorkerOnline(ctx context.Context, worker string)  { f.online++ }
func (f *fakeSink) WorkerOffline(ctx context.Context, worker string) { f.offline++ }

func TestRegisterRejectsInvalidAddress(t *testing.T) {
	m := NewManager(zap.NewNop(), &chaincfg.MainNetParams, &fakeSink{})
	_, err := m.Register(context.Background(), username.Parsed{L1Addr: "not-an-address"}, "1.2.3.4")
	require.Error(t, err)
}

func TestRegisterAcceptsValidAddressAndIsIdempotent(t *testing.T) {
	sink := &fakeSink{}
	m := NewManager(zap.NewNop(), &chaincfg.MainNetParams, sink)
	identity, ok := username.Parse("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa.rig1")
	require.True(t, ok)

	w1, err := m.Register(context.Background(), identity, "1.2.3.4")
	require.NoError(t, err)
	w2, err := m.Register(context.Background(), identity, "1.2.3.4")
	require.NoError(t, err)

	assert.Same(t, w1, w2)
	assert.Equal(t, 1, sink.online)
	assert.Equal(t, 1, m.Count())
}

func TestUpdateStatsTracksOutcomes(t *testing.T) {
	sink := &fakeSink{}
	m := NewManager(zap.NewNop(), &chaincfg.MainNetParams, sink)
	identity, _ := username.Parse("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	w, err := m.Register(context.Background(), identity, "1.2.3.4")
	require.NoError(t, err)

	m.UpdateStats(context.Background(), w.Name, share.Result{Outcome: share.Accepted}, 1.0)
	m.UpdateStats(context.Background(), w.Name, share.Result{Outcome: share.LowDifficulty}, 1.0)
	m.UpdateStats(context.Background(), w.Name, share.Result{Outcome: share.Stale}, 1.0)

	valid, invalid, stale, _ := m.GetWorkerStats(w.Name)
	assert.Equal(t, int64(1), valid)
	assert.Equal(t, int64(1), invalid)
	assert.Equal(t, int64(1), stale)
	assert.Equal(t, 3, sink.recorded)
}

func TestCleanupInactiveDisconnectsStaleWorkers(t *testing.T) {
	sink := &fakeSink{}
	m := NewManager(zap.NewNop(), &chaincfg.MainNetParams, sink)
	identity, _ := username.Parse("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	w, err := m.Register(context.Background(), identity, "1.2.3.4")
	require.NoError(t, err)

	w.mu.Lock()
	w.LastActivityAt = time.Now().Add(-time.Hour)
	w.mu.Unlock()

	m.CleanupInactive(context.Background(), time.Minute)
	assert.Nil(t, m.GetWorker(w.Name))
	assert.Equal(t, 1, sink.offline)
}
