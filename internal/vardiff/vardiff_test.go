package vardiff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() Config {
	return Config{
		TargetShareInterval: 5 * time.Second,
		Window:              10,
		MinDifficulty:       0.001,
		MaxDifficulty:       1_000_000,
		RetargetPeriod:      time.Second,
		StartDifficulty:     1.0,
	}
}

func TestNewStartsAtConfiguredDifficulty(t *testing.T) {
	c := New(baseConfig())
	assert.Equal(t, 1.0, c.Difficulty())
}

func TestRecordShareTriggersOneShotRetarget(t *testing.T) {
	c := New(baseConfig())
	now := time.Now().Add(100 * time.Millisecond)

	newDiff, changed := c.RecordShare(now)
	require.True(t, changed)
	assert.Greater(t, newDiff, 1.0)
}

func TestRetargetClampsToMaxStepMultiplier(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxStepMultiplier = 4
	c := New(cfg)

	now := time.Now().Add(10 * time.Millisecond)
	newDiff, changed := c.RecordShare(now)
	require.True(t, changed)
	assert.LessOrEqual(t, newDiff, 1.0*4)
}

func TestRetargetRespectsMinMax(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxDifficulty = 2.0
	c := New(cfg)

	now := time.Now().Add(10 * time.Millisecond)
	newDiff, _ := c.RecordShare(now)
	assert.LessOrEqual(t, newDiff, 2.0)
}

func TestTickAfterIdleRetargetsDown(t *testing.T) {
	cfg := baseConfig()
	cfg.IdleRetarget = 10 * time.Millisecond
	c := New(cfg)

	now := time.Now().Add(20 * time.Millisecond)
	newDiff, changed := c.Tick(now)
	require.True(t, changed)
	assert.Less(t, newDiff, 1.0)
}
