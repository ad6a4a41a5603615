// Package vardiff implements the per-connection variable-difficulty
// controller that retargets a worker's difficulty to hold it near a
// configured share cadence.
package vardiff

import (
	"math"
	"sync"
	"time"
)

// Config holds per-session vardiff parameters.
type Config struct {
	TargetShareInterval time.Duration // T
	Window              int           // W, observation window in shares
	MinDifficulty       float64
	MaxDifficulty       float64
	RetargetPeriod      time.Duration // P
	StartDifficulty     float64
	MaxStepMultiplier   float64 // default 4
	SignificantChange   float64 // default 0.10
	IdleRetarget        time.Duration // default 30s, one-shot pre-first-tick retarget
}

func (c *Config) setDefaults() {
	if c.MaxStepMultiplier == 0 {
		c.MaxStepMultiplier = 4
	}
	if c.SignificantChange == 0 {
		c.SignificantChange = 0.10
	}
	if c.IdleRetarget == 0 {
		c.IdleRetarget = 30 * time.Second
	}
	if c.Window == 0 {
		c.Window = 10
	}
}

// Controller tracks one session's share arrivals and computes retargets.
// Safe for concurrent calls: every method holds mu.
type Controller struct {
	cfg Config

	mu sync.Mutex

	difficulty    float64
	windowStart   time.Time
	shareCount    int
	lastRetarget  time.Time
	firstShareSet bool
	started       time.Time
}

// New creates a Controller seeded at cfg.StartDifficulty.
func New(cfg Config) *Controller {
	cfg.setDefaults()
	now := cfg.referenceNow()
	return &Controller{
		cfg:          cfg,
		difficulty:   cfg.StartDifficulty,
		windowStart:  now,
		lastRetarget: now,
		started:      now,
	}
}

// referenceNow exists only so tests can be written against a fixed clock if
// needed later; production always uses time.Now.
func (c Config) referenceNow() time.Time {
	return time.Now()
}

// Difficulty returns the current difficulty.
func (c *Controller) Difficulty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.difficulty
}

// RecordShare registers a share arrival at time t and, if a retarget is due,
// returns the new difficulty and true. A retarget is due at the configured
// period, or — before the first tick — after the first recorded share, or
// after IdleRetarget has elapsed with zero shares, whichever comes first.
func (c *Controller) RecordShare(t time.Time) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.shareCount++
	c.firstShareSet = true

	return c.maybeRetarget(t)
}

// Tick checks whether a retarget is due purely from elapsed time (used for
// the idle-retarget path when no share has arrived yet).
func (c *Controller) Tick(t time.Time) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maybeRetarget(t)
}

func (c *Controller) maybeRetarget(now time.Time) (float64, bool) {
	elapsedSinceRetarget := now.Sub(c.lastRetarget)

	due := elapsedSinceRetarget >= c.cfg.RetargetPeriod
	if !due && !c.everRetargeted() {
		// One-shot early retarget: after the first share, or after
		// IdleRetarget with none.
		if c.firstShareSet && c.shareCount == 1 {
			due = true
		} else if now.Sub(c.started) >= c.cfg.IdleRetarget {
			due = true
		}
	}
	if !due {
		return c.difficulty, false
	}

	elapsed := now.Sub(c.windowStart).Seconds()
	if elapsed <= 0 {
		elapsed = c.cfg.RetargetPeriod.Seconds()
	}

	rate := float64(c.shareCount) / elapsed
	targetRate := 1.0 / c.cfg.TargetShareInterval.Seconds()

	ratio := 1.0
	if targetRate > 0 && rate > 0 {
		ratio = rate / targetRate
	} else if rate == 0 {
		// No shares observed: treat as extremely slow, drop difficulty
		// by the maximum step.
		ratio = 1.0 / c.cfg.MaxStepMultiplier
	}

	newDiff := c.difficulty * ratio
	newDiff = clamp(newDiff, c.difficulty/c.cfg.MaxStepMultiplier, c.difficulty*c.cfg.MaxStepMultiplier)
	newDiff = clamp(newDiff, c.cfg.MinDifficulty, c.cfg.MaxDifficulty)

	c.windowStart = now
	c.shareCount = 0
	c.lastRetarget = now

	// A sub-threshold change still updates the tracked difficulty so the
	// next retarget's ratio is computed against it, rather than re-deriving
	// the same small delta every window; it's just not emitted to the
	// miner until a later retarget crosses SignificantChange.
	insignificant := math.Abs(newDiff-c.difficulty)/c.difficulty <= c.cfg.SignificantChange
	c.difficulty = newDiff
	if insignificant {
		return newDiff, false
	}

	return newDiff, true
}

func (c *Controller) everRetargeted() bool {
	return !c.lastRetarget.Equal(c.started)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
