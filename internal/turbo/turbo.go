// Package turbo implements the adaptive send-rate controller. One controller
// exists per sender phone number; the dispatcher acquires a slot before every
// provider call and reports the outcome back so the target rate can adapt.
package turbo

import (
	"context"
	"sync"
	"time"

	"github.com/zerodha/logf"
)

// Config is the operator-tunable sending policy, stored under SettingsKey
// in the settings table.
type Config struct {
	Enabled                bool `json:"enabled"`
	SendConcurrency        int  `json:"sendConcurrency"`
	BatchSize              int  `json:"batchSize"`
	StartMps               int  `json:"startMps"`
	MaxMps                 int  `json:"maxMps"`
	MinMps                 int  `json:"minMps"`
	CooldownSec            int  `json:"cooldownSec"`
	MinIncreaseGapSec      int  `json:"minIncreaseGapSec"`
	SendFloorDelayMs       int  `json:"sendFloorDelayMs"`
	MaxRateLimitedRequeues int  `json:"maxRateLimitedRequeues"`
}

// SettingsKey is where the sending policy lives in the settings table
const SettingsKey = "turbo.config"

// DefaultConfig returns the policy used when no setting is stored
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		SendConcurrency:        4,
		BatchSize:              50,
		StartMps:               10,
		MaxMps:                 80,
		MinMps:                 2,
		CooldownSec:            30,
		MinIncreaseGapSec:      10,
		SendFloorDelayMs:       0,
		MaxRateLimitedRequeues: 3,
	}
}

// Normalize clamps nonsensical values back into a usable policy
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.SendConcurrency <= 0 {
		c.SendConcurrency = d.SendConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MinMps <= 0 {
		c.MinMps = d.MinMps
	}
	if c.MaxMps < c.MinMps {
		c.MaxMps = c.MinMps
	}
	if c.StartMps < c.MinMps {
		c.StartMps = c.MinMps
	}
	if c.StartMps > c.MaxMps {
		c.StartMps = c.MaxMps
	}
	if c.CooldownSec <= 0 {
		c.CooldownSec = d.CooldownSec
	}
	if c.MinIncreaseGapSec <= 0 {
		c.MinIncreaseGapSec = d.MinIncreaseGapSec
	}
	if c.MaxRateLimitedRequeues < 0 {
		c.MaxRateLimitedRequeues = d.MaxRateLimitedRequeues
	}
}

// State is the persisted controller position, saved after every mutation so a
// restart resumes at the adapted rate instead of re-probing from the start.
type State struct {
	TargetMps      int       `json:"targetMps"`
	LastIncreaseAt time.Time `json:"lastIncreaseAt"`
	CooldownUntil  time.Time `json:"cooldownUntil"`
}

// PersistFunc saves controller state. Failures are logged, never fatal.
type PersistFunc func(phoneNumberID string, st State) error

// Controller paces sends for one sender with additive-increase,
// multiplicative-decrease on the target messages-per-second.
type Controller struct {
	mu  sync.Mutex
	cfg Config
	log logf.Logger

	phoneNumberID string
	persist       PersistFunc

	target         int
	lastEmit       time.Time
	lastIncreaseAt time.Time
	cooldownUntil  time.Time

	// nowFn is swapped in tests
	nowFn func() time.Time
}

// NewController creates a controller starting at st (or cfg.StartMps when st
// carries no target).
func NewController(cfg Config, phoneNumberID string, st State, persist PersistFunc, log logf.Logger) *Controller {
	cfg.Normalize()
	target := st.TargetMps
	if target < cfg.MinMps || target > cfg.MaxMps {
		target = cfg.StartMps
	}
	return &Controller{
		cfg:            cfg,
		log:            log,
		phoneNumberID:  phoneNumberID,
		persist:        persist,
		target:         target,
		lastIncreaseAt: st.LastIncreaseAt,
		cooldownUntil:  st.CooldownUntil,
		nowFn:          time.Now,
	}
}

// Target returns the current target rate in messages per second
func (c *Controller) Target() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// interval is the gap between consecutive emissions at the current target,
// never shorter than the configured floor delay.
func (c *Controller) interval() time.Duration {
	iv := time.Second / time.Duration(c.target)
	if floor := time.Duration(c.cfg.SendFloorDelayMs) * time.Millisecond; iv < floor {
		iv = floor
	}
	return iv
}

// Acquire blocks until the next send slot is available or ctx is done. The
// bucket holds a single token, so emissions are evenly spaced at 1/target.
func (c *Controller) Acquire(ctx context.Context) error {
	c.mu.Lock()
	now := c.nowFn()
	prev := c.lastEmit
	next := c.lastEmit.Add(c.interval())
	if next.Before(now) {
		next = now
	}
	c.lastEmit = next
	wait := next.Sub(now)
	c.mu.Unlock()

	if wait <= 0 {
		if err := ctx.Err(); err != nil {
			c.mu.Lock()
			if c.lastEmit.Equal(next) {
				c.lastEmit = prev
			}
			c.mu.Unlock()
			return err
		}
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		// Return the unclaimed slot so a cancelled acquire does not delay
		// the next sender by a full interval. Skipped when another acquire
		// has claimed a later slot in the meantime.
		c.mu.Lock()
		if c.lastEmit.Equal(next) {
			c.lastEmit = prev
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}

// OnOK reports a successful send. The target creeps up by one when the
// controller is out of cooldown and enough time has passed since the last
// raise.
func (c *Controller) OnOK() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	if c.target >= c.cfg.MaxMps {
		return
	}
	if now.Before(c.cooldownUntil) {
		return
	}
	if !c.lastIncreaseAt.IsZero() && now.Sub(c.lastIncreaseAt) < time.Duration(c.cfg.MinIncreaseGapSec)*time.Second {
		return
	}

	c.target++
	c.lastIncreaseAt = now
	c.persistLocked()
}

// OnRateLimited reports a provider throttle. The target halves, floored at
// MinMps, and increases are frozen for the cooldown window.
func (c *Controller) OnRateLimited() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	c.target /= 2
	if c.target < c.cfg.MinMps {
		c.target = c.cfg.MinMps
	}
	c.cooldownUntil = now.Add(time.Duration(c.cfg.CooldownSec) * time.Second)
	c.log.Warn("Rate limited, backing off", "phone_number_id", c.phoneNumberID, "target_mps", c.target)
	c.persistLocked()
}

// Reset returns the controller to the configured starting rate
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = c.cfg.StartMps
	c.lastIncreaseAt = time.Time{}
	c.cooldownUntil = time.Time{}
	c.persistLocked()
}

func (c *Controller) persistLocked() {
	if c.persist == nil {
		return
	}
	st := State{
		TargetMps:      c.target,
		LastIncreaseAt: c.lastIncreaseAt,
		CooldownUntil:  c.cooldownUntil,
	}
	if err := c.persist(c.phoneNumberID, st); err != nil {
		c.log.Error("Failed to persist turbo state", "phone_number_id", c.phoneNumberID, "error", err)
	}
}
