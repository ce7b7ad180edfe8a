// Package trigger decides when the agent is called. A typed state
// machine tracks typing activity (ACTIVE, IDLE, STUCK) for the muse
// mode, a randomized-interval timer drives the loki mode, and a shared
// cooldown window keeps triggers from flooding the document. Time is
// injected: Advance(now) performs all transitions deterministically and
// Run drives it with the wall clock in production.
package trigger

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/Jackela/impetus/internal/intervention"
)

// State is the typing-activity state.
type State int

const (
	// StateActive means the user typed within the grace period.
	StateActive State = iota

	// StateIdle means no input for the grace period.
	StateIdle

	// StateStuck means no input for the stuck threshold. The stuck
	// callback fires once per episode on entering this state.
	StateStuck
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateIdle:
		return "IDLE"
	case StateStuck:
		return "STUCK"
	default:
		return "UNKNOWN"
	}
}

// Reason tells the fire callback why it was invoked.
type Reason string

const (
	ReasonStuck  Reason = "stuck"
	ReasonChaos  Reason = "chaos"
	ReasonManual Reason = "manual"
)

// Config holds the trigger timings. Zero values take the defaults.
type Config struct {
	// Grace is the quiet period before ACTIVE becomes IDLE.
	Grace time.Duration

	// StuckAfter is the quiet period before IDLE becomes STUCK.
	StuckAfter time.Duration

	// Cooldown suppresses any timer-driven trigger this soon after the
	// previous trigger. Suppressed triggers are dropped, not queued.
	Cooldown time.Duration

	// ChaosMin and ChaosMax bound the randomized loki interval.
	ChaosMin time.Duration
	ChaosMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.Grace <= 0 {
		c.Grace = 2 * time.Second
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 60 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Second
	}
	if c.ChaosMin <= 0 {
		c.ChaosMin = 30 * time.Second
	}
	if c.ChaosMax <= c.ChaosMin {
		c.ChaosMax = c.ChaosMin + 90*time.Second
	}
	return c
}

// FireFunc receives trigger events.
type FireFunc func(mode intervention.Mode, reason Reason)

// Option configures a Controller.
type Option func(*Controller)

// WithChaosDelay overrides the randomized loki interval, for
// deterministic tests.
func WithChaosDelay(f func() time.Duration) Option {
	return func(c *Controller) { c.chaosDelay = f }
}

// WithRand seeds the chaos interval RNG.
func WithRand(r *rand.Rand) Option {
	return func(c *Controller) { c.rng = r }
}

// Controller is the per-session trigger state machine.
type Controller struct {
	mu         sync.Mutex
	cfg        Config
	onFire     FireFunc
	rng        *rand.Rand
	chaosDelay func() time.Duration

	mode        intervention.Mode
	state       State
	lastInput   time.Time
	stuckFired  bool
	lastTrigger time.Time
	nextChaos   time.Time
}

// New creates a Controller in muse mode. Call Reset (or SetMode) with
// the current time before the first Advance.
func New(cfg Config, onFire FireFunc, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg.withDefaults(),
		onFire: onFire,
		mode:   intervention.ModeMuse,
	}
	for _, o := range opts {
		o(c)
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if c.chaosDelay == nil {
		c.chaosDelay = func() time.Duration {
			spread := c.cfg.ChaosMax - c.cfg.ChaosMin
			return c.cfg.ChaosMin + time.Duration(c.rng.Int63n(int64(spread)+1))
		}
	}
	return c
}

// Reset restarts all timers at now without changing mode.
func (c *Controller) Reset(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(now)
}

// SetMode switches the active mode and restarts all timers. Any
// episode in progress is abandoned so a stale timer cannot fire into
// the new mode.
func (c *Controller) SetMode(mode intervention.Mode, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
	c.resetLocked(now)
}

func (c *Controller) resetLocked(now time.Time) {
	c.state = StateActive
	c.lastInput = now
	c.stuckFired = false
	c.nextChaos = now.Add(c.chaosDelay())
}

// Mode returns the active mode.
func (c *Controller) Mode() intervention.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// State returns the current typing-activity state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RecordInput registers a keystroke: the idle clock restarts and the
// state returns to ACTIVE from anywhere.
func (c *Controller) RecordInput(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastInput = now
	c.state = StateActive
	c.stuckFired = false
}

// TriggerNow fires a manual trigger. Always accepted regardless of
// timer state; restarts the idle clock and the chaos schedule.
func (c *Controller) TriggerNow(now time.Time) {
	c.mu.Lock()
	mode := c.mode
	c.lastTrigger = now
	c.resetLocked(now)
	fire := c.onFire
	c.mu.Unlock()

	if fire != nil {
		fire(mode, ReasonManual)
	}
}

// Advance moves the state machine to now, firing at most one trigger.
// Deterministic: tests drive it with simulated timestamps.
func (c *Controller) Advance(now time.Time) {
	c.mu.Lock()
	var (
		fire   FireFunc
		mode   intervention.Mode
		reason Reason
	)

	quiet := now.Sub(c.lastInput)
	switch {
	case quiet >= c.cfg.StuckAfter:
		c.state = StateStuck
		if c.mode == intervention.ModeMuse && !c.stuckFired {
			// One shot per stuck episode; a cooldown hit consumes the
			// episode rather than deferring it.
			c.stuckFired = true
			if c.cooldownClear(now) {
				c.lastTrigger = now
				fire, mode, reason = c.onFire, c.mode, ReasonStuck
			}
		}
	case quiet >= c.cfg.Grace:
		c.state = StateIdle
	default:
		c.state = StateActive
	}

	if c.mode == intervention.ModeLoki && !c.nextChaos.IsZero() && !now.Before(c.nextChaos) {
		c.nextChaos = now.Add(c.chaosDelay())
		if fire == nil && c.cooldownClear(now) {
			c.lastTrigger = now
			fire, mode, reason = c.onFire, c.mode, ReasonChaos
		}
	}
	c.mu.Unlock()

	if fire != nil {
		fire(mode, reason)
	}
}

func (c *Controller) cooldownClear(now time.Time) bool {
	return c.lastTrigger.IsZero() || now.Sub(c.lastTrigger) >= c.cfg.Cooldown
}

// Run drives Advance with the wall clock until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			c.Advance(t)
		}
	}
}
