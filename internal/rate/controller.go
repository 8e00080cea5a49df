package rate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xkilldash9x/shroud/api/schemas"
	"github.com/xkilldash9x/shroud/internal/config"
	"go.uber.org/zap"
)

// ErrRateCeilingExceeded marks a permitted rate above the configured ceiling.
// The hot path never returns it; the controller logs and clamps instead. It
// surfaces only from Restore when a persisted snapshot is corrupt.
var ErrRateCeilingExceeded = errors.New("permitted rate exceeds configured ceiling")

// Regime is the pacing posture of one domain.
type Regime string

const (
	// RegimeNominal paces at the configured default rate.
	RegimeNominal Regime = "nominal"
	// RegimeBackoff paces at a rate reduced by the backoff multiplier.
	RegimeBackoff Regime = "backoff"
	// RegimeRecovering is stepping the multiplier back down, one step per
	// completed success streak. The slow release is deliberate: a sudden
	// return to full rate right after a challenge is itself a signal.
	RegimeRecovering Regime = "recovering"
)

// domainState is the adaptive pacing state for one target domain. Each state
// carries its own mutex so unrelated domains never contend.
type domainState struct {
	mu sync.Mutex

	regime       Regime
	multiplier   float64
	streak       int
	failures     int
	nextDispatch time.Time
	captchaHits  []time.Time
	lastTouched  time.Time
}

// Controller owns per-domain rate state. The domains map is guarded by one
// RWMutex for lookup/create only; all pacing math happens under the state's
// own lock.
type Controller struct {
	cfg    config.RateConfig
	log    *zap.Logger
	jitter *jitterSource

	mu      sync.RWMutex
	domains map[string]*domainState

	now func() time.Time
}

// NewController builds a controller with an empty domain table. Seed feeds
// the jitter source; zero means derive one from the clock.
func NewController(cfg config.RateConfig, logger *zap.Logger, seed int64) *Controller {
	return &Controller{
		cfg:     cfg,
		log:     logger.Named("rate"),
		jitter:  newJitterSource(seed),
		domains: make(map[string]*domainState),
		now:     time.Now,
	}
}

// state returns the domain's state, creating it at defaults on first sight.
func (c *Controller) state(domain string) *domainState {
	c.mu.RLock()
	st, ok := c.domains[domain]
	c.mu.RUnlock()
	if ok {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok = c.domains[domain]; ok {
		return st
	}
	if c.cfg.MaxDomains > 0 && len(c.domains) >= c.cfg.MaxDomains {
		c.evictLocked()
	}
	st = &domainState{regime: RegimeNominal, multiplier: 1.0, lastTouched: c.now()}
	c.domains[domain] = st
	return st
}

// evictLocked drops the longest-idle Nominal entry. Nominal state re-creates
// at defaults with no information loss; Backoff/Recovering entries carry
// learned caution and are never evicted.
func (c *Controller) evictLocked() {
	var victim string
	var oldest time.Time
	for domain, st := range c.domains {
		if st.regime != RegimeNominal {
			continue
		}
		if victim == "" || st.lastTouched.Before(oldest) {
			victim = domain
			oldest = st.lastTouched
		}
	}
	if victim != "" {
		delete(c.domains, victim)
		c.log.Debug("Evicted idle domain rate state", zap.String("domain", victim))
	}
}

// permittedRPM computes the clamped permitted rate for a state. Must be
// called with the state lock held.
func (c *Controller) permittedRPM(domain string, st *domainState) float64 {
	rpm := c.cfg.DefaultRPM / st.multiplier
	if rpm > c.cfg.CeilingRPM {
		// The multiplier floor of 1.0 makes this unreachable unless the
		// snapshot restore path let bad data in. Clamp and keep running.
		c.log.Error("Permitted rate exceeds ceiling, clamping",
			zap.String("domain", domain),
			zap.Float64("computed_rpm", rpm),
			zap.Float64("ceiling_rpm", c.cfg.CeilingRPM))
		rpm = c.cfg.CeilingRPM
	}
	if rpm < c.cfg.FloorRPM {
		rpm = c.cfg.FloorRPM
	}
	return rpm
}

// NextDispatch returns the earliest moment a request to the domain may go
// out, then advances the domain's pacing cursor by one jittered interval.
// The returned time is never earlier than the cursor it consumed.
func (c *Controller) NextDispatch(domain string) time.Time {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := c.now()
	at := st.nextDispatch
	if at.Before(now) {
		at = now
	}

	rpm := c.permittedRPM(domain, st)
	interval := time.Duration(float64(time.Minute) / rpm)
	jittered := interval + time.Duration(c.jitter.Sample()*c.cfg.JitterFraction*float64(interval))
	if jittered < c.cfg.MinSpacing {
		jittered = c.cfg.MinSpacing
	}
	if c.cfg.MaxSpacing > 0 && jittered > c.cfg.MaxSpacing {
		jittered = c.cfg.MaxSpacing
	}

	st.nextDispatch = at.Add(jittered)
	st.lastTouched = now
	return at
}

// Observe feeds one request outcome into the domain's regime machine.
// Proxy-side faults (connection failure, timeout) say nothing about the
// domain's defenses and leave pacing untouched.
func (c *Controller) Observe(domain string, kind schemas.OutcomeKind) {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := c.now()
	st.lastTouched = now

	switch {
	case kind.Negative():
		st.failures++
		st.streak = 0
		st.multiplier *= c.cfg.BackoffFactor
		if st.multiplier > c.cfg.MaxMultiplier {
			st.multiplier = c.cfg.MaxMultiplier
		}
		st.regime = RegimeBackoff
		if kind == schemas.OutcomeCaptcha {
			c.recordCaptchaLocked(domain, st, now)
		}
		c.log.Warn("Domain signalled, backing off",
			zap.String("domain", domain),
			zap.String("outcome", string(kind)),
			zap.Float64("multiplier", st.multiplier),
			zap.Float64("permitted_rpm", c.permittedRPM(domain, st)))

	case kind == schemas.OutcomeSuccess:
		st.failures = 0
		if st.multiplier <= 1.0 {
			st.regime = RegimeNominal
			return
		}
		st.streak++
		if st.streak < c.cfg.CooldownStreak {
			return
		}
		// One recovery step per completed streak, never more.
		st.streak = 0
		st.multiplier /= c.cfg.BackoffFactor
		if st.multiplier <= 1.0 {
			st.multiplier = 1.0
			st.regime = RegimeNominal
		} else {
			st.regime = RegimeRecovering
		}
		c.log.Info("Domain recovering, easing rate up one step",
			zap.String("domain", domain),
			zap.Float64("multiplier", st.multiplier),
			zap.Float64("permitted_rpm", c.permittedRPM(domain, st)))
	}
}

// recordCaptchaLocked tracks captcha hits in the sliding storm window. At
// the storm threshold the multiplier jumps straight to the cap: the domain
// is actively challenging and gradual escalation just burns identities.
func (c *Controller) recordCaptchaLocked(domain string, st *domainState, now time.Time) {
	cutoff := now.Add(-c.cfg.CaptchaWindow)
	kept := st.captchaHits[:0]
	for _, t := range st.captchaHits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.captchaHits = append(kept, now)

	if c.cfg.CaptchaStormThreshold > 0 && len(st.captchaHits) >= c.cfg.CaptchaStormThreshold {
		st.multiplier = c.cfg.MaxMultiplier
		c.log.Warn("Captcha storm detected, rate floored",
			zap.String("domain", domain),
			zap.Int("hits_in_window", len(st.captchaHits)),
			zap.Duration("window", c.cfg.CaptchaWindow))
	}
}

// PermittedRPM reports the domain's current clamped rate.
func (c *Controller) PermittedRPM(domain string) float64 {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	return c.permittedRPM(domain, st)
}

// RegimeOf reports the domain's current regime.
func (c *Controller) RegimeOf(domain string) Regime {
	st := c.state(domain)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.regime
}

// Snapshot captures every domain's pacing state for persistence.
func (c *Controller) Snapshot() []schemas.RateSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]schemas.RateSnapshot, 0, len(c.domains))
	for domain, st := range c.domains {
		st.mu.Lock()
		out = append(out, schemas.RateSnapshot{
			Domain:        domain,
			Regime:        string(st.regime),
			Multiplier:    st.multiplier,
			PermittedRPM:  c.permittedRPM(domain, st),
			SuccessStreak: st.streak,
			NextDispatch:  st.nextDispatch,
			UpdatedAt:     st.lastTouched,
		})
		st.mu.Unlock()
	}
	return out
}

// Restore installs persisted pacing state, typically at startup. Snapshots
// violating the clamp invariants are rejected rather than clamped: corrupt
// persisted data should be loud, not silently repaired.
func (c *Controller) Restore(states []schemas.RateSnapshot) error {
	restored := make(map[string]*domainState, len(states))
	now := c.now()
	for _, s := range states {
		if s.Domain == "" {
			return fmt.Errorf("rate snapshot has an empty domain")
		}
		if s.Multiplier < 1.0 || s.Multiplier > c.cfg.MaxMultiplier {
			return fmt.Errorf("rate snapshot for %s: multiplier %.2f outside [1.0, %.2f]: %w",
				s.Domain, s.Multiplier, c.cfg.MaxMultiplier, ErrRateCeilingExceeded)
		}
		if s.PermittedRPM > c.cfg.CeilingRPM {
			return fmt.Errorf("rate snapshot for %s: permitted rate %.2f above ceiling %.2f: %w",
				s.Domain, s.PermittedRPM, c.cfg.CeilingRPM, ErrRateCeilingExceeded)
		}
		regime := Regime(s.Regime)
		switch regime {
		case RegimeNominal, RegimeBackoff, RegimeRecovering:
		default:
			return fmt.Errorf("rate snapshot for %s: unknown regime %q", s.Domain, s.Regime)
		}
		restored[s.Domain] = &domainState{
			regime:       regime,
			multiplier:   s.Multiplier,
			streak:       s.SuccessStreak,
			nextDispatch: s.NextDispatch,
			lastTouched:  now,
		}
	}

	c.mu.Lock()
	for domain, st := range restored {
		c.domains[domain] = st
	}
	c.mu.Unlock()

	c.log.Info("Restored domain rate state", zap.Int("domains", len(restored)))
	return nil
}
