package identity

import (
	"errors"
	"sync"
	"time"

	"github.com/xkilldash9x/shroud/api/schemas"
	"github.com/xkilldash9x/shroud/internal/config"
	"go.uber.org/zap"
)

// ErrNoEligibleProfile is returned by Select when no valid, unretired
// profile satisfies the preference and exclusion set. Callers are expected
// to retry with a relaxed preference before giving up.
var ErrNoEligibleProfile = errors.New("no eligible fingerprint profile")

// record wraps one catalog profile with the registry's mutable bookkeeping.
// The profile's attribute set is immutable identity; only these fields move.
type record struct {
	profile    schemas.Profile
	valid      bool
	violations []string
	useCount   int
	lastUsed   time.Time
	loadedAt   time.Time
	strikes    int
	retired    bool
	retiredBy  string
}

// Registry owns the fingerprint profile store. One RWMutex guards the whole
// table: selection needs a global scan for the least-used candidate, and the
// critical section is short and purely in-memory.
type Registry struct {
	cfg config.IdentityConfig
	log *zap.Logger

	mu      sync.RWMutex
	records map[string]*record
	rules   []Rule

	now func() time.Time
}

// NewRegistry builds an empty registry. Profiles arrive via Load or Replace.
func NewRegistry(cfg config.IdentityConfig, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		log:     logger.Named("identity"),
		records: make(map[string]*record),
		rules:   defaultRules(),
		now:     time.Now,
	}
}

// Validate runs the full rule battery against a profile. It returns nil when
// every rule passes, otherwise an *InconsistencyError naming each violation.
func (r *Registry) Validate(p *schemas.Profile) error {
	var violations []string
	for _, rule := range r.rules {
		if err := rule.Check(p); err != nil {
			violations = append(violations, rule.Name+": "+err.Error())
		}
	}
	if len(violations) > 0 {
		return &InconsistencyError{ProfileID: p.ID, Violations: violations}
	}
	return nil
}

// Load validates and installs a catalog, replacing nothing: it is intended
// for the initial population. Invalid profiles are kept for reporting but
// never selectable. Returns the valid and invalid counts.
func (r *Registry) Load(profiles []schemas.Profile) (int, int) {
	return r.install(profiles, false)
}

// Replace atomically swaps in a new catalog. Bookkeeping (use counts,
// last-used, strikes, retirement) carries over for profiles whose id
// survives the swap, so a hot-reload never resets rotation fairness.
// Profiles absent from the new catalog stop being selectable immediately;
// in-flight plans that already bound them are unaffected.
func (r *Registry) Replace(profiles []schemas.Profile) (int, int) {
	return r.install(profiles, true)
}

func (r *Registry) install(profiles []schemas.Profile, carryOver bool) (valid, invalid int) {
	now := r.now()
	next := make(map[string]*record, len(profiles))

	for i := range profiles {
		p := profiles[i]
		rec := &record{profile: p, loadedAt: now, valid: true}
		if err := r.Validate(&p); err != nil {
			var inc *InconsistencyError
			if errors.As(err, &inc) {
				rec.violations = inc.Violations
			}
			rec.valid = false
			invalid++
			r.log.Warn("Profile failed consistency validation and will never be selected",
				zap.String("profile_id", p.ID),
				zap.Strings("violations", rec.violations))
		} else {
			valid++
		}
		next[p.ID] = rec
	}

	// Carry-over and publish happen in one critical section: the outgoing
	// table must not move (concurrent RecordUse, a second swap) between
	// reading its bookkeeping and installing the successor.
	r.mu.Lock()
	if carryOver {
		for id, rec := range next {
			if prev, ok := r.records[id]; ok {
				rec.useCount = prev.useCount
				rec.lastUsed = prev.lastUsed
				rec.loadedAt = prev.loadedAt
				rec.strikes = prev.strikes
				rec.retired = prev.retired
				rec.retiredBy = prev.retiredBy
			}
		}
	}
	r.records = next
	r.mu.Unlock()

	r.log.Info("Profile catalog installed",
		zap.Int("valid", valid),
		zap.Int("invalid", invalid),
		zap.Bool("hot_swap", carryOver))
	return valid, invalid
}

// Select picks the eligible profile with the lowest use count, breaking ties
// by oldest last-used timestamp and finally by id for determinism. Eligible
// means valid, not retired, not expired, matching the platform preference,
// and not in the exclusion set.
func (r *Registry) Select(platformPreference string, exclude map[string]struct{}) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var best *record
	for id, rec := range r.records {
		if _, excluded := exclude[id]; excluded {
			continue
		}
		if !r.eligible(rec, now) {
			continue
		}
		if !rec.profile.Platform.Matches(platformPreference) {
			continue
		}
		if best == nil || lessUsed(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return "", ErrNoEligibleProfile
	}
	return best.profile.ID, nil
}

// eligible applies validity, retirement and age ceilings. Age expiry retires
// the record in place so later scans skip the check.
func (r *Registry) eligible(rec *record, now time.Time) bool {
	if !rec.valid || rec.retired {
		return false
	}
	if r.cfg.MaxAge > 0 {
		born := rec.profile.CreatedAt
		if born.IsZero() {
			born = rec.loadedAt
		}
		if now.Sub(born) > r.cfg.MaxAge {
			rec.retired = true
			rec.retiredBy = "age ceiling"
			r.log.Info("Profile retired",
				zap.String("profile_id", rec.profile.ID),
				zap.String("reason", rec.retiredBy))
			return false
		}
	}
	return true
}

func lessUsed(a, b *record) bool {
	if a.useCount != b.useCount {
		return a.useCount < b.useCount
	}
	if !a.lastUsed.Equal(b.lastUsed) {
		return a.lastUsed.Before(b.lastUsed)
	}
	return a.profile.ID < b.profile.ID
}

// RecordUse bumps the use count and last-used stamp, retiring the profile
// once the configured use ceiling is crossed.
func (r *Registry) RecordUse(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return
	}
	rec.useCount++
	rec.lastUsed = r.now()
	if r.cfg.MaxUseCount > 0 && rec.useCount >= r.cfg.MaxUseCount && !rec.retired {
		rec.retired = true
		rec.retiredBy = "use ceiling"
		r.log.Info("Profile retired",
			zap.String("profile_id", id),
			zap.String("reason", rec.retiredBy),
			zap.Int("use_count", rec.useCount))
	}
}

// RecordStrike notes a captcha/detection event against the profile and
// retires it at the configured strike limit.
func (r *Registry) RecordStrike(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return
	}
	rec.strikes++
	if r.cfg.StrikeLimit > 0 && rec.strikes >= r.cfg.StrikeLimit && !rec.retired {
		rec.retired = true
		rec.retiredBy = "detection strikes"
		r.log.Warn("Profile retired after repeated detection events",
			zap.String("profile_id", id),
			zap.Int("strikes", rec.strikes))
	}
}

// Retire removes a profile from selection immediately.
func (r *Registry) Retire(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.retired {
		return
	}
	rec.retired = true
	rec.retiredBy = reason
	r.log.Info("Profile retired", zap.String("profile_id", id), zap.String("reason", reason))
}

// Profile returns a copy of the stored profile, valid or not.
func (r *Registry) Profile(id string) (schemas.Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return schemas.Profile{}, false
	}
	return rec.profile, true
}

// UseCount exposes the bookkeeping for one profile, mainly for tests and
// the validate command's report.
func (r *Registry) UseCount(id string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return 0, false
	}
	return rec.useCount, true
}

// Stats summarizes the registry for logging and the validate command.
type Stats struct {
	Total   int
	Valid   int
	Invalid int
	Retired int
}

// Violations returns the recorded rule violations for one profile, empty
// when the profile validated cleanly.
func (r *Registry) Violations(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil
	}
	out := make([]string, len(rec.violations))
	copy(out, rec.violations)
	return out
}

// Snapshot computes current registry statistics.
func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Stats
	for _, rec := range r.records {
		s.Total++
		if rec.retired {
			s.Retired++
		}
		if rec.valid {
			s.Valid++
		} else {
			s.Invalid++
		}
	}
	return s
}
