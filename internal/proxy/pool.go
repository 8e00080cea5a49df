package proxy

import (
	"errors"
	"sync"
	"time"

	"github.com/xkilldash9x/shroud/api/schemas"
	"github.com/xkilldash9x/shroud/internal/config"
	"go.uber.org/zap"
)

// ErrNoEligibleProxy is returned by Acquire when no Healthy endpoint
// satisfies the constraints.
var ErrNoEligibleProxy = errors.New("no eligible proxy endpoint")

// ErrUnknownEndpoint is returned when an id does not exist in the pool.
var ErrUnknownEndpoint = errors.New("unknown proxy endpoint")

// HealthState is the availability posture of one endpoint.
type HealthState string

const (
	// StateHealthy endpoints are fully selectable.
	StateHealthy HealthState = "healthy"
	// StateSuspect endpoints saw one failure and are on notice. They stay
	// selectable for their bound sessions but a further failure demotes them.
	StateSuspect HealthState = "suspect"
	// StateUnhealthy endpoints are never handed to new sessions and only
	// the prober can bring them back.
	StateUnhealthy HealthState = "unhealthy"
)

// latencyAlpha is the EWMA smoothing factor for observed latencies.
const latencyAlpha = 0.3

// endpoint pairs the immutable configuration with the pool's mutable
// bookkeeping. Each endpoint carries its own mutex so probing one endpoint
// never blocks acquisition of another.
type endpoint struct {
	mu sync.Mutex

	cfg schemas.Endpoint

	state         HealthState
	consecFails   int
	consecOKs     int
	latencyEWMAms float64
	lastUsed      time.Time

	// Unhealthy probe scheduling.
	probeAttempts int
	nextProbe     time.Time

	// draining endpoints were removed from configuration but still carry
	// live session bindings. They take no new sessions and are deleted
	// once the last binding releases.
	draining bool
	sessions map[string]struct{}
}

// Pool owns the egress endpoint table and the session→endpoint bindings.
// The outer RWMutex guards only the maps; per-endpoint state has its own
// lock.
type Pool struct {
	cfg config.ProxyConfig
	log *zap.Logger

	mu        sync.RWMutex
	endpoints map[string]*endpoint
	bindings  map[string]string

	now func() time.Time
}

// NewPool builds a pool from the configured endpoint list. All endpoints
// start Healthy; the prober corrects optimism quickly.
func NewPool(cfg config.ProxyConfig, logger *zap.Logger) *Pool {
	p := &Pool{
		cfg:       cfg,
		log:       logger.Named("proxy"),
		endpoints: make(map[string]*endpoint, len(cfg.Endpoints)),
		bindings:  make(map[string]string),
		now:       time.Now,
	}
	for _, ep := range cfg.Endpoints {
		p.endpoints[ep.ID] = newEndpoint(ep)
	}
	return p
}

func newEndpoint(cfg schemas.Endpoint) *endpoint {
	return &endpoint{
		cfg:      cfg,
		state:    StateHealthy,
		sessions: make(map[string]struct{}),
	}
}

// Acquire returns an endpoint id for the request. A session key with a live
// binding gets its bound endpoint back unless that endpoint turned Unhealthy
// or is explicitly excluded (retry after an implicating failure). Otherwise
// the Healthy endpoint with the lowest weighted score wins, ties broken
// least-recently-used so traffic never clusters on one exit IP.
func (p *Pool) Acquire(sessionKey string, geo schemas.GeoConstraint, cost schemas.CostPreference, exclude map[string]struct{}) (string, error) {
	if sessionKey != "" {
		if id, ok := p.boundUsable(sessionKey, exclude); ok {
			return id, nil
		}
	}

	best := p.pickBest(geo, cost, exclude)
	if best == nil {
		return "", ErrNoEligibleProxy
	}

	best.mu.Lock()
	best.lastUsed = p.now()
	if sessionKey != "" {
		best.sessions[sessionKey] = struct{}{}
	}
	id := best.cfg.ID
	best.mu.Unlock()

	if sessionKey != "" {
		p.mu.Lock()
		p.bindings[sessionKey] = id
		p.mu.Unlock()
	}
	return id, nil
}

// boundUsable checks whether the session's existing binding can serve
// another request. A stale binding (endpoint gone or Unhealthy) is dropped
// so the caller falls through to fresh selection.
func (p *Pool) boundUsable(sessionKey string, exclude map[string]struct{}) (string, bool) {
	p.mu.RLock()
	id, bound := p.bindings[sessionKey]
	ep := p.endpoints[id]
	p.mu.RUnlock()
	if !bound || ep == nil {
		return "", false
	}
	if _, excluded := exclude[id]; excluded {
		p.dropBinding(sessionKey, id)
		return "", false
	}

	ep.mu.Lock()
	usable := ep.state != StateUnhealthy
	if usable {
		ep.lastUsed = p.now()
	}
	ep.mu.Unlock()

	if !usable {
		p.dropBinding(sessionKey, id)
		return "", false
	}
	return id, true
}

func (p *Pool) dropBinding(sessionKey, id string) {
	p.mu.Lock()
	delete(p.bindings, sessionKey)
	ep := p.endpoints[id]
	p.mu.Unlock()
	if ep == nil {
		return
	}
	ep.mu.Lock()
	delete(ep.sessions, sessionKey)
	drained := ep.draining && len(ep.sessions) == 0
	ep.mu.Unlock()
	if drained {
		p.remove(id)
	}
}

// pickBest scans Healthy, non-draining endpoints and returns the lowest
// scorer. The scan holds only per-endpoint locks, one at a time.
func (p *Pool) pickBest(geo schemas.GeoConstraint, cost schemas.CostPreference, exclude map[string]struct{}) *endpoint {
	p.mu.RLock()
	candidates := make([]*endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		candidates = append(candidates, ep)
	}
	p.mu.RUnlock()

	var best *endpoint
	var bestScore float64
	var bestUsed time.Time
	for _, ep := range candidates {
		ep.mu.Lock()
		if ep.state != StateHealthy || ep.draining {
			ep.mu.Unlock()
			continue
		}
		if _, excluded := exclude[ep.cfg.ID]; excluded {
			ep.mu.Unlock()
			continue
		}
		score := p.score(ep, geo, cost)
		used := ep.lastUsed
		ep.mu.Unlock()

		if best == nil || score < bestScore || (score == bestScore && used.Before(bestUsed)) {
			best, bestScore, bestUsed = ep, score, used
		}
	}
	return best
}

// score computes the weighted selection cost. Lower is better. Must be
// called with the endpoint lock held.
func (p *Pool) score(ep *endpoint, geo schemas.GeoConstraint, cost schemas.CostPreference) float64 {
	var s float64

	if !geo.IsZero() {
		if ep.cfg.Country != geo.Country {
			s += p.cfg.GeoMismatchPenalty
		} else if geo.Region != "" && ep.cfg.Region != geo.Region {
			// Right country, wrong region: half the penalty.
			s += p.cfg.GeoMismatchPenalty / 2
		}
	}

	costWeight := p.cfg.CostWeight
	switch cost {
	case schemas.CostLow:
		costWeight *= 2
	case schemas.CostPremium:
		if ep.cfg.Type == schemas.EndpointDatacenter {
			s += p.cfg.GeoMismatchPenalty / 2
		}
	}
	s += costWeight * ep.cfg.CostPerRequest

	// Latency contributes in seconds so the weight operates on a scale
	// comparable to cost.
	s += p.cfg.LatencyWeight * ep.latencyEWMAms / 1000.0
	return s
}

// ReportOutcome feeds one request outcome into the endpoint's health
// machine. Success resets the failure run and decays Suspect back to Healthy
// after the configured run of successes; a proxy fault (connection failure
// or timeout) advances Healthy→Suspect→Unhealthy.
func (p *Pool) ReportOutcome(id string, outcome schemas.Outcome) {
	p.mu.RLock()
	ep := p.endpoints[id]
	p.mu.RUnlock()
	if ep == nil {
		p.log.Warn("Outcome for unknown endpoint discarded", zap.String("endpoint_id", id))
		return
	}

	switch {
	case outcome.Kind.ProxyFault():
		p.recordFailure(ep, "reported "+string(outcome.Kind))
	case outcome.Kind == schemas.OutcomeSuccess:
		p.recordSuccess(ep, outcome.Latency)
	default:
		// Rate limits and captchas indict the domain or identity, not the
		// egress. Still fold the latency into the EWMA when present.
		if outcome.Latency > 0 {
			ep.mu.Lock()
			ep.observeLatencyLocked(outcome.Latency)
			ep.mu.Unlock()
		}
	}
}

func (p *Pool) recordSuccess(ep *endpoint, latency time.Duration) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.consecFails = 0
	ep.consecOKs++
	if latency > 0 {
		ep.observeLatencyLocked(latency)
	}
	if ep.state == StateSuspect && ep.consecOKs >= p.cfg.RecoverySuccesses {
		ep.state = StateHealthy
		p.log.Info("Endpoint cleared suspicion",
			zap.String("endpoint_id", ep.cfg.ID),
			zap.Int("successes", ep.consecOKs))
	}
}

func (p *Pool) recordFailure(ep *endpoint, cause string) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.consecOKs = 0
	ep.consecFails++

	switch ep.state {
	case StateHealthy:
		ep.state = StateSuspect
		p.log.Warn("Endpoint demoted to suspect",
			zap.String("endpoint_id", ep.cfg.ID), zap.String("cause", cause))
	case StateSuspect:
		ep.state = StateUnhealthy
		ep.probeAttempts = 0
		ep.nextProbe = p.now().Add(p.cfg.Probe.BaseBackoff)
		p.log.Error("Endpoint marked unhealthy",
			zap.String("endpoint_id", ep.cfg.ID),
			zap.String("cause", cause),
			zap.Time("next_probe", ep.nextProbe))
	}
}

func (ep *endpoint) observeLatencyLocked(latency time.Duration) {
	ms := float64(latency.Milliseconds())
	if ep.latencyEWMAms == 0 {
		ep.latencyEWMAms = ms
		return
	}
	ep.latencyEWMAms = latencyAlpha*ms + (1-latencyAlpha)*ep.latencyEWMAms
}

// Release drops a session's binding, typically on session close. The
// endpoint itself is untouched unless it was draining and this was its last
// binding.
func (p *Pool) Release(sessionKey string) {
	p.mu.RLock()
	id, bound := p.bindings[sessionKey]
	p.mu.RUnlock()
	if !bound {
		return
	}
	p.dropBinding(sessionKey, id)
}

// Bound reports the endpoint currently bound to a session key.
func (p *Pool) Bound(sessionKey string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.bindings[sessionKey]
	return id, ok
}

// StateOf reports an endpoint's health state.
func (p *Pool) StateOf(id string) (HealthState, error) {
	p.mu.RLock()
	ep := p.endpoints[id]
	p.mu.RUnlock()
	if ep == nil {
		return "", ErrUnknownEndpoint
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.state, nil
}

// Apply hot-swaps the endpoint configuration. New endpoints join Healthy;
// endpoints in both generations keep their health state and statistics;
// removed endpoints drain — no new sessions, existing bindings honored
// until their sessions close.
func (p *Pool) Apply(endpoints []schemas.Endpoint) {
	next := make(map[string]schemas.Endpoint, len(endpoints))
	for _, ep := range endpoints {
		next[ep.ID] = ep
	}

	p.mu.Lock()
	var added, drained int
	for id, cfg := range next {
		if existing, ok := p.endpoints[id]; ok {
			existing.mu.Lock()
			existing.cfg = cfg
			existing.draining = false
			existing.mu.Unlock()
			continue
		}
		p.endpoints[id] = newEndpoint(cfg)
		added++
	}
	var empty []string
	for id, ep := range p.endpoints {
		if _, kept := next[id]; kept {
			continue
		}
		ep.mu.Lock()
		ep.draining = true
		if len(ep.sessions) == 0 {
			empty = append(empty, id)
		}
		ep.mu.Unlock()
		drained++
	}
	for _, id := range empty {
		delete(p.endpoints, id)
	}
	p.mu.Unlock()

	p.log.Info("Endpoint configuration applied",
		zap.Int("total", len(next)),
		zap.Int("added", added),
		zap.Int("draining", drained-len(empty)),
		zap.Int("removed", len(empty)))
}

func (p *Pool) remove(id string) {
	p.mu.Lock()
	delete(p.endpoints, id)
	p.mu.Unlock()
	p.log.Info("Drained endpoint removed", zap.String("endpoint_id", id))
}

// Size reports how many endpoints the pool currently tracks.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.endpoints)
}
