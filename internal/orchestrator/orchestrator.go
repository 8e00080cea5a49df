package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xkilldash9x/shroud/api/schemas"
	"github.com/xkilldash9x/shroud/internal/config"
	"github.com/xkilldash9x/shroud/internal/identity"
	"go.uber.org/zap"
)

var (
	// ErrNoIdentityAvailable means profile selection failed even after the
	// platform preference was dropped.
	ErrNoIdentityAvailable = errors.New("no identity available")
	// ErrSessionBindingConflict rejects an attempt to rebind a session whose
	// bindings moved underneath the caller. Programming error, not retried.
	ErrSessionBindingConflict = errors.New("session binding conflict")
	// ErrUnknownHandle is returned for a handle this orchestrator never
	// issued or has already resolved.
	ErrUnknownHandle = errors.New("unknown intent handle")
	// ErrUnknownSession is returned when closing a session key that has no
	// live state.
	ErrUnknownSession = errors.New("unknown session key")
	// ErrQueueSaturated is returned by Submit when the intent queue is full
	// or no longer accepting.
	ErrQueueSaturated = errors.New("intent queue is saturated or closed")
)

// -- Interfaces for Dependency Inversion --

// ProfileSource is the slice of the fingerprint registry the scheduler
// needs.
type ProfileSource interface {
	Select(platformPreference string, exclude map[string]struct{}) (string, error)
	RecordUse(id string)
	RecordStrike(id string)
}

// EndpointSource is the slice of the proxy pool the scheduler needs.
type EndpointSource interface {
	Acquire(sessionKey string, geo schemas.GeoConstraint, cost schemas.CostPreference, exclude map[string]struct{}) (string, error)
	ReportOutcome(id string, outcome schemas.Outcome)
	Release(sessionKey string)
}

// Pacer is the slice of the rate controller the scheduler needs.
type Pacer interface {
	NextDispatch(domain string) time.Time
	Observe(domain string, kind schemas.OutcomeKind)
	Snapshot() []schemas.RateSnapshot
}

// Recorder persists rate snapshots and the dispatch audit trail. A nil
// Recorder disables persistence.
type Recorder interface {
	SaveRateStates(ctx context.Context, states []schemas.RateSnapshot) error
	LogPlans(ctx context.Context, plans []schemas.Plan) error
}

// rngPool hands out seeded generators for plan jitter without a global lock.
var rngPool = sync.Pool{
	New: func() interface{} {
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	},
}

// inflightEntry tracks one emitted plan until its outcome arrives.
type inflightEntry struct {
	it        *pendingIntent
	plan      schemas.Plan
	cancelled atomic.Bool
}

// Orchestrator owns the intent queue, the session table, the profile lease
// table, and the dispatch worker pool. It is the only component that
// mutates bindings; collaborators see Plans and submit Outcomes.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	log      *zap.Logger
	registry ProfileSource
	pool     EndpointSource
	pacer    Pacer
	store    Recorder

	queue   *intentQueue
	plans   chan schemas.Plan
	results chan schemas.Result

	sessionsMu sync.Mutex
	sessions   map[string]*session

	leases *leaseTable

	inflightMu sync.Mutex
	inflight   map[string]*inflightEntry

	auditMu sync.Mutex
	audit   []schemas.Plan

	seq    atomic.Uint64
	wg     sync.WaitGroup
	cancel context.CancelFunc
	now    func() time.Time
}

// New wires the scheduler to its three stores. The Recorder may be nil.
func New(cfg config.OrchestratorConfig, registry ProfileSource, pool EndpointSource, pacer Pacer, store Recorder, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		log:      logger.Named("orchestrator"),
		registry: registry,
		pool:     pool,
		pacer:    pacer,
		store:    store,
		queue:    newIntentQueue(cfg.QueueSize),
		plans:    make(chan schemas.Plan, cfg.WorkerConcurrency),
		results:  make(chan schemas.Result, cfg.QueueSize),
		sessions: make(map[string]*session),
		leases:   newLeaseTable(),
		inflight: make(map[string]*inflightEntry),
		now:      time.Now,
	}
}

// Plans delivers execution plans to the automation layer. The channel is
// buffered to the worker pool size; a slow consumer backpressures dispatch.
func (o *Orchestrator) Plans() <-chan schemas.Plan { return o.plans }

// Results delivers terminal dispositions of submitted intents.
func (o *Orchestrator) Results() <-chan schemas.Result { return o.results }

// Start launches the dispatch workers, the session janitor, and, when a
// Recorder is wired, the snapshot loop.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)

	o.log.Info("Starting dispatch worker pool",
		zap.Int("concurrency", o.cfg.WorkerConcurrency))
	for i := 0; i < o.cfg.WorkerConcurrency; i++ {
		o.wg.Add(1)
		go o.runWorker(ctx, i+1)
	}

	o.wg.Add(1)
	go o.runJanitor(ctx)

	if o.store != nil && o.cfg.SnapshotInterval > 0 {
		o.wg.Add(1)
		go o.runSnapshots(ctx)
	}

	go func() {
		<-ctx.Done()
		o.queue.close()
	}()
}

// Stop shuts the scheduler down and waits for every worker to exit. The
// Plans channel is closed; Report and Submit must not be called afterwards.
func (o *Orchestrator) Stop() {
	o.log.Info("Stopping orchestrator, waiting for workers")
	if o.cancel != nil {
		o.cancel()
	}
	o.queue.close()
	o.wg.Wait()
	close(o.plans)
	o.log.Info("Orchestrator stopped")
}

// Submit enqueues one request intent and returns its handle. The handle is
// how the caller later reports the outcome or cancels.
func (o *Orchestrator) Submit(intent schemas.Intent) (string, error) {
	domain, err := domainOf(intent.TargetURL)
	if err != nil {
		return "", err
	}

	it := &pendingIntent{
		handle:          uuid.NewString(),
		intent:          intent,
		domain:          domain,
		seq:             o.seq.Add(1),
		excludeProfiles: make(map[string]struct{}),
		excludeProxies:  make(map[string]struct{}),
	}
	if !o.queue.push(it) {
		return "", ErrQueueSaturated
	}

	o.log.Debug("Intent queued",
		zap.String("handle", it.handle),
		zap.String("domain", domain),
		zap.Int("priority", intent.Priority))
	return it.handle, nil
}

// Cancel withdraws a queued intent, or marks an in-flight one so its
// eventual outcome cannot be read as a success signal.
func (o *Orchestrator) Cancel(handle string) error {
	if it, ok := o.queue.withdraw(handle); ok {
		o.finish(it, schemas.ResultCancelled, nil, "cancelled before dispatch")
		return nil
	}

	o.inflightMu.Lock()
	entry, ok := o.inflight[handle]
	o.inflightMu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	entry.cancelled.Store(true)
	return nil
}

// Report feeds the outcome of an executed plan back into the learning
// state. This is the single entry point for all adaptation: every rate,
// health, or identity mutation traces to exactly one call here.
func (o *Orchestrator) Report(handle string, outcome schemas.Outcome) error {
	o.inflightMu.Lock()
	entry, ok := o.inflight[handle]
	if ok {
		delete(o.inflight, handle)
	}
	o.inflightMu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}
	if outcome.At.IsZero() {
		outcome.At = o.now()
	}

	it := entry.it
	cancelled := entry.cancelled.Load()

	o.pool.ReportOutcome(entry.plan.ProxyID, outcome)

	// A cancelled intent's success is indeterminate: nobody verified the
	// response, so it must not feed backoff decay. Negative signals are
	// real regardless of who was still listening.
	if !(cancelled && outcome.Kind == schemas.OutcomeSuccess) {
		o.pacer.Observe(it.domain, outcome.Kind)
	}
	if outcome.Kind == schemas.OutcomeCaptcha {
		o.registry.RecordStrike(entry.plan.ProfileID)
	}

	switch {
	case cancelled:
		o.finish(it, schemas.ResultCancelled, &outcome, "cancelled while in flight")
	case outcome.Kind == schemas.OutcomeSuccess:
		o.finish(it, schemas.ResultCompleted, &outcome, "")
	default:
		o.retryOrFail(entry, outcome)
	}
	return nil
}

// CloseSession ends a logical flow: its proxy binding and profile lease are
// released and the key may bind fresh on next use.
func (o *Orchestrator) CloseSession(key string) error {
	o.sessionsMu.Lock()
	sess := o.sessions[key]
	delete(o.sessions, key)
	o.sessionsMu.Unlock()
	if sess == nil {
		return fmt.Errorf("closing session %q: %w", key, ErrUnknownSession)
	}

	sess.mu.Lock()
	sess.closed = true
	sess.mu.Unlock()

	o.pool.Release(key)
	o.leases.releaseOwner(sessionOwner(key))
	o.log.Debug("Session closed", zap.String("session_key", key))
	return nil
}

// -- Dispatch path --

func (o *Orchestrator) runWorker(ctx context.Context, id int) {
	defer o.wg.Done()
	log := o.log.With(zap.Int("worker_id", id))
	log.Debug("Dispatch worker started")

	for {
		it := o.queue.pop()
		if it == nil {
			log.Debug("Queue closed and drained, worker exiting")
			return
		}
		o.dispatch(ctx, it, log)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, it *pendingIntent, log *zap.Logger) {
	plan, err := o.buildPlan(it)
	if err != nil {
		log.Warn("Intent failed planning",
			zap.String("handle", it.handle),
			zap.String("domain", it.domain),
			zap.Error(err))
		o.finish(it, schemas.ResultFailed, it.lastOutcome, err.Error())
		return
	}

	// Park until the permitted dispatch moment. The worker holds no locks
	// here; pacing delay never blocks plan computation for other domains.
	if err := o.parkUntil(ctx, plan.DispatchAt); err != nil {
		o.finish(it, schemas.ResultCancelled, it.lastOutcome, "shutdown before dispatch")
		return
	}

	entry := &inflightEntry{it: it, plan: plan}
	o.inflightMu.Lock()
	o.inflight[it.handle] = entry
	o.inflightMu.Unlock()

	select {
	case o.plans <- plan:
		o.recordAudit(plan)
		log.Debug("Plan emitted",
			zap.String("handle", it.handle),
			zap.String("profile_id", plan.ProfileID),
			zap.String("proxy_id", plan.ProxyID),
			zap.Time("dispatch_at", plan.DispatchAt),
			zap.Int("attempt", plan.Attempt))
	case <-ctx.Done():
		o.inflightMu.Lock()
		delete(o.inflight, it.handle)
		o.inflightMu.Unlock()
		o.finish(it, schemas.ResultCancelled, it.lastOutcome, "shutdown before delivery")
	}
}

// buildPlan resolves pacing, proxy, and identity for one attempt, in that
// order. Failures surface fast; nothing here blocks on the network.
func (o *Orchestrator) buildPlan(it *pendingIntent) (schemas.Plan, error) {
	it.attempts++
	dispatchAt := o.pacer.NextDispatch(it.domain)

	var profileID, proxyID string
	var err error
	if it.intent.SessionKey != "" {
		profileID, proxyID, err = o.planSession(it)
	} else {
		profileID, proxyID, err = o.planOneShot(it)
	}
	if err != nil {
		return schemas.Plan{}, err
	}

	o.registry.RecordUse(profileID)
	return schemas.Plan{
		ID:         uuid.NewString(),
		Handle:     it.handle,
		SessionKey: it.intent.SessionKey,
		Domain:     it.domain,
		ProfileID:  profileID,
		ProxyID:    proxyID,
		DispatchAt: dispatchAt,
		Jitter:     o.planJitter(),
		Attempt:    it.attempts,
	}, nil
}

// planOneShot binds a fresh proxy and a leased profile for a sessionless
// intent. The lease owner is the intent handle; it releases on the terminal
// result.
func (o *Orchestrator) planOneShot(it *pendingIntent) (string, string, error) {
	proxyID, err := o.pool.Acquire("", it.intent.Geo, it.intent.Cost, it.excludeProxies)
	if err != nil {
		return "", "", fmt.Errorf("acquiring proxy: %w", err)
	}

	exclude := o.leases.heldByOthers(it.handle)
	for id := range it.excludeProfiles {
		exclude[id] = struct{}{}
	}
	profileID, err := o.selectProfile(it.intent.Platform, exclude)
	if err != nil {
		return "", "", err
	}
	if !o.leases.lease(profileID, it.handle) {
		// Lost a race for the profile between selection and lease; one
		// more try with it excluded.
		exclude[profileID] = struct{}{}
		if profileID, err = o.selectProfile(it.intent.Platform, exclude); err != nil {
			return "", "", err
		}
		if !o.leases.lease(profileID, it.handle) {
			return "", "", ErrNoIdentityAvailable
		}
	}
	return profileID, proxyID, nil
}

// planSession resolves bindings under the session lock, so two concurrent
// plans for one key can never bind it to two different endpoints.
func (o *Orchestrator) planSession(it *pendingIntent) (string, string, error) {
	key := it.intent.SessionKey
	var sess *session
	for {
		sess = o.getOrCreateSession(key)
		sess.mu.Lock()
		if !sess.closed {
			break
		}
		// Swept by the janitor between lookup and lock; a fresh lookup
		// creates a replacement.
		sess.mu.Unlock()
	}
	defer sess.mu.Unlock()

	owner := sessionOwner(key)

	proxyID, err := o.pool.Acquire(key, it.intent.Geo, it.intent.Cost, it.excludeProxies)
	if err != nil {
		return "", "", fmt.Errorf("acquiring proxy for session %q: %w", key, err)
	}
	if sess.proxyID != "" && sess.proxyID != proxyID {
		// The pool rotated the binding: the old endpoint turned unhealthy
		// or was implicated in a failure.
		o.log.Debug("Session proxy binding rotated",
			zap.String("session_key", key),
			zap.String("from", sess.proxyID),
			zap.String("to", proxyID))
	}
	sess.proxyID = proxyID

	profileID := sess.profileID
	_, profileExcluded := it.excludeProfiles[profileID]
	if profileID == "" || profileExcluded {
		if profileID != "" {
			o.leases.releaseOwner(owner)
			sess.profileID = ""
		}
		exclude := o.leases.heldByOthers(owner)
		for id := range it.excludeProfiles {
			exclude[id] = struct{}{}
		}
		if profileID, err = o.selectProfile(it.intent.Platform, exclude); err != nil {
			return "", "", err
		}
		if !o.leases.lease(profileID, owner) {
			return "", "", ErrNoIdentityAvailable
		}
		sess.profileID = profileID
	}

	sess.lastActive = o.now()
	return sess.profileID, sess.proxyID, nil
}

// selectProfile applies the relaxation ladder: preferred platform first,
// then any platform, then give up with ErrNoIdentityAvailable.
func (o *Orchestrator) selectProfile(preference string, exclude map[string]struct{}) (string, error) {
	id, err := o.registry.Select(preference, exclude)
	if err == nil {
		return id, nil
	}
	if errors.Is(err, identity.ErrNoEligibleProfile) && preference != "" {
		o.log.Debug("No profile for platform preference, relaxing",
			zap.String("preference", preference))
		if id, err = o.registry.Select("", exclude); err == nil {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoIdentityAvailable, err)
}

// retryOrFail re-enqueues a failed attempt while retry budget remains. A
// captcha or proxy fault implicates the pair that served it: both ids join
// the exclusion sets and session bindings rotate, so the retry always runs
// on a fresh identity and egress.
func (o *Orchestrator) retryOrFail(entry *inflightEntry, outcome schemas.Outcome) {
	it := entry.it
	it.lastOutcome = &outcome

	maxAttempts := o.cfg.MaxAttempts
	if it.intent.MaxAttempts > 0 {
		maxAttempts = it.intent.MaxAttempts
	}
	if it.attempts >= maxAttempts {
		o.finish(it, schemas.ResultFailed, &outcome, "retry budget exhausted")
		return
	}

	if outcome.Kind == schemas.OutcomeCaptcha || outcome.Kind.ProxyFault() {
		it.excludeProfiles[entry.plan.ProfileID] = struct{}{}
		it.excludeProxies[entry.plan.ProxyID] = struct{}{}
		if key := it.intent.SessionKey; key != "" {
			if err := o.rotateSession(key, entry.plan.ProfileID); err != nil {
				o.log.Warn("Session rotation skipped",
					zap.String("session_key", key), zap.Error(err))
			}
		} else {
			o.leases.releaseOwner(it.handle)
		}
	}

	if !o.queue.push(it) {
		o.finish(it, schemas.ResultFailed, &outcome, "queue closed during retry")
		return
	}
	o.log.Info("Intent re-enqueued after failure",
		zap.String("handle", it.handle),
		zap.String("outcome", string(outcome.Kind)),
		zap.Int("attempt", it.attempts))
}

// rotateSession clears a session's bindings after its pair was implicated
// in a failure. Only the scheduler calls this, under the session lock; a
// binding that moved since the plan was emitted means two actors are
// mutating one session, which is the conflict the invariant forbids.
func (o *Orchestrator) rotateSession(key, implicatedProfile string) error {
	o.sessionsMu.Lock()
	sess := o.sessions[key]
	o.sessionsMu.Unlock()
	if sess == nil {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.profileID != "" && sess.profileID != implicatedProfile {
		return fmt.Errorf("session %q now holds profile %s: %w",
			key, sess.profileID, ErrSessionBindingConflict)
	}
	o.leases.releaseOwner(sessionOwner(key))
	sess.profileID = ""
	sess.proxyID = ""
	o.pool.Release(key)
	return nil
}

// finish emits the terminal result and releases any one-shot lease.
func (o *Orchestrator) finish(it *pendingIntent, status schemas.ResultStatus, outcome *schemas.Outcome, reason string) {
	if it.intent.SessionKey == "" {
		o.leases.releaseOwner(it.handle)
	}
	o.results <- schemas.Result{
		Handle:      it.handle,
		Status:      status,
		Attempts:    it.attempts,
		LastOutcome: outcome,
		Reason:      reason,
	}
}

// parkUntil sleeps to the dispatch moment, respecting cancellation.
func (o *Orchestrator) parkUntil(ctx context.Context, t time.Time) error {
	d := t.Sub(o.now())
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) planJitter() time.Duration {
	if o.cfg.PlanJitterMax <= 0 {
		return 0
	}
	rng := rngPool.Get().(*rand.Rand)
	defer rngPool.Put(rng)
	return time.Duration(rng.Int63n(int64(o.cfg.PlanJitterMax)))
}

func (o *Orchestrator) getOrCreateSession(key string) *session {
	o.sessionsMu.Lock()
	defer o.sessionsMu.Unlock()
	if sess, ok := o.sessions[key]; ok {
		return sess
	}
	sess := &session{key: key, lastActive: o.now()}
	o.sessions[key] = sess
	return sess
}

func sessionOwner(key string) string { return "session:" + key }

// domainOf extracts the lowercased host an intent targets.
func domainOf(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid target URL %q: %w", target, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("target URL %q has no host", target)
	}
	return strings.ToLower(host), nil
}

// -- Background activities --

// runJanitor sweeps idle sessions past their TTL so bindings and leases do
// not leak from flows that never closed cleanly.
func (o *Orchestrator) runJanitor(ctx context.Context) {
	defer o.wg.Done()
	if o.cfg.JanitorInterval <= 0 {
		return
	}
	ticker := time.NewTicker(o.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepSessions()
		}
	}
}

func (o *Orchestrator) sweepSessions() {
	cutoff := o.now().Add(-o.cfg.SessionTTL)

	o.sessionsMu.Lock()
	var expired []string
	for key, sess := range o.sessions {
		sess.mu.Lock()
		if sess.lastActive.Before(cutoff) {
			expired = append(expired, key)
		}
		sess.mu.Unlock()
	}
	o.sessionsMu.Unlock()

	for _, key := range expired {
		if err := o.CloseSession(key); err == nil {
			o.log.Info("Expired session swept", zap.String("session_key", key))
		}
	}
}

// runSnapshots periodically persists rate state and flushes the dispatch
// audit log, with one final flush at shutdown.
func (o *Orchestrator) runSnapshots(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			o.persistState(flushCtx)
			cancel()
			return
		case <-ticker.C:
			o.persistState(ctx)
		}
	}
}

func (o *Orchestrator) persistState(ctx context.Context) {
	if err := o.store.SaveRateStates(ctx, o.pacer.Snapshot()); err != nil {
		o.log.Error("Failed to persist rate snapshots", zap.Error(err))
	}

	o.auditMu.Lock()
	batch := o.audit
	o.audit = nil
	o.auditMu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := o.store.LogPlans(ctx, batch); err != nil {
		o.log.Error("Failed to persist dispatch audit batch",
			zap.Int("plans", len(batch)), zap.Error(err))
	}
}

func (o *Orchestrator) recordAudit(plan schemas.Plan) {
	if o.store == nil {
		return
	}
	o.auditMu.Lock()
	o.audit = append(o.audit, plan)
	o.auditMu.Unlock()
}
