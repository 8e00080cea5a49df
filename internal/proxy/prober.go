package proxy

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/xkilldash9x/shroud/api/schemas"
	"github.com/xkilldash9x/shroud/internal/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ProbeFunc checks one endpoint and returns the observed latency. The
// default implementation is a connect-only TCP dial; tests and callers with
// richer transports inject their own.
type ProbeFunc func(ctx context.Context, ep schemas.Endpoint) (time.Duration, error)

// DialProbe is the default probe: a TCP connect against the endpoint
// address, timed.
func DialProbe(timeout time.Duration) ProbeFunc {
	return func(ctx context.Context, ep schemas.Endpoint) (time.Duration, error) {
		dialer := net.Dialer{Timeout: timeout}
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", ep.Address)
		if err != nil {
			return 0, err
		}
		_ = conn.Close()
		return time.Since(start), nil
	}
}

// Prober actively checks endpoint health on a schedule, independent of
// request traffic. Active probing keeps recovery detection latency constant
// even when live traffic to a domain is deliberately throttled low.
type Prober struct {
	pool    *Pool
	cfg     config.ProbeConfig
	log     *zap.Logger
	probe   ProbeFunc
	limiter *rate.Limiter

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewProber builds a prober over the pool. A nil probeFn selects the TCP
// dial probe.
func NewProber(pool *Pool, cfg config.ProbeConfig, logger *zap.Logger, probeFn ProbeFunc) *Prober {
	if probeFn == nil {
		probeFn = DialProbe(cfg.Timeout)
	}
	limit := rate.Limit(cfg.MaxPerSecond)
	if cfg.MaxPerSecond <= 0 {
		limit = rate.Inf
	}
	return &Prober{
		pool:    pool,
		cfg:     cfg,
		log:     logger.Named("prober"),
		probe:   probeFn,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Start launches the probe loop. It runs until the context is cancelled or
// Stop is called.
func (pr *Prober) Start(ctx context.Context) {
	ctx, pr.cancel = context.WithCancel(ctx)
	pr.wg.Add(1)
	go pr.run(ctx)
	pr.log.Info("Health prober started", zap.Duration("interval", pr.cfg.Interval))
}

// Stop halts the probe loop and waits for the in-flight sweep to finish.
func (pr *Prober) Stop() {
	if pr.cancel != nil {
		pr.cancel()
	}
	pr.wg.Wait()
	pr.log.Info("Health prober stopped")
}

func (pr *Prober) run(ctx context.Context) {
	defer pr.wg.Done()

	ticker := time.NewTicker(pr.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pr.sweep(ctx)
		}
	}
}

// sweep probes every endpoint that is due. Healthy and Suspect endpoints
// are due every sweep; Unhealthy ones only when their backoff expires.
func (pr *Prober) sweep(ctx context.Context) {
	for _, target := range pr.pool.dueForProbe(pr.pool.now()) {
		if err := pr.limiter.Wait(ctx); err != nil {
			return
		}
		latency, err := pr.probe(ctx, target)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			pr.log.Debug("Probe failed",
				zap.String("endpoint_id", target.ID), zap.Error(err))
			pr.pool.probeFailed(target.ID)
			continue
		}
		pr.pool.probeSucceeded(target.ID, latency)
	}
}

// dueForProbe returns a config copy of every endpoint due for a probe at t.
func (p *Pool) dueForProbe(t time.Time) []schemas.Endpoint {
	p.mu.RLock()
	candidates := make([]*endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		candidates = append(candidates, ep)
	}
	p.mu.RUnlock()

	var due []schemas.Endpoint
	for _, ep := range candidates {
		ep.mu.Lock()
		if ep.state != StateUnhealthy || !ep.nextProbe.After(t) {
			due = append(due, ep.cfg)
		}
		ep.mu.Unlock()
	}
	return due
}

// probeSucceeded applies a successful probe. An Unhealthy endpoint returns
// straight to Healthy: the probe is direct evidence the path works again.
func (p *Pool) probeSucceeded(id string, latency time.Duration) {
	p.mu.RLock()
	ep := p.endpoints[id]
	p.mu.RUnlock()
	if ep == nil {
		return
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if latency > 0 {
		ep.observeLatencyLocked(latency)
	}
	switch ep.state {
	case StateUnhealthy, StateSuspect:
		ep.state = StateHealthy
		ep.consecFails = 0
		ep.consecOKs = 0
		ep.probeAttempts = 0
		p.log.Info("Endpoint recovered by probe",
			zap.String("endpoint_id", id),
			zap.Duration("latency", latency))
	}
}

// probeFailed applies a failed probe: the health machine advances exactly as
// it would for a reported connection failure, and Unhealthy endpoints push
// their next probe out exponentially.
func (p *Pool) probeFailed(id string) {
	p.mu.RLock()
	ep := p.endpoints[id]
	p.mu.RUnlock()
	if ep == nil {
		return
	}

	ep.mu.Lock()
	if ep.state == StateUnhealthy {
		ep.probeAttempts++
		backoff := p.cfg.Probe.BaseBackoff << uint(ep.probeAttempts)
		if backoff > p.cfg.Probe.MaxBackoff || backoff <= 0 {
			backoff = p.cfg.Probe.MaxBackoff
		}
		ep.nextProbe = p.now().Add(backoff)
		ep.mu.Unlock()
		return
	}
	ep.mu.Unlock()

	p.recordFailure(ep, "failed probe")
}
