// File: cmd/components.go
package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xkilldash9x/shroud/internal/config"
	"github.com/xkilldash9x/shroud/internal/identity"
	"github.com/xkilldash9x/shroud/internal/observability"
	"github.com/xkilldash9x/shroud/internal/orchestrator"
	"github.com/xkilldash9x/shroud/internal/proxy"
	"github.com/xkilldash9x/shroud/internal/rate"
	"github.com/xkilldash9x/shroud/internal/store"
	"go.uber.org/zap"
)

// Components holds the initialized services behind one orchestrator run.
// This struct centralizes lifecycle management of the scheduling
// dependencies.
type Components struct {
	Registry     *identity.Registry
	Pool         *proxy.Pool
	Controller   *rate.Controller
	Prober       *proxy.Prober
	Orchestrator *orchestrator.Orchestrator
	Store        *store.Store
	DBPool       *pgxpool.Pool
}

// buildComponents wires the registry, pool, rate controller, and scheduler
// from configuration. Persistence is optional: an empty postgres.url runs
// fully in memory.
func buildComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{}

	// 1. Fingerprint registry from the profile catalog. A corrupt catalog
	// is fatal at startup.
	c.Registry = identity.NewRegistry(cfg.Identity, logger)
	profiles, err := identity.LoadCatalog(cfg.Identity.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("loading profile catalog: %w", err)
	}
	valid, invalid := c.Registry.Load(profiles)
	if valid == 0 {
		return nil, fmt.Errorf("profile catalog %s contains no valid profiles (%d invalid)",
			cfg.Identity.CatalogPath, invalid)
	}

	// 2. Proxy pool and its health prober.
	c.Pool = proxy.NewPool(cfg.Proxy, logger)
	c.Prober = proxy.NewProber(c.Pool, cfg.Proxy.Probe, logger, nil)

	// 3. Rate controller, restored from the snapshot store when configured.
	c.Controller = rate.NewController(cfg.Rate, logger, 0)

	var recorder orchestrator.Recorder
	if cfg.Postgres.URL != "" {
		c.DBPool, err = pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("creating postgres pool: %w", err)
		}
		c.Store, err = store.New(ctx, c.DBPool, logger)
		if err != nil {
			c.DBPool.Close()
			return nil, fmt.Errorf("connecting snapshot store: %w", err)
		}
		recorder = c.Store

		states, err := c.Store.LoadRateStates(ctx)
		if err != nil {
			logger.Warn("Could not load rate snapshots, starting fresh", zap.Error(err))
		} else if err := c.Controller.Restore(states); err != nil {
			logger.Error("Persisted rate snapshots are corrupt, starting fresh", zap.Error(err))
		}
	}

	// 4. The scheduler itself.
	c.Orchestrator = orchestrator.New(cfg.Orchestrator, c.Registry, c.Pool, c.Controller, recorder, logger)
	return c, nil
}

// Start launches the background activities: health probing and dispatch.
func (c *Components) Start(ctx context.Context) {
	c.Prober.Start(ctx)
	c.Orchestrator.Start(ctx)
}

// Shutdown gracefully closes all components, releasing resources in
// reverse dependency order.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Stop the scheduler first so no new plans are produced.
	if c.Orchestrator != nil {
		c.Orchestrator.Stop()
	}

	// 2. Stop the prober; nothing consumes its updates now.
	if c.Prober != nil {
		c.Prober.Stop()
	}

	// 3. Close the database last so final snapshot flushes could land.
	if c.DBPool != nil {
		c.DBPool.Close()
	}
	logger.Info("Components shut down.")
}
