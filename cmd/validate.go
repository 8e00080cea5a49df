// File: cmd/validate.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/xkilldash9x/shroud/internal/config"
	"github.com/xkilldash9x/shroud/internal/identity"
	"github.com/xkilldash9x/shroud/internal/observability"
	"go.uber.org/zap"
)

// validateCmd lints the profile catalog and the loaded configuration
// without starting any services. It is meant for CI and for operators
// editing catalogs by hand.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the profile catalog and configuration for consistency.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()
		cfg := config.Get()

		// Configuration already passed Validate in the persistent pre-run;
		// getting here means it is structurally sound.
		logger.Info("Configuration is valid",
			zap.Int("proxy_endpoints", len(cfg.Proxy.Endpoints)),
			zap.String("catalog", cfg.Identity.CatalogPath),
		)

		profiles, err := identity.LoadCatalog(cfg.Identity.CatalogPath)
		if err != nil {
			return fmt.Errorf("loading profile catalog: %w", err)
		}

		registry := identity.NewRegistry(cfg.Identity, logger)
		valid, invalid := registry.Load(profiles)

		for _, p := range profiles {
			violations := registry.Violations(p.ID)
			if len(violations) == 0 {
				continue
			}
			fmt.Printf("profile %s (%s):\n", p.ID, p.Platform)
			for _, v := range violations {
				fmt.Printf("  - %s\n", v)
			}
		}

		fmt.Printf("catalog: %d profiles, %d valid, %d rejected\n", len(profiles), valid, invalid)
		if invalid > 0 {
			return fmt.Errorf("%d of %d profiles failed consistency checks", invalid, len(profiles))
		}
		return nil
	},
}
