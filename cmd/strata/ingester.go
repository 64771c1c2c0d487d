package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/pkg/auth"
	"github.com/cuemby/strata/pkg/capacity"
	"github.com/cuemby/strata/pkg/client"
	"github.com/cuemby/strata/pkg/ingester"
	"github.com/cuemby/strata/pkg/keys"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/registry"
	"github.com/cuemby/strata/pkg/selector"
)

var ingesterCmd = &cobra.Command{
	Use:   "ingester",
	Short: "Run the upload service",
	Long: `Run the ingester: authenticated uploads streamed to capacity-selected
storage elements, the finalize API, and the capacity monitor that keeps
the shared registry's fill-level picture fresh.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := log.WithComponent("main")

		reg := registry.New(cfg.Redis)
		defer reg.Close()

		tokens := client.NewTokenSource(cfg.Ingester.AdminURL, cfg.Ingester.ClientID, cfg.Ingester.ClientSecret)
		adminC := client.NewAdminClient(cfg.Ingester.AdminURL, tokens)
		elements := client.NewElementClient(tokens)

		pubKeys := keys.NewPubKeyCache(cfg.Ingester.AdminURL, 5*time.Minute)
		pubKeys.Start()
		defer pubKeys.Stop()

		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pubKeys.WaitReady(waitCtx); err != nil {
			logger.Warn().Err(err).Msg("verification keys not yet available, requests fail until they are")
		}
		validator := auth.NewValidator(pubKeys, cfg.Admin.Issuer)

		sel := selector.New(cfg.Selector, reg, adminC, elements)

		monitor := capacity.NewMonitor(reg, adminC, elements)
		monitor.Start()
		defer monitor.Stop()

		server := ingester.NewServer(cfg.Ingester, sel, elements, adminC, validator)
		return serve(cfg.Ingester.Listen, server.Router(), "ingester")
	},
}
