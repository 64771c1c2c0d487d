package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/pkg/auth"
	"github.com/cuemby/strata/pkg/client"
	"github.com/cuemby/strata/pkg/events"
	"github.com/cuemby/strata/pkg/keys"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/query"
	"github.com/cuemby/strata/pkg/registry"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run the search and download service",
	Long: `Run the query service: a searchable metadata cache kept in sync by
file lifecycle events, plus resumable downloads streamed from the storage
elements through a multi-level record cache.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := log.WithComponent("main")

		reg := registry.New(cfg.Redis)
		defer reg.Close()

		cache, err := query.OpenCache(cfg.Query.DataDir)
		if err != nil {
			return err
		}
		defer cache.Close()

		tokens := client.NewTokenSource(cfg.Query.AdminURL, cfg.Query.ClientID, cfg.Query.ClientSecret)
		adminC := client.NewAdminClient(cfg.Query.AdminURL, tokens)
		elements := client.NewElementClient(tokens)

		pubKeys := keys.NewPubKeyCache(cfg.Query.AdminURL, 5*time.Minute)
		pubKeys.Start()
		defer pubKeys.Stop()

		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pubKeys.WaitReady(waitCtx); err != nil {
			logger.Warn().Err(err).Msg("verification keys not yet available, requests fail until they are")
		}
		validator := auth.NewValidator(pubKeys, cfg.Admin.Issuer)

		syncer := query.NewSyncer(cache, adminC)
		resolver := query.NewResolver(cfg.Query, reg, cache, adminC)
		server := query.NewServer(cache, syncer, resolver, adminC, elements, validator)

		subscriber := events.NewSubscriber(reg, server.EventHandler())
		subscriber.Start()
		defer subscriber.Stop()

		return serve(cfg.Query.Listen, server.Router(), "query")
	},
}
