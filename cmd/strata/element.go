package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/pkg/auth"
	"github.com/cuemby/strata/pkg/client"
	"github.com/cuemby/strata/pkg/element"
	"github.com/cuemby/strata/pkg/keys"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/mode"
)

var elementCmd = &cobra.Command{
	Use:   "element",
	Short: "Run a storage element node",
	Long: `Run one storage element: file persistence with attribute sidecars
and a write-ahead log, the mode state machine, self-registration with the
admin service, and the internal file APIs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := log.WithElementID(cfg.Element.ElementID)

		store, err := element.NewStore(cfg.Element.BasePath, cfg.Element.DataDir,
			cfg.Element.ElementID, cfg.Element.CapacityBytes, cfg.Element.MaxFileBytes)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := element.RecoverWAL(store); err != nil {
			return err
		}
		if _, err := store.Reconcile(); err != nil {
			return err
		}

		machine, err := mode.NewMachine(cfg.Element.ElementID, cfg.Element.Mode, logger)
		if err != nil {
			return err
		}

		tokens := client.NewTokenSource(cfg.Element.AdminURL, cfg.Element.ClientID, cfg.Element.ClientSecret)
		adminC := client.NewAdminClient(cfg.Element.AdminURL, tokens)
		elements := client.NewElementClient(tokens)

		pubKeys := keys.NewPubKeyCache(cfg.Element.AdminURL, 5*time.Minute)
		pubKeys.Start()
		defer pubKeys.Stop()

		waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pubKeys.WaitReady(waitCtx); err != nil {
			logger.Warn().Err(err).Msg("verification keys not yet available, requests fail until they are")
		}
		validator := auth.NewValidator(pubKeys, cfg.Admin.Issuer)

		element.Version = Version
		agent := element.NewAgent(cfg.Element, store, machine, adminC)
		agent.Start(cmd.Context())
		defer agent.Stop()

		server := element.NewServer(cfg.Element, store, machine, validator, elements)
		return serve(cfg.Element.Listen, server.Router(), "element")
	},
}
