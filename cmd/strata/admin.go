package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/pkg/admin"
	"github.com/cuemby/strata/pkg/auth"
	"github.com/cuemby/strata/pkg/client"
	"github.com/cuemby/strata/pkg/events"
	"github.com/cuemby/strata/pkg/finalize"
	"github.com/cuemby/strata/pkg/gc"
	"github.com/cuemby/strata/pkg/health"
	"github.com/cuemby/strata/pkg/keys"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/registry"
	"github.com/cuemby/strata/pkg/selector"
	"github.com/cuemby/strata/pkg/storage"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Run the admin control-plane service",
	Long: `Run the admin service: token issuance, signing key rotation, the
authoritative file and storage element registries, the finalize
coordinator, and the garbage collection worker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := log.WithComponent("main")

		store, err := storage.NewBoltStore(cfg.Admin.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		reg := registry.New(cfg.Redis)
		defer reg.Close()

		km := keys.NewManager(cfg.Admin.KeyDir, cfg.Admin.Rotation.KeyLifetime)
		if err := km.Load(); err != nil {
			// No verification keys means no working platform; refuse to start.
			return err
		}

		stopWatch := make(chan struct{})
		if err := km.Watch(stopWatch); err != nil {
			logger.Warn().Err(err).Msg("key watcher unavailable, relying on rotation reloads")
		}
		defer close(stopWatch)

		rotator := keys.NewRotator(km, reg, cfg.Admin.Rotation)
		rotator.Start()
		defer rotator.Stop()

		pub := events.NewPublisher(reg)
		svc := admin.NewService(cfg.Admin, store, pub)
		authSvc := auth.NewService(store, km, km, cfg.Admin.Issuer,
			cfg.Admin.AccessTokenTTL, cfg.Admin.RefreshTokenTTL, cfg.Lockout)

		// The coordinator, GC worker, and sweeper call storage element
		// internal APIs, which require a service token like any other
		// caller's.
		adminURL := "http://" + cfg.Admin.Listen
		tokens := client.NewTokenSource(adminURL, cfg.Admin.ClientID, cfg.Admin.ClientSecret)
		elements := client.NewElementClient(tokens)
		adminSelf := client.NewAdminClient(adminURL, tokens)
		sel := selector.New(cfg.Selector, reg, adminSelf, elements)

		coordinator := finalize.NewCoordinator(store, sel, elements, pub)
		sweeper := finalize.NewSweeper(store, elements)
		sweeper.Start()
		defer sweeper.Stop()

		worker := gc.NewWorker(cfg.GC, store, elements, pub)
		worker.Start()
		defer worker.Stop()

		aggregator := health.NewAggregator(
			health.Check{Name: "database", Critical: true, Probe: func(ctx context.Context) error {
				_, err := store.ListElements()
				return err
			}},
			health.Check{Name: "event_bus", Probe: reg.Ping},
		)
		aggregator.Start()
		defer aggregator.Stop()

		server := admin.NewServer(svc, authSvc, km, coordinator, aggregator)
		return serve(cfg.Admin.Listen, server.Router(), "admin")
	},
}

// serve runs an HTTP server until SIGINT or SIGTERM, then drains it.
func serve(listen string, handler http.Handler, name string) error {
	logger := log.WithComponent(name)

	srv := &http.Server{
		Addr:              listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", listen).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
