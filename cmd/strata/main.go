package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "Strata - distributed file storage platform",
	Long: `Strata is a distributed file storage platform: an admin control
plane issuing JWTs under rotating RSA keys, an ingester that streams
uploads to capacity-selected storage elements and finalizes them with a
two-phase copy-and-verify protocol, per-node storage elements with a mode
state machine and write-ahead log, and a query service serving search and
resumable downloads from an event-synced cache.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Strata version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")

	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(ingesterCmd)
	rootCmd.AddCommand(elementCmd)
	rootCmd.AddCommand(queryCmd)
}

// loadConfig reads the shared configuration and initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}
