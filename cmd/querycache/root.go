package main

import (
	"os"

	"github.com/illmade-knight/go-querycache/pkg/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "querycache",
	Short: "Async query cache devtools",
	Long: `querycache hosts an async query cache behind a devtools server.

The server exposes the cache state over HTTP and streams cache events over a
websocket, optionally persisting entries and publishing events to Google Cloud.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to configuration file (default $QUERYCACHE_CONFIG)")
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadWithOverrides(cfgFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := zerolog.New(os.Stderr).Level(cfg.Level()).With().Timestamp().Str("service", "querycache").Logger()
	return cfg, logger, nil
}
