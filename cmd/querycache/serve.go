package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/config"
	"github.com/illmade-knight/go-querycache/pkg/microservice"
	"github.com/illmade-knight/go-querycache/pkg/query"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	demo            bool
	demoInterval    time.Duration
	shutdownTimeout time.Duration
}

var serveOpts serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the devtools server",
	Long: `Run a query client behind the devtools HTTP server.

With --demo a refetching query keeps the cache busy so the devtools have
something to show.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, serveOpts, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveOpts.demo, "demo", false, "run a demo query that refetches periodically")
	serveCmd.Flags().DurationVar(&serveOpts.demoInterval, "demo-interval", 5*time.Second, "refetch interval of the demo query")
	serveCmd.Flags().DurationVar(&serveOpts.shutdownTimeout, "shutdown-timeout", 15*time.Second, "graceful shutdown timeout")
}

// serve runs until ctx is done.
func serve(ctx context.Context, cfg *config.Config, opts serveFlags, logger zerolog.Logger) error {
	res := &resources{}
	defer res.close(logger)

	client := query.NewClient(cfg.QueryConfig(), logger)
	defer client.Close()

	store, err := buildPersister(ctx, cfg, cfg.Persister.Kind, res, logger)
	if err != nil {
		return fmt.Errorf("failed to build persister: %w", err)
	}
	if store != nil {
		res.add(store.Close)
		client.AddPersister(store)
		logger.Info().Str("kind", cfg.Persister.Kind).Msg("Persister attached.")
	}

	sinks, err := buildEventSinks(ctx, cfg, res, logger)
	if err != nil {
		return fmt.Errorf("failed to build event sinks: %w", err)
	}
	for _, sink := range sinks {
		client.RegisterCacheObserver(sink)
	}

	server := microservice.NewDevtoolsServer(cfg.HTTPPort, client, cfg.Events.HistoryLimit, nil, logger)
	if err := server.Start(ctx); err != nil {
		return err
	}

	if opts.demo {
		stopDemo := startDemo(client, opts.demoInterval, logger)
		defer stopDemo()
	}

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Devtools server shutdown failed.")
	}
	for _, sink := range sinks {
		if err := sink.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Event sink shutdown failed.")
		}
	}
	if err := client.Cache().WaitForPersister(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Persister queue not drained before shutdown.")
	}
	return nil
}
