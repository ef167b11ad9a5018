package main

import (
	"context"
	"fmt"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/config"
	"github.com/spf13/cobra"
)

var clearCmd = &cobra.Command{
	Use:   "clear-persisted",
	Short: "Delete every entry from the configured persister",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Persister.Kind == config.PersisterNone {
			return fmt.Errorf("no persister configured")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		res := &resources{}
		defer res.close(logger)
		store, err := buildPersister(ctx, cfg, cfg.Persister.Kind, res, logger)
		if err != nil {
			return err
		}
		res.add(store.Close)
		if err := store.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear persister: %w", err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared %s persister\n", cfg.Persister.Kind)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(clearCmd)
}
