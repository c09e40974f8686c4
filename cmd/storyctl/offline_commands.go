package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"storyverse/internal/offline"
)

func newOfflineCommand(ctx *commandContext) *cobra.Command {
	offlineCmd := &cobra.Command{
		Use:   "offline",
		Short: "Manage the offline document cache",
	}
	offlineCmd.AddCommand(newOfflinePurgeCommand(ctx))
	return offlineCmd
}

func newOfflinePurgeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Drop cache generations other than the configured version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cfg.Offline.Enabled {
				return errors.New("offline cache is disabled in the configuration")
			}
			backend, err := offline.OpenBackend(cfg.OfflineBackend())
			if err != nil {
				return fmt.Errorf("open offline backend: %w", err)
			}
			cache, err := offline.New(offline.Config{
				Backend: backend,
				Version: cfg.Offline.Version,
				Logger:  ctx.logger(cmd),
			})
			if err != nil {
				return err
			}
			dropped, err := cache.Activate(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(dropped) == 0 {
				fmt.Fprintf(out, "Nothing to purge; %s is the only generation\n", cfg.Offline.Version)
				return nil
			}
			fmt.Fprintf(out, "Dropped %s\n", strings.Join(dropped, ", "))
			return nil
		},
	}
}
