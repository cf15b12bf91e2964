package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shellcache/internal/shellcache"
)

func newPurgeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete every cache generation except the configured one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			svc, err := shellcache.NewService(cfg, log)
			if err != nil {
				return fmt.Errorf("init service: %w", err)
			}
			defer svc.Close()

			deleted, err := svc.Purge(cmd.Context())
			if err != nil {
				// Leftover generations only waste disk; report and keep going.
				log.Warn("purge incomplete", zap.Error(err))
			}
			if len(deleted) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to purge")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", strings.Join(deleted, ", "))
			return nil
		},
	}
}
