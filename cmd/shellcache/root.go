package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"shellcache/internal/logger"
	"shellcache/internal/shellcache"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "shellcache",
		Short: "Offline-first cache in front of a single-page app",
		Long: `shellcache serves a single-page application cache-first from a versioned
on-disk cache generation, fetching and storing misses from the origin and
falling back to the cached shell document when the origin is unreachable.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", getenvDefault("SHELLCACHE_CONFIG", "/shellcache.yaml"), "path to shellcache.yaml")

	cmd.AddCommand(
		newServeCmd(opts),
		newInstallCmd(opts),
		newCachesCmd(opts),
		newPurgeCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load() (shellcache.Config, *zap.Logger, error) {
	cfg, err := shellcache.LoadConfig(o.configPath)
	if err != nil {
		return shellcache.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(logger.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})
	return cfg, log, nil
}

func getenvDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
