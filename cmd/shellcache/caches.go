package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"shellcache/internal/shellcache"
)

func newCachesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "caches",
		Short: "List stored cache generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			storage, err := shellcache.OpenStorage(cfg.Cache.Dir, cfg.RAMMaxBytes(), log)
			if err != nil {
				return err
			}
			defer func() { _ = storage.Close() }()

			return renderGenerations(cmd.OutOrStdout(), storage.Generations(), cfg.Cache.Generation)
		},
	}
}

func renderGenerations(out io.Writer, gens []shellcache.GenerationInfo, current string) error {
	table := tablewriter.NewTable(out)
	table.Header([]string{"Generation", "Entries", "Bytes", "Created", "Current"})
	for _, g := range gens {
		created := "-"
		if !g.CreatedAt.IsZero() {
			created = g.CreatedAt.UTC().Format(time.RFC3339)
		}
		mark := ""
		if g.Tag == current {
			mark = "*"
		}
		if err := table.Append([]string{g.Tag, strconv.Itoa(g.Entries), strconv.FormatInt(g.Bytes, 10), created, mark}); err != nil {
			return fmt.Errorf("render row: %w", err)
		}
	}
	return table.Render()
}
