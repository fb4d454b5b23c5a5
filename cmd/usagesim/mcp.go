package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/usagesim/pkg/mcp"
	"github.com/pario-ai/usagesim/pkg/tracker"
)

func newMCPCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve run history and price lookups as an MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			log := newLogger(cfg)

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("init tracker: %w", err)
			}
			defer func() { _ = tr.Close() }()

			rates, err := rateTable(cfg, log)
			if err != nil {
				return fmt.Errorf("build rate table: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Str("db", cfg.DBPath).Msg("mcp server ready on stdio")
			return mcp.New(tr, rates, log, version).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
