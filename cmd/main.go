// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/absmach/chainstream/config"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

type cli struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "chainstream",
		Short: "Ingest blockchain blocks, transactions and logs through an ordered broker",
		Long: `chainstream fetches blocks from JSON-RPC endpoints, publishes them onto
ordered broker topics and applies them to an idempotent sink.

Examples:
  # Run the consumer, incremental ingestion and the health server
  chainstream serve --config config.yaml

  # Backfill a block range
  chainstream produce --from 19000000 --to 19000100

  # Ingest one batch after the checkpoint
  chainstream ingest --once

  # Read ERC-20 metadata
  chainstream token 0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = newLogger(cfg.Log)
			slog.SetDefault(c.logger)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to configuration file")

	root.AddCommand(
		c.serveCmd(),
		c.produceCmd(),
		c.ingestCmd(),
		c.consumeCmd(),
		c.tokenCmd(),
		c.blocksCmd(),
	)

	return root
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
