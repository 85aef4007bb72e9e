// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/absmach/chainstream/broker"
	"github.com/absmach/chainstream/chain"
	"github.com/absmach/chainstream/checkpoint"
	"github.com/absmach/chainstream/consumer"
	"github.com/absmach/chainstream/ingest"
	"github.com/absmach/chainstream/producer"
	"github.com/absmach/chainstream/rpc"
	"github.com/absmach/chainstream/server/health"
	"github.com/absmach/chainstream/sink"
	"github.com/spf13/cobra"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func isShutdown(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sink consumer, incremental ingestion and the health server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			c.logger.Info("Starting chainstream", "version", version)

			var (
				wg      sync.WaitGroup
				errOnce sync.Once
				runErr  error
			)
			fail := func(name string, err error) {
				if isShutdown(err) {
					return
				}
				c.logger.Error("Component failed", "component", name, "error", err)
				errOnce.Do(func() { runErr = fmt.Errorf("%s: %w", name, err) })
				stop()
			}

			groups := []health.Group{}
			var routes []consumer.Route
			if c.cfg.Consumer.Enabled {
				routes, err = sink.NewHandlers(a.sink, a.recorder, c.logger).Routes(c.cfg.Consumer.Group, c.cfg.Consumer.Topics...)
				if err != nil {
					return err
				}
				for _, r := range routes {
					groups = append(groups, health.Group{Topic: r.Topic, Group: r.Group})
				}
			}

			opts := append([]health.Option{health.WithBroker(a.broker, groups...)}, a.checks...)
			if a.metricsHandler != nil {
				opts = append(opts, health.WithMetrics(a.metricsHandler))
			}

			var runner *ingest.Runner
			if c.cfg.Ingest.Enabled {
				r, cp, client, err := c.newRunner(a)
				if err != nil {
					return err
				}
				runner = r
				opts = append(opts, health.WithCheckpoint(cp), health.WithCheck("rpc", health.PingFunc(func(ctx context.Context) error {
					_, err := client.BlockNumber(ctx)
					return err
				})))
			}

			if len(routes) > 0 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					fail("consumer", consumer.Run(ctx, a.broker, routes,
						consumer.WithLogger(c.logger), consumer.WithRecorder(a.recorder)))
				}()
			}

			if runner != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					fail("ingest", runner.Run(ctx, c.heads(ctx)))
				}()
			}

			if c.cfg.Server.HealthEnabled {
				srv := health.New(health.Config{
					Address:         c.cfg.Server.HealthAddr,
					ShutdownTimeout: c.cfg.Server.ShutdownTimeout,
					InstanceID:      c.cfg.Server.InstanceID,
				}, c.logger, opts...)

				wg.Add(1)
				go func() {
					defer wg.Done()
					fail("health", srv.Listen(ctx))
				}()
			}

			<-ctx.Done()
			c.logger.Info("Shutdown initiated")
			wg.Wait()
			c.logger.Info("Chainstream stopped")

			return runErr
		},
	}
}

func (c *cli) newRunner(a *app) (*ingest.Runner, *checkpoint.Store, *rpc.Client, error) {
	client, err := a.rpcClient()
	if err != nil {
		return nil, nil, nil, err
	}

	ic := c.cfg.Ingest
	cp := checkpoint.New(ic.CheckpointFile)
	runner := ingest.NewRunner(cp, client.BlockNumber, client.Fetcher(c.cfg.Producer.Contract), a.broker, ingest.Config{
		StartBlock:    ic.StartBlock,
		BatchSize:     ic.BatchSize,
		Confirmations: ic.Confirmations,
		Concurrency:   c.cfg.Producer.Concurrency,
		Contract:      c.cfg.Producer.Contract,
		PollInterval:  ic.PollInterval,
	}, ingest.WithLogger(c.logger), ingest.WithRecorder(a.recorder))

	return runner, cp, client, nil
}

// heads subscribes to new heads when a websocket endpoint is configured.
// A nil channel makes the runner poll.
func (c *cli) heads(ctx context.Context) <-chan uint64 {
	if c.cfg.RPC.WSURL == "" {
		return nil
	}
	heads, err := rpc.SubscribeHeads(ctx, c.cfg.RPC.WSURL, c.logger)
	if err != nil {
		c.logger.Warn("Head subscription failed, polling instead", "error", err)
		return nil
	}
	return heads
}

func (c *cli) produceCmd() *cobra.Command {
	var (
		from, to    uint64
		contract    string
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Publish a historical block range onto the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			client, err := a.rpcClient()
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("contract") {
				contract = c.cfg.Producer.Contract
			}
			if !cmd.Flags().Changed("concurrency") {
				concurrency = c.cfg.Producer.Concurrency
			}

			counts, err := producer.ProduceRange(ctx, a.broker, client.Fetcher(contract), producer.Options{
				Start:       from,
				End:         to,
				Contract:    contract,
				Concurrency: concurrency,
			})
			a.recorder.BlocksProduced(int(counts.Blocks))
			c.logger.Info("Produce finished",
				"blocks", counts.Blocks,
				"transactions", counts.Transactions,
				"logs", counts.Logs)
			if err != nil {
				return err
			}

			return printJSON(cmd, counts)
		},
	}

	cmd.Flags().Uint64Var(&from, "from", 0, "first block of the range")
	cmd.Flags().Uint64Var(&to, "to", 0, "last block of the range (inclusive)")
	cmd.Flags().StringVar(&contract, "contract", "", "keep only logs emitted by this contract")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "maximum concurrent block fetches")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")

	return cmd
}

func (c *cli) ingestCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest blocks after the checkpoint up to the confirmed head",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			runner, _, _, err := c.newRunner(a)
			if err != nil {
				return err
			}

			if once {
				res, err := runner.RunOnce(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			}

			if err := runner.Run(ctx, c.heads(ctx)); !isShutdown(err) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "ingest a single batch and exit")

	return cmd
}

func (c *cli) consumeCmd() *cobra.Command {
	var (
		group  string
		topics []string
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Apply broker topics to the sink until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if group == "" {
				group = c.cfg.Consumer.Group
			}
			if len(topics) == 0 {
				topics = c.cfg.Consumer.Topics
			}

			routes, err := sink.NewHandlers(a.sink, a.recorder, c.logger).Routes(group, topics...)
			if err != nil {
				return err
			}

			err = consumer.Run(ctx, a.broker, routes, consumer.WithLogger(c.logger), consumer.WithRecorder(a.recorder))
			if !isShutdown(err) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "", "consumer group (default from config)")
	cmd.Flags().StringSliceVarP(&topics, "topics", "t", nil, fmt.Sprintf("topics to consume (default: %s, %s, %s)",
		broker.TopicBlocks, broker.TopicTransactions, broker.TopicLogs))

	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		block     uint64
		transfers bool
		refresh   bool
	)

	cmd := &cobra.Command{
		Use:   "token <contract>",
		Short: "Print ERC-20 metadata and, optionally, the transfers stored by the sink",
		Long: `Print ERC-20 metadata of a contract. Metadata stored by an earlier run is
reused unless --block or --refresh is given, in which case it is read over
RPC and stored again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			q, err := a.querier()
			if err != nil {
				return err
			}

			var at *uint64
			if cmd.Flags().Changed("block") {
				at = &block
			}
			md, err := a.tokenMetadata(ctx, q, args[0], at, refresh)
			if err != nil {
				return err
			}

			out := map[string]any{"metadata": md}
			if transfers {
				list, err := q.Transfers(ctx, md.Contract)
				if err != nil {
					return err
				}
				out["transfers"] = list
			}

			return printJSON(cmd, out)
		},
	}

	cmd.Flags().Uint64Var(&block, "block", 0, "read metadata as of this block (default latest)")
	cmd.Flags().BoolVar(&transfers, "transfers", false, "include transfers stored by the sink")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "read metadata over RPC even when it is stored")

	return cmd
}

func (c *cli) blocksCmd() *cobra.Command {
	var from, to uint64

	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "Print the block headers stored by the sink in an inclusive range",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("from") || !cmd.Flags().Changed("to") {
				return fmt.Errorf("--from and --to are required")
			}
			if from > to {
				return fmt.Errorf("invalid range: from %d is after to %d", from, to)
			}

			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			q, err := a.querier()
			if err != nil {
				return err
			}
			blocks, err := q.Blocks(ctx, from, to)
			if err != nil {
				return err
			}
			if blocks == nil {
				blocks = []chain.BlockHeader{}
			}

			return printJSON(cmd, blocks)
		},
	}

	cmd.Flags().Uint64Var(&from, "from", 0, "first block number")
	cmd.Flags().Uint64Var(&to, "to", 0, "last block number")

	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
