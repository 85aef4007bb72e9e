// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ingest drives checkpointed incremental ingestion: it produces the
// blocks after the last checkpoint up to the confirmed chain head and then
// follows new heads.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/chainstream/broker"
	"github.com/absmach/chainstream/metrics"
	"github.com/absmach/chainstream/producer"
)

// DefaultPollInterval is used when Config.PollInterval is not set.
const DefaultPollInterval = 12 * time.Second

// Checkpointer stores the last ingested block.
type Checkpointer interface {
	Last() (uint64, bool, error)
	Update(n uint64) error
}

// HeadFunc returns the current chain head.
type HeadFunc func(ctx context.Context) (uint64, error)

// Config controls batch sizing and head tracking.
type Config struct {
	StartBlock    uint64 // first block when there is no checkpoint
	BatchSize     uint64
	Confirmations uint64 // blocks kept behind the head
	Concurrency   int
	Contract      string
	PollInterval  time.Duration
}

// Result describes one RunOnce pass.
type Result struct {
	Idle   bool // nothing to ingest below the confirmed head
	Head   uint64
	Start  uint64
	End    uint64
	Counts producer.Counts
}

// Runner ingests batches and advances the checkpoint after each one.
type Runner struct {
	checkpoint Checkpointer
	head       HeadFunc
	fetch      producer.FetchFunc
	broker     broker.Broker
	config     Config
	logger     *slog.Logger
	recorder   metrics.Recorder
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRecorder sets the recorder that counts produced blocks.
func WithRecorder(rec metrics.Recorder) Option {
	return func(r *Runner) {
		r.recorder = metrics.OrNop(rec)
	}
}

// NewRunner creates a runner.
func NewRunner(cp Checkpointer, head HeadFunc, fetch producer.FetchFunc, b broker.Broker, cfg Config, opts ...Option) *Runner {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	r := &Runner{
		checkpoint: cp,
		head:       head,
		fetch:      fetch,
		broker:     b,
		config:     cfg,
		logger:     slog.Default(),
		recorder:   metrics.Nop{},
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// RunOnce ingests at most one batch. The checkpoint is updated only after
// the whole batch was published.
func (r *Runner) RunOnce(ctx context.Context) (Result, error) {
	last, ok, err := r.checkpoint.Last()
	if err != nil {
		return Result{}, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	start := r.config.StartBlock
	if ok {
		start = last + 1
	}

	head, err := r.head(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to get chain head: %w", err)
	}

	res := Result{Head: head, Start: start}
	if head < r.config.Confirmations || start > head-r.config.Confirmations {
		res.Idle = true
		return res, nil
	}
	target := head - r.config.Confirmations

	end := target
	if target-start >= r.config.BatchSize {
		end = start + r.config.BatchSize - 1
	}
	res.End = end

	counts, err := producer.ProduceRange(ctx, r.broker, r.fetch, producer.Options{
		Start:       start,
		End:         end,
		Contract:    r.config.Contract,
		Concurrency: r.config.Concurrency,
	})
	res.Counts = counts
	r.recorder.BlocksProduced(int(counts.Blocks))
	if err != nil {
		return res, fmt.Errorf("failed to ingest blocks %d-%d: %w", start, end, err)
	}

	if err := r.checkpoint.Update(end); err != nil {
		return res, fmt.Errorf("failed to update checkpoint to %d: %w", end, err)
	}

	r.logger.Info("ingested batch",
		slog.Uint64("from", start),
		slog.Uint64("to", end),
		slog.Uint64("head", head),
		slog.Int64("blocks", counts.Blocks),
		slog.Int64("transactions", counts.Transactions),
		slog.Int64("logs", counts.Logs))

	return res, nil
}

// Run ingests batches back to back while there is work and then waits for a
// head notification or the poll interval. A nil or closed heads channel
// leaves polling only. Batch failures are logged and retried on the next
// wake-up. Run returns ctx.Err() when ctx is done.
func (r *Runner) Run(ctx context.Context, heads <-chan uint64) error {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		res, err := r.RunOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case err != nil:
			r.logger.Error("ingest batch failed", slog.String("error", err.Error()))
		case !res.Idle:
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-heads:
			if !ok {
				r.logger.Warn("head subscription ended, falling back to polling",
					slog.Duration("interval", r.config.PollInterval))
				heads = nil
				continue
			}
			r.logger.Debug("new head", slog.Uint64("number", n))
		case <-ticker.C:
		}
	}
}

