// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package consumer drives handlers over broker subscriptions. A message is
// committed only after its handler returned successfully, so delivery is
// at-least-once and a failed message is delivered again on the next run.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/chainstream/broker"
	"github.com/absmach/chainstream/metrics"
	"golang.org/x/sync/errgroup"
)

// Handler processes a single message.
type Handler func(ctx context.Context, msg broker.Message) error

// Route binds a handler to a topic and consumer group.
type Route struct {
	Topic   string
	Group   string
	Handler Handler
}

type options struct {
	logger   *slog.Logger
	recorder metrics.Recorder
}

// Option configures Run and Consume.
type Option func(*options)

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *options) {
		o.recorder = metrics.OrNop(r)
	}
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default(), recorder: metrics.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Consume subscribes group to topic and calls h for each message in offset
// order. It returns the handler error or commit error that stopped it, or
// ctx.Err() once ctx is done.
func Consume(ctx context.Context, b broker.Broker, topic, group string, h Handler, opts ...Option) error {
	o := newOptions(opts)

	sub, err := b.Subscribe(ctx, topic, group)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	logger := o.logger.With(slog.String("topic", sub.Topic()), slog.String("group", sub.Group()))

	logger.Debug("consumer started", slog.Int64("offset", sub.Position()))

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("consumer stopped", slog.Int64("offset", sub.Position()))
				return ctx.Err()
			}
			return fmt.Errorf("failed to read %s@%d: %w", topic, sub.Position(), err)
		}

		if err := h(ctx, msg); err != nil {
			o.recorder.HandlerError(topic, group)
			logger.Error("handler failed",
				slog.Int64("offset", msg.Offset),
				slog.String("key", msg.Key),
				slog.String("error", err.Error()))
			return fmt.Errorf("failed to handle %s@%d: %w", topic, msg.Offset, err)
		}

		if err := b.Commit(ctx, topic, group, msg.Offset); err != nil {
			return fmt.Errorf("failed to commit %s@%d: %w", topic, msg.Offset, err)
		}
		o.recorder.Consumed(topic, group)
	}
}

// Run consumes every route concurrently until ctx is done or one route fails.
// Cancellation is a clean stop and yields nil.
func Run(ctx context.Context, b broker.Broker, routes []Route, opts ...Option) error {
	if len(routes) == 0 {
		return errors.New("no routes")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range routes {
		g.Go(func() error {
			err := Consume(gctx, b, r.Topic, r.Group, r.Handler, opts...)
			if errors.Is(err, context.Canceled) && gctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	return g.Wait()
}
