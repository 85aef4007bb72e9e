// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker defines the topic log abstraction shared by producers and
// consumers. A topic is a single ordered, append-only log; consumer groups
// track one committed offset per topic.
package broker

import (
	"context"
	"errors"
	"time"
)

// Well-known topics.
const (
	TopicBlocks       = "blocks"
	TopicTransactions = "transactions"
	TopicLogs         = "logs"
)

// NoOffset is returned by Offset when a group has not committed anything yet.
const NoOffset int64 = -1

// DefaultPollInterval is how long a subscription waits before re-checking an
// exhausted topic.
const DefaultPollInterval = 10 * time.Millisecond

var (
	// ErrInvalidTopic is returned for an empty topic name.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrInvalidGroup is returned for an empty consumer group.
	ErrInvalidGroup = errors.New("invalid consumer group")

	// ErrInvalidOffset is returned when committing a negative offset.
	ErrInvalidOffset = errors.New("invalid offset")

	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker closed")
)

// Message is an immutable entry of a topic log.
type Message struct {
	Topic         string
	Offset        int64
	Key           string
	Value         Payload
	ProducedAt    time.Time
	SchemaVersion string
}

// Broker is implemented by every topic log backend.
type Broker interface {
	// Publish appends value to topic and returns its offset. Topics are
	// created on first publish.
	Publish(ctx context.Context, topic, key string, value Payload) (int64, error)

	// Subscribe returns a cursor positioned right after the group's
	// committed offset.
	Subscribe(ctx context.Context, topic, group string) (*Subscription, error)

	// Commit advances the committed offset of group to max(current, offset).
	Commit(ctx context.Context, topic, group string, offset int64) error

	// Offset returns the committed offset of group, or NoOffset.
	Offset(ctx context.Context, topic, group string) (int64, error)

	Close() error
}

// Tailer is implemented by brokers that can report the next offset a topic
// will assign. Status reporting uses it to compute consumer lag.
type Tailer interface {
	Tail(ctx context.Context, topic string) (int64, error)
}

// Lag returns how many messages of topic group has not committed yet.
func Lag(ctx context.Context, b Broker, topic, group string) (int64, error) {
	t, ok := b.(Tailer)
	if !ok {
		return 0, errors.ErrUnsupported
	}

	tail, err := t.Tail(ctx, topic)
	if err != nil {
		return 0, err
	}
	committed, err := b.Offset(ctx, topic, group)
	if err != nil {
		return 0, err
	}

	lag := tail - (committed + 1)
	if lag < 0 {
		lag = 0
	}
	return lag, nil
}

// ValidateCommit checks the common arguments of Commit.
func ValidateCommit(topic, group string, offset int64) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if group == "" {
		return ErrInvalidGroup
	}
	if offset < 0 {
		return ErrInvalidOffset
	}
	return nil
}
