// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides a volatile, in-process implementation of the broker.
// Topic logs and group offsets live in memory and are lost on restart.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/chainstream/broker"
)

var _ broker.Broker = (*Broker)(nil)

// Broker implements broker.Broker with one append-only slice per topic.
type Broker struct {
	topics sync.Map // map[string]*topicLog
	config Config
	closed atomic.Bool
}

// topicLog is the log and the group offsets of a single topic.
// mu is only ever held across in-memory operations.
type topicLog struct {
	mu       sync.Mutex
	messages []broker.Message
	offsets  map[string]int64
}

// Config defines configuration for the memory broker.
type Config struct {
	PollInterval    time.Duration // Subscription re-check interval on an exhausted topic
	InitialCapacity int           // Initial slice capacity per topic
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:    broker.DefaultPollInterval,
		InitialCapacity: 1024,
	}
}

// New creates a new memory broker with default configuration.
func New() *Broker {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a new memory broker with custom configuration.
func NewWithConfig(cfg Config) *Broker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = broker.DefaultPollInterval
	}
	return &Broker{config: cfg}
}

// Publish appends a copy of value to the topic log.
func (b *Broker) Publish(ctx context.Context, topic, key string, value broker.Payload) (int64, error) {
	if b.closed.Load() {
		return 0, broker.ErrClosed
	}
	if topic == "" {
		return 0, broker.ErrInvalidTopic
	}

	// Copy outside the lock so callers may keep mutating their value.
	v, err := broker.ClonePayload(value)
	if err != nil {
		return 0, err
	}

	msg := broker.Message{
		Topic:         topic,
		Key:           key,
		Value:         v,
		ProducedAt:    time.Now().UTC(),
		SchemaVersion: broker.SchemaV1,
	}

	tl := b.topic(topic)
	tl.mu.Lock()
	msg.Offset = int64(len(tl.messages))
	tl.messages = append(tl.messages, msg)
	tl.mu.Unlock()

	return msg.Offset, nil
}

// Subscribe returns a cursor starting right after the group's committed offset.
func (b *Broker) Subscribe(ctx context.Context, topic, group string) (*broker.Subscription, error) {
	if b.closed.Load() {
		return nil, broker.ErrClosed
	}
	if topic == "" {
		return nil, broker.ErrInvalidTopic
	}
	if group == "" {
		return nil, broker.ErrInvalidGroup
	}

	committed, err := b.Offset(ctx, topic, group)
	if err != nil {
		return nil, err
	}

	return broker.NewSubscription(topic, group, committed+1, b.config.PollInterval, b.read), nil
}

// Commit advances the group's offset to max(current, offset).
func (b *Broker) Commit(ctx context.Context, topic, group string, offset int64) error {
	if b.closed.Load() {
		return broker.ErrClosed
	}
	if err := broker.ValidateCommit(topic, group, offset); err != nil {
		return err
	}

	tl := b.topic(topic)
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if cur, ok := tl.offsets[group]; !ok || offset > cur {
		tl.offsets[group] = offset
	}

	return nil
}

// Offset returns the committed offset of group or broker.NoOffset.
func (b *Broker) Offset(ctx context.Context, topic, group string) (int64, error) {
	if b.closed.Load() {
		return broker.NoOffset, broker.ErrClosed
	}

	tl := b.lookup(topic)
	if tl == nil {
		return broker.NoOffset, nil
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()

	if cur, ok := tl.offsets[group]; ok {
		return cur, nil
	}
	return broker.NoOffset, nil
}

// Tail returns the number of messages in topic, which is also the offset of
// the next publish.
func (b *Broker) Tail(ctx context.Context, topic string) (int64, error) {
	if b.closed.Load() {
		return 0, broker.ErrClosed
	}

	tl := b.lookup(topic)
	if tl == nil {
		return 0, nil
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()
	return int64(len(tl.messages)), nil
}

// Close marks the broker closed. Subscriptions stop at their next read.
func (b *Broker) Close() error {
	b.closed.Store(true)
	return nil
}

// read copies the message at offset. The topic lock is held only for the
// lookup itself.
func (b *Broker) read(ctx context.Context, topic string, offset int64) (broker.Message, bool, error) {
	if b.closed.Load() {
		return broker.Message{}, false, broker.ErrClosed
	}

	tl := b.lookup(topic)
	if tl == nil {
		return broker.Message{}, false, nil
	}

	tl.mu.Lock()
	if offset >= int64(len(tl.messages)) {
		tl.mu.Unlock()
		return broker.Message{}, false, nil
	}
	msg := tl.messages[offset]
	tl.mu.Unlock()

	// Every delivery gets its own copy of the stored value.
	v, err := broker.ClonePayload(msg.Value)
	if err != nil {
		return broker.Message{}, false, err
	}
	msg.Value = v

	return msg, true, nil
}

func (b *Broker) lookup(topic string) *topicLog {
	val, ok := b.topics.Load(topic)
	if !ok {
		return nil
	}
	return val.(*topicLog)
}

func (b *Broker) topic(topic string) *topicLog {
	if tl := b.lookup(topic); tl != nil {
		return tl
	}

	val, _ := b.topics.LoadOrStore(topic, &topicLog{
		messages: make([]broker.Message, 0, b.config.InitialCapacity),
		offsets:  make(map[string]int64),
	})
	return val.(*topicLog)
}
