// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"time"
)

// ReadFunc returns the message stored at offset. The boolean is false when
// the offset does not exist yet.
type ReadFunc func(ctx context.Context, topic string, offset int64) (Message, bool, error)

// Subscription is a cursor over one topic for one consumer group.
// It is not safe for concurrent use.
type Subscription struct {
	topic    string
	group    string
	next     int64
	interval time.Duration
	read     ReadFunc
}

// NewSubscription creates a cursor that starts delivering at offset start.
// Brokers call it with committed+1.
func NewSubscription(topic, group string, start int64, interval time.Duration, read ReadFunc) *Subscription {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if start < 0 {
		start = 0
	}

	return &Subscription{
		topic:    topic,
		group:    group,
		next:     start,
		interval: interval,
		read:     read,
	}
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Group returns the consumer group.
func (s *Subscription) Group() string {
	return s.group
}

// Position returns the offset the next call to Next will deliver.
func (s *Subscription) Position() int64 {
	return s.next
}

// Next blocks until the message at the current position exists and returns it.
// Reaching the tail of the topic is not an error: Next waits for new messages
// until ctx is done.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}

		msg, ok, err := s.read(ctx, s.topic, s.next)
		if err != nil {
			return Message{}, err
		}
		if ok {
			s.next++
			return msg, nil
		}

		if timer == nil {
			timer = time.NewTimer(s.interval)
		} else {
			timer.Reset(s.interval)
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-timer.C:
		}
	}
}
