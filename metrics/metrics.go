// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics defines the recorder used across the pipeline and its
// Prometheus implementation.
package metrics

import "time"

// Recorder receives pipeline events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// Published counts a message appended to topic.
	Published(topic string)

	// Consumed counts a message handled and committed by group.
	Consumed(topic, group string)

	// Duplicate counts a redelivered message whose effect was already applied.
	Duplicate(topic string)

	// HandlerError counts a handler failure.
	HandlerError(topic, group string)

	// RPCCall records one upstream call including all of its retries.
	RPCCall(method string, d time.Duration, err error)

	// RPCRetry counts one retried attempt.
	RPCRetry(method string)

	// BlocksProduced counts blocks published by the producer.
	BlocksProduced(n int)
}

var _ Recorder = Nop{}

// Nop discards every event.
type Nop struct{}

func (Nop) Published(string) {}
func (Nop) Consumed(string, string) {}
func (Nop) Duplicate(string) {}
func (Nop) HandlerError(string, string) {}
func (Nop) RPCCall(string, time.Duration, error) {}
func (Nop) RPCRetry(string) {}
func (Nop) BlocksProduced(int) {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
