// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"errors"

	"github.com/absmach/chainstream/broker"
)

var (
	_ broker.Broker = (*instrumentedBroker)(nil)
	_ broker.Tailer = (*instrumentedBroker)(nil)
)

type instrumentedBroker struct {
	broker.Broker
	rec Recorder
}

// Broker wraps b so that every successful publish is recorded.
func Broker(b broker.Broker, rec Recorder) broker.Broker {
	return &instrumentedBroker{Broker: b, rec: OrNop(rec)}
}

func (ib *instrumentedBroker) Publish(ctx context.Context, topic, key string, value broker.Payload) (int64, error) {
	off, err := ib.Broker.Publish(ctx, topic, key, value)
	if err == nil {
		ib.rec.Published(topic)
	}
	return off, err
}

func (ib *instrumentedBroker) Tail(ctx context.Context, topic string) (int64, error) {
	if t, ok := ib.Broker.(broker.Tailer); ok {
		return t.Tail(ctx, topic)
	}
	return 0, errors.ErrUnsupported
}
