// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a durable broker on top of BadgerDB.
//
// Every write goes through a single writer goroutine, so publishes and
// commits are applied one at a time in the order they were submitted.
// Reads run concurrently in their own read-only transactions.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/chainstream/broker"
	"github.com/absmach/chainstream/broker/codec"
	"github.com/dgraph-io/badger/v4"
)

var _ broker.Broker = (*Broker)(nil)

// Key prefixes for BadgerDB storage.
const (
	messagePrefix = "msg:"    // msg:{topic}:{offset}
	tailPrefix    = "tail:"   // tail:{topic}, next offset to assign
	offsetPrefix  = "offset:" // offset:{topic}:{group}, committed offset
)

// Config defines configuration for the badger broker.
type Config struct {
	PollInterval time.Duration
	Compression  codec.Type
}

// Broker implements broker.Broker using BadgerDB.
type Broker struct {
	db     *badger.DB
	config Config
	logger *slog.Logger

	reqs      chan writeReq
	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type writeReq struct {
	fn     func(txn *badger.Txn) error
	result chan error
}

// record is the stored form of a message.
type record struct {
	Key           string     `json:"key"`
	Value         []byte     `json:"value"`
	Codec         codec.Type `json:"codec"`
	ProducedAt    int64      `json:"produced_at"` // Unix nano
	SchemaVersion string     `json:"schema_version"`
}

// New creates a broker over db and starts its writer. The caller keeps
// ownership of db and closes it after Close.
func New(db *badger.DB, cfg Config, logger *slog.Logger) *Broker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = broker.DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Broker{
		db:     db,
		config: cfg,
		logger: logger,
		reqs:   make(chan writeReq),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}

	go b.writer()

	return b
}

// Publish appends value to topic. The tail read, the message write and the
// tail update happen in one transaction.
func (b *Broker) Publish(ctx context.Context, topic, key string, value broker.Payload) (int64, error) {
	if topic == "" {
		return 0, broker.ErrInvalidTopic
	}

	payload, err := broker.EncodePayload(value)
	if err != nil {
		return 0, err
	}
	applied, enc, err := codec.Encode(b.config.Compression, payload)
	if err != nil {
		return 0, fmt.Errorf("failed to compress message: %w", err)
	}

	data, err := json.Marshal(record{
		Key:           key,
		Value:         enc,
		Codec:         applied,
		ProducedAt:    time.Now().UTC().UnixNano(),
		SchemaVersion: broker.SchemaV1,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	var offset uint64
	err = b.write(ctx, func(txn *badger.Txn) error {
		tail, _, err := getUint64(txn, tailKey(topic))
		if err != nil {
			return err
		}
		offset = tail

		if err := txn.Set(messageKey(topic, offset), data); err != nil {
			return err
		}
		return txn.Set(tailKey(topic), uint64ToBytes(tail+1))
	})
	if err != nil {
		return 0, err
	}

	return int64(offset), nil
}

// Subscribe returns a cursor starting right after the group's committed offset.
func (b *Broker) Subscribe(ctx context.Context, topic, group string) (*broker.Subscription, error) {
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

// Commit stores max(current, offset) for the group.
func (b *Broker) Commit(ctx context.Context, topic, group string, offset int64) error {
	if err := broker.ValidateCommit(topic, group, offset); err != nil {
		return err
	}

	return b.write(ctx, func(txn *badger.Txn) error {
		key := offsetKey(topic, group)
		cur, found, err := getUint64(txn, key)
		if err != nil {
			return err
		}
		if found && uint64(offset) <= cur {
			return nil
		}
		return txn.Set(key, uint64ToBytes(uint64(offset)))
	})
}

// Offset returns the committed offset of group or broker.NoOffset.
func (b *Broker) Offset(ctx context.Context, topic, group string) (int64, error) {
	if b.isClosed() {
		return broker.NoOffset, broker.ErrClosed
	}

	off := broker.NoOffset
	err := b.db.View(func(txn *badger.Txn) error {
		v, found, err := getUint64(txn, offsetKey(topic, group))
		if err != nil {
			return err
		}
		if found {
			off = int64(v)
		}
		return nil
	})

	return off, err
}

// Tail returns the offset the next publish to topic will get.
func (b *Broker) Tail(ctx context.Context, topic string) (int64, error) {
	if b.isClosed() {
		return 0, broker.ErrClosed
	}

	var tail uint64
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		tail, _, err = getUint64(txn, tailKey(topic))
		return err
	})

	return int64(tail), err
}

// Close stops the writer. Requests already handed to the writer complete.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.done
	})
	return nil
}

func (b *Broker) isClosed() bool {
	select {
	case <-b.stopCh:
		return true
	default:
		return false
	}
}

// write hands fn to the writer goroutine and waits for its result. Once the
// writer accepted the request the caller waits for it even if ctx is done, so
// the outcome of an accepted publish is never lost.
func (b *Broker) write(ctx context.Context, fn func(txn *badger.Txn) error) error {
	req := writeReq{fn: fn, result: make(chan error, 1)}

	select {
	case b.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopCh:
		return broker.ErrClosed
	}

	return <-req.result
}

func (b *Broker) writer() {
	defer close(b.done)

	for {
		select {
		case req := <-b.reqs:
			err := b.db.Update(req.fn)
			if err != nil {
				b.logger.Warn("broker write failed", slog.String("error", err.Error()))
			}
			req.result <- err
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) read(ctx context.Context, topic string, offset int64) (broker.Message, bool, error) {
	if b.isClosed() {
		return broker.Message{}, false, broker.ErrClosed
	}

	var (
		rec   record
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(topic, uint64(offset)))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil || !found {
		return broker.Message{}, false, err
	}

	payload, err := codec.Decode(rec.Codec, rec.Value)
	if err != nil {
		return broker.Message{}, false, fmt.Errorf("failed to decompress %s@%d: %w", topic, offset, err)
	}
	value, err := broker.DecodePayload(rec.SchemaVersion, payload)
	if err != nil {
		return broker.Message{}, false, fmt.Errorf("failed to decode %s@%d: %w", topic, offset, err)
	}

	return broker.Message{
		Topic:         topic,
		Offset:        offset,
		Key:           rec.Key,
		Value:         value,
		ProducedAt:    time.Unix(0, rec.ProducedAt).UTC(),
		SchemaVersion: rec.SchemaVersion,
	}, true, nil
}

// Topic and group segments are length-prefixed so that a ':' inside a name
// cannot make two different keys collide.
func segment(s string) string {
	return strconv.Itoa(len(s)) + ":" + s
}

func messageKey(topic string, offset uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", messagePrefix, segment(topic), offset))
}

func tailKey(topic string) []byte {
	return []byte(tailPrefix + segment(topic))
}

func offsetKey(topic, group string) []byte {
	return []byte(offsetPrefix + segment(topic) + ":" + group)
}

func getUint64(txn *badger.Txn, key []byte) (uint64, bool, error) {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}

	var val uint64
	err = item.Value(func(v []byte) error {
		if len(v) != 8 {
			return fmt.Errorf("corrupt counter at %q", key)
		}
		val = binary.BigEndian.Uint64(v)
		return nil
	})
	return val, true, err
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
