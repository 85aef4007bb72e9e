// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"testing"

	"github.com/absmach/chainstream/chain"
	"github.com/absmach/chainstream/sink"
	storage "github.com/absmach/chainstream/storage/badger"
	"github.com/absmach/chainstream/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, dir string) (*Store, *storage.Store) {
	t.Helper()

	db, err := storage.New(storage.Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return New(db.DB()), db
}

func TestStoreContract(t *testing.T) {
	testutil.RunSinkSuite(t, func(t *testing.T) testutil.SinkStore {
		s, _ := newStore(t, t.TempDir())
		return s
	})
}

func TestDedupSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, db := newStore(t, dir)
	first, err := s.Apply(ctx, "blocks", "42", func(w sink.Writer) error {
		return w.WriteBlock(chain.Header(42, nil))
	})
	require.NoError(t, err)
	require.True(t, first)
	require.NoError(t, db.Close())

	s, _ = newStore(t, dir)
	calls := 0
	first, err = s.Apply(ctx, "blocks", "42", func(w sink.Writer) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.False(t, first)
	assert.Zero(t, calls)

	b, ok, err := s.Block(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), b.Number)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "dedup:4:logs:0xa:1", string(dedupKey("logs", "0xa:1")))
	assert.Equal(t, "block:00000000000000000007", string(blockKey(7)))
	assert.Equal(t, "transfer:0xa:0000000003", string(logKey(transferPrefix, "0xa", 3)))
}
