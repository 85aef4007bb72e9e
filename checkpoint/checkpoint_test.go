// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastMissing(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), DefaultFile))

	n, ok, err := s.Last()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, n)
}

func TestUpdateAndLast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", DefaultFile)
	s := New(path)

	require.NoError(t, s.Update(123))

	n, ok, err := s.Last()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(123), n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"last_block": 123}`, string(data))
}

func TestZeroIsACheckpoint(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), DefaultFile))
	require.NoError(t, s.Update(0))

	n, ok, err := s.Last()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, n)
}

func TestTornWriteKeepsPreviousValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFile)
	s := New(path)

	require.NoError(t, s.Update(10))
	require.NoError(t, s.Update(20))

	// A crash between write and rename leaves a partial temp file behind.
	torn := filepath.Join(dir, DefaultFile+".12345.tmp")
	require.NoError(t, os.WriteFile(torn, []byte(`{"last_bl`), 0o644))

	n, ok, err := New(path).Last()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(20), n)
}

func TestUpdateLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, DefaultFile))

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Update(i))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, DefaultFile, entries[0].Name())
}

func TestUpdateFailureRemovesTemp(t *testing.T) {
	dir := t.TempDir()
	// The target is a non-empty directory, so the rename fails.
	path := filepath.Join(dir, DefaultFile)
	require.NoError(t, os.MkdirAll(filepath.Join(path, "busy"), 0o755))

	err := New(path).Update(7)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file must be removed")
	assert.Equal(t, DefaultFile, entries[0].Name())
}

func TestCorrupt(t *testing.T) {
	cases := map[string]string{
		"not json":     "not a valid json",
		"missing key":  `{"other": 1}`,
		"wrong type":   `{"last_block": "ten"}`,
		"negative":     `{"last_block": -1}`,
		"empty object": `{}`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), DefaultFile)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			_, _, err := New(path).Last()
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestDefaultPath(t *testing.T) {
	assert.Equal(t, DefaultFile, New("").Path())
}
