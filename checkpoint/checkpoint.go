// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint persists the last ingested block number.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultFile is the default checkpoint file name.
const DefaultFile = "checkpoint.json"

// ErrCorrupt is returned when the checkpoint file cannot be decoded.
var ErrCorrupt = errors.New("corrupt checkpoint")

type state struct {
	LastBlock *uint64 `json:"last_block"`
}

// Store reads and atomically replaces a checkpoint file.
type Store struct {
	mu   sync.Mutex
	path string
}

// New returns a store for path. An empty path uses DefaultFile in the
// working directory.
func New(path string) *Store {
	if path == "" {
		path = DefaultFile
	}
	return &Store{path: path}
}

// Path returns the checkpoint file path.
func (s *Store) Path() string {
	return s.path
}

// Last returns the last ingested block. The second result is false when no
// checkpoint has been written yet.
func (s *Store) Last() (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return 0, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if st.LastBlock == nil {
		return 0, false, fmt.Errorf("%w: %s: missing last_block", ErrCorrupt, s.path)
	}

	return *st.LastBlock, true, nil
}

// Update replaces the checkpoint with n. The new content is written to a
// temporary file in the same directory, synced and renamed over the old
// file, so readers see either the previous or the new value.
func (s *Store) Update(n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(state{LastBlock: &n})
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	return nil
}
