// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/absmach/chainstream/storage/postgres"
	"github.com/stretchr/testify/require"
)

// PostgresURLEnv names the variable that enables PostgreSQL-backed tests.
const PostgresURLEnv = "CHAINSTREAM_TEST_POSTGRES_URL"

// Postgres opens a store against the database named by PostgresURLEnv and
// truncates the given tables. The test is skipped when the variable is unset.
func Postgres(t *testing.T, tables ...string) *postgres.Store {
	t.Helper()

	url := os.Getenv(PostgresURLEnv)
	if url == "" {
		t.Skipf("%s not set", PostgresURLEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := postgres.New(ctx, postgres.Config{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, table := range tables {
		_, err := store.Pool().Exec(ctx, "TRUNCATE "+table)
		require.NoError(t, err)
	}

	return store
}
