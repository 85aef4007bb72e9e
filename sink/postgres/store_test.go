// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"testing"

	"github.com/absmach/chainstream/testutil"
)

var sinkTables = []string{"streaming_dedup", "blocks", "transactions", "logs", "transfers"}

func TestStoreContract(t *testing.T) {
	testutil.RunSinkSuite(t, func(t *testing.T) testutil.SinkStore {
		store := testutil.Postgres(t, sinkTables...)
		return New(store.Pool())
	})
}
