// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package sink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "alicat.db")
	db, err := Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSortKeyOrdersReservedColumnsFirst(t *testing.T) {
	cols := []Column{
		{Name: "mass_flow", Kind: KindFloat},
		{Name: "unit_id", Kind: KindText},
		{Name: "Response Received", Kind: KindTimestamp},
		{Name: "Request Sent", Kind: KindTimestamp},
	}
	SortColumns(cols)
	require.Equal(t, []string{"Request Sent", "Response Received", "unit_id", "mass_flow"}, names(cols))
}

func names(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

func TestColumnName(t *testing.T) {
	require.Equal(t, "massflow", ColumnName("Mass Flow"))
	require.Equal(t, "abs_press", ColumnName("Abs_Press "))
	require.Equal(t, "requestsent", ColumnName("Request Sent"))
}

func TestBootstrapSchemaInfersKinds(t *testing.T) {
	sample := map[string]any{
		"Mass_Flow":         12.3,
		"Gas":               "Air",
		"Request Sent":      time.Now(),
		"Response Received": time.Now(),
	}
	cols := BootstrapSchema(sample)
	byName := map[string]Column{}
	for _, c := range cols {
		byName[c.Name] = c
	}
	require.Equal(t, KindFloat, byName["Mass_Flow"].Kind)
	require.Equal(t, KindText, byName["Gas"].Kind)
	require.Equal(t, KindTimestamp, byName["Time"].Kind)
	require.Equal(t, KindText, byName["Device"].Kind)
}

func TestEnsureSchemaAndInsertRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	cols := BootstrapSchema(map[string]any{
		"Mass_Flow":         1.5,
		"Gas":               "Air",
		"Request Sent":      time.Now(),
		"Response Received": time.Now(),
	})
	require.NoError(t, db.EnsureSchema(ctx, cols))
	// Calling it again with an overlapping and a new column must not
	// fail even though sqlite3 lacks ADD COLUMN IF NOT EXISTS.
	cols2 := append(cols, Column{Name: "Abs_Press", Kind: KindFloat})
	require.NoError(t, db.EnsureSchema(ctx, cols2))

	// The physical columns are the normalized names, not the raw
	// statistic names the device reports.
	physical, err := db.existingColumns(ctx)
	require.NoError(t, err)
	for _, want := range []string{"time", "device", "mass_flow", "gas", "requestsent", "responsereceived", "abs_press"} {
		require.Contains(t, physical, want)
	}
	require.NotContains(t, physical, "Mass_Flow")
	require.NotContains(t, physical, "Request Sent")

	now := time.Now()
	row := map[string]any{
		"Time":              now,
		"Device":            "mfc1",
		"Mass_Flow":         1.5,
		"Gas":               "Air",
		"Request Sent":      now,
		"Response Received": now,
		"Abs_Press":         14.7,
	}
	require.NoError(t, db.Insert(ctx, row))
}

func TestEnsureSchemaSurvivesFreshDBHandleWithExistingColumns(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "alicat.db")
	db1, err := Open("sqlite3", dsn)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, db1.EnsureSchema(ctx, BootstrapSchema(map[string]any{"Mass_Flow": 1.0})))
	require.NoError(t, db1.Close())

	// A second process (fresh *DB, empty `known` map) against the same
	// file must not try to re-add a column sqlite already has.
	db2, err := Open("sqlite3", dsn)
	require.NoError(t, err)
	defer db2.Close()
	require.NoError(t, db2.EnsureSchema(ctx, BootstrapSchema(map[string]any{"Mass_Flow": 2.0})))
}

func TestDeleteOlderThanPrunesOnlyStaleRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.EnsureSchema(ctx, BootstrapSchema(map[string]any{"Mass_Flow": 1.0})))

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()
	require.NoError(t, db.Insert(ctx, map[string]any{"Time": old, "Device": "mfc1", "Mass_Flow": 1.0}))
	require.NoError(t, db.Insert(ctx, map[string]any{"Time": fresh, "Device": "mfc1", "Mass_Flow": 2.0}))

	n, err := db.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
