// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sink implements the logger's persistence collaborator: an
// async, transaction-capable connection that materializes a per-device
// column set discovered at runtime and appends one row per sample.
package sink

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

// Kind is a column's storage type, inferred once at schema bootstrap
// and never revisited for a given column name.
type Kind int

const (
	KindText Kind = iota
	KindFloat
	KindTimestamp
)

// Column is one entry of the schema synthesized from a bootstrap
// sample: a statistic name (or the two fixed timing columns) paired
// with its storage kind.
type Column struct {
	Name string
	Kind Kind
}

// table is the single, fixed sink table name.
const table = "alicat"

// reserved timing/identity columns that must sort ahead of every
// statistic column. SortKey below assigns them synthetic low-byte
// prefixes so a lexicographic sort places them first and in this
// order, mirroring the bootstrap's own key function.
const (
	colRequestSent      = "Request Sent"
	colResponseReceived = "Response Received"
	colDevice           = "unit_id"
)

// SortKey returns a key such that sorting column names by the
// returned strings places Request Sent, Response Received and
// unit_id first (in that order), with every other name following in
// its own lexicographic order.
func SortKey(name string) string {
	switch name {
	case colRequestSent:
		return "\x00"
	case colResponseReceived:
		return "\x01"
	case colDevice:
		return "\x02" + name
	default:
		return "\x03" + name
	}
}

// SortColumns sorts columns in place using SortKey.
func SortColumns(cols []Column) {
	sort.SliceStable(cols, func(i, j int) bool {
		return SortKey(cols[i].Name) < SortKey(cols[j].Name)
	})
}

// ColumnName normalizes a statistic name into its physical column
// name: lower-cased with whitespace removed. Every DDL and insert
// statement goes through this, so "Mass_Flow" is stored as mass_flow
// and "Request Sent" as requestsent regardless of how the device
// spells its field names.
func ColumnName(stat string) string {
	return strings.ToLower(strings.Join(strings.Fields(stat), ""))
}

// Sink is what the logger depends on: a place to materialize a
// discovered schema once and append rows forever after.
type Sink interface {
	// EnsureSchema creates the table if absent and adds any column in
	// cols not already present. Safe to call repeatedly.
	EnsureSchema(ctx context.Context, cols []Column) error
	// Insert appends one row keyed by statistic name -> value; keys
	// are normalized via ColumnName before they hit the wire. Time
	// and Device are ordinary columns as far as Insert is concerned.
	Insert(ctx context.Context, row map[string]any) error
	// DeleteOlderThan removes every row whose Time precedes cutoff,
	// returning the number of rows removed. Used by the logger's
	// periodic housekeeping job; a no-op retention policy can simply
	// ignore the returned count.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// DB is the sqlx-backed Sink implementation, parametrized over the
// sqlite3 and postgres drivers via a small per-driver dialect.
type DB struct {
	db      *sqlx.DB
	driver  string
	builder sq.StatementBuilderType
	known   map[string]struct{}
}

var _ Sink = (*DB)(nil)

func newDB(db *sqlx.DB, driver string) *DB {
	builder := sq.StatementBuilder
	if driver == "postgres" {
		builder = builder.PlaceholderFormat(sq.Dollar)
	}
	return &DB{db: db, driver: driver, builder: builder, known: map[string]struct{}{}}
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) columnType(k Kind) string {
	switch k {
	case KindFloat:
		if d.driver == "postgres" {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case KindTimestamp:
		if d.driver == "postgres" {
			return "TIMESTAMPTZ"
		}
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

// EnsureSchema creates the alicat table (if it doesn't already exist
// via migration) and adds any columns in cols that this process
// hasn't already confirmed present. cols is sorted by SortKey first so
// column creation order is deterministic across runs.
//
// Postgres supports ADD COLUMN IF NOT EXISTS directly; sqlite3 does
// not, so on that driver existing columns are discovered once via
// PRAGMA table_info and merged into the known set before any ALTER is
// attempted.
func (d *DB) EnsureSchema(ctx context.Context, cols []Column) error {
	ordered := append([]Column(nil), cols...)
	SortColumns(ordered)

	if _, err := d.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (time TIMESTAMP, device TEXT, PRIMARY KEY (time, device))`, table)); err != nil {
		return fmt.Errorf("sink: create table: %w", err)
	}

	if d.driver == "sqlite3" {
		existing, err := d.existingColumns(ctx)
		if err != nil {
			return err
		}
		for name := range existing {
			d.known[name] = struct{}{}
		}
	}

	for _, c := range ordered {
		norm := ColumnName(c.Name)
		if _, ok := d.known[norm]; ok {
			continue
		}
		stmt := d.addColumnStmt(c)
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sink: add column %q: %w", norm, err)
		}
		d.known[norm] = struct{}{}
	}
	return nil
}

// Insert appends one row, building a dynamic INSERT via squirrel
// since the column set varies per device and per run. Row keys are
// the statistic names as the device spells them; the column list is
// their normalized form, matching what EnsureSchema created.
func (d *DB) Insert(ctx context.Context, row map[string]any) error {
	builder := d.builder.Insert(table)
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	values := make([]any, 0, len(cols))
	quoted := make([]string, 0, len(cols))
	for _, col := range cols {
		quoted = append(quoted, quoteIdent(d.driver, ColumnName(col)))
		values = append(values, row[col])
	}
	builder = builder.Columns(quoted...).Values(values...)

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("sink: build insert: %w", err)
	}
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sink: insert: %w", err)
	}
	return nil
}

// DeleteOlderThan removes every row whose time column precedes cutoff.
func (d *DB) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := d.builder.Delete(table).Where(sq.Lt{"time": cutoff}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("sink: build delete: %w", err)
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sink: delete older than %s: %w", cutoff, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers don't report affected rows for DELETE; treat
		// that as "unknown, but not an error".
		return 0, nil
	}
	return n, nil
}

// addColumnStmt renders the dialect-appropriate ADD COLUMN statement
// for c, using the normalized column name.
func (d *DB) addColumnStmt(c Column) string {
	ifNotExists := ""
	if d.driver == "postgres" {
		ifNotExists = "IF NOT EXISTS "
	}
	return fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s%s %s`, table, ifNotExists, quoteIdent(d.driver, ColumnName(c.Name)), d.columnType(c.Kind))
}

// existingColumns lists the alicat table's current column names via
// PRAGMA table_info, sqlite3's schema-introspection statement.
func (d *DB) existingColumns(ctx context.Context) (map[string]struct{}, error) {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("sink: inspect columns: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sink: inspect columns: %w", err)
	}
	out := make(map[string]struct{})
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sink: inspect columns: %w", err)
		}
		for i, col := range cols {
			if col == "name" {
				if name, ok := vals[i].(string); ok {
					out[name] = struct{}{}
				}
			}
		}
	}
	return out, rows.Err()
}

func quoteIdent(driver, name string) string {
	if driver == "postgres" {
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// BootstrapSchema derives a Column set from one sample row the way
// the logger's startup get(stats) call does: every key becomes a
// column, typed timestamp for the two timing keys and Time's
// duplicate, float for numeric payload, text otherwise.
func BootstrapSchema(sample map[string]any) []Column {
	cols := make([]Column, 0, len(sample)+2)
	for k, v := range sample {
		cols = append(cols, Column{Name: k, Kind: kindOf(k, v)})
	}
	cols = append(cols, Column{Name: "Time", Kind: KindTimestamp}, Column{Name: "Device", Kind: KindText})
	SortColumns(cols)
	return cols
}

func kindOf(key string, v any) Kind {
	switch key {
	case colRequestSent, colResponseReceived:
		return KindTimestamp
	}
	switch v.(type) {
	case float32, float64, int, int32, int64:
		return KindFloat
	case time.Time:
		return KindTimestamp
	default:
		return KindText
	}
}
