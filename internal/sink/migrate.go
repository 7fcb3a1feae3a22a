// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package sink

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	sqlite3driver "github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ulfsri/alicat-daq/pkg/log"
)

var registerOnce sync.Once

//go:embed migrations/*
var migrationFiles embed.FS

// Open opens a sink against driver ("sqlite3" or "postgres") and dsn,
// applies the embedded migrations to bring the alicat table up to
// date, and, for postgres, best-effort registers Time as a
// range-partitioned TimescaleDB hypertable.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case "sqlite3":
		return openSQLite(dsn)
	case "postgres":
		return openPostgres(dsn)
	default:
		return nil, fmt.Errorf("sink: unsupported driver %q", driver)
	}
}

func openSQLite(dsn string) (*DB, error) {
	registerOnce.Do(func() {
		sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3driver.SQLiteDriver{}, &Hooks{}))
	})
	handle, err := sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", dsn))
	if err != nil {
		return nil, fmt.Errorf("sink: open sqlite3 %s: %w", dsn, err)
	}
	// sqlite3 does not support concurrent writers; serialize on one
	// connection rather than contend on file locks.
	handle.SetMaxOpenConns(1)

	if err := migrateUp("sqlite3", handle.DB, "migrations/sqlite3"); err != nil {
		return nil, err
	}
	return newDB(handle, "sqlite3"), nil
}

func openPostgres(dsn string) (*DB, error) {
	handle, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: open postgres: %w", err)
	}

	if err := migrateUp("postgres", handle.DB, "migrations/postgres"); err != nil {
		return nil, err
	}

	// Hypertable registration is best-effort: a plain PostgreSQL
	// instance without the TimescaleDB extension simply logs a
	// warning and keeps the ordinary table.
	if _, err := handle.Exec(`SELECT create_hypertable('alicat', 'time', if_not_exists => TRUE, migrate_data => TRUE)`); err != nil {
		log.Warnf("sink: hypertable registration skipped: %v", err)
	}

	return newDB(handle, "postgres"), nil
}

func migrateUp(backend string, db *sql.DB, path string) error {
	src, err := iofs.New(migrationFiles, path)
	if err != nil {
		return fmt.Errorf("sink: migration source %s: %w", path, err)
	}

	var m *migrate.Migrate
	switch backend {
	case "sqlite3":
		driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
		if err != nil {
			return fmt.Errorf("sink: migration driver for %s: %w", backend, err)
		}
		m, err = migrate.NewWithInstance("iofs", src, backend, driver)
		if err != nil {
			return fmt.Errorf("sink: migrate.NewWithInstance: %w", err)
		}
	case "postgres":
		driver, err := postgres.WithInstance(db, &postgres.Config{})
		if err != nil {
			return fmt.Errorf("sink: migration driver for %s: %w", backend, err)
		}
		m, err = migrate.NewWithInstance("iofs", src, backend, driver)
		if err != nil {
			return fmt.Errorf("sink: migrate.NewWithInstance: %w", err)
		}
	default:
		return fmt.Errorf("sink: unsupported migration backend %q", backend)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("sink: migrate up: %w", err)
	}
	return nil
}
