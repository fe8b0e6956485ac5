// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package store persists the user's fee tier preference and the receipts of
// initiated transfers in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/btcsuite/cosign/broadcast"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var (
	// ErrNilDB is returned when a store is created without a database.
	ErrNilDB = errors.New("nil database")

	// ErrReceiptNotFound is returned when no receipt exists for a txid.
	ErrReceiptNotFound = errors.New("receipt not found")
)

// A compile time check to ensure Store can back the broadcast coordinator.
var (
	_ broadcast.PreferenceStore = (*Store)(nil)
	_ broadcast.ReceiptStore    = (*Store)(nil)
)

// Store is the SQLite backed preference and receipt store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies its migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	// Foreign keys, WAL and a busy timeout, so that a second reader does
	// not fail with SQLITE_BUSY.
	dsn := path + "?_pragma=foreign_keys=on" +
		"&_pragma=journal_mode=WAL" +
		"&_txlock=immediate" +
		"&_pragma=busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	err = applyMigrations(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Debugf("Opened store at %s", path)

	return New(db)
}

// New returns a store on an already migrated database.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// applyMigrations applies every embedded migration not yet applied to db.
func applyMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("create source driver: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// execInTx runs f in a transaction that is committed when f succeeds and
// rolled back otherwise.
func (s *Store) execInTx(ctx context.Context, f func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	err = f(tx)
	if err != nil {
		rollbackErr := tx.Rollback()
		if rollbackErr != nil {
			log.Errorf("Rollback failed: %v", rollbackErr)
		}

		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}
