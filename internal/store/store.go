// Package store is the SQLite persistence layer for the catalog: the
// master SKU table, freight calculation results, sync/run bookkeeping,
// export jobs and their baseline, and the single-row freight calculator
// config.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"catalogsyncd/internal/logger"
)

// Store wraps the shared *sql.DB handle every repository in this package
// operates against.
type Store struct {
	DB *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path,
// applying WAL/busy-timeout/foreign-key pragmas, then runs pending
// migrations.
func Open(ctx context.Context, path string, busyTimeoutMS int) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", path, busyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// SQLite allows only one writer at a time; a single pooled connection
	// avoids cross-connection write-lock contention and (for ":memory:")
	// keeps every query on the same in-process database.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	s := &Store{DB: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	logger.Success("STORE", fmt.Sprintf("opened %s", path))
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.DB.Close() }

// migrate applies schema versions in order, gated by a schema_version
// table.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)
	`); err != nil {
		return err
	}

	var version int
	row := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&version); err != nil {
		return err
	}

	if version < 1 {
		if err := s.migrateV1(ctx); err != nil {
			return fmt.Errorf("migrate v1: %w", err)
		}
		if _, err := s.DB.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (1)`); err != nil {
			return err
		}
		logger.Info("STORE", "applied schema v1")
	}
	return nil
}

func (s *Store) migrateV1(ctx context.Context) error {
	stmts := []string{
		skuInfoDDL,
		productSyncRunDDL,
		productSyncCandidateDDL,
		productSyncChunkDDL,
		freightCalcConfigDDL,
		freightRunDDL,
		skuFreightFeeDDL,
		scheduleDDL,
		exportJobDDL,
		exportJobSkuDDL,
		koganTemplateBaselineDDL,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec ddl: %w", err)
		}
	}
	return nil
}
