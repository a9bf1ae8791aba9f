// internal/repository/sqlstore/dialect.go
// Package sqlstore implements the Wallet Store and Transaction Log on top of
// sqlx. Queries are written with "?" placeholders and rebound per driver, so
// the same code serves PostgreSQL and SQLite.
package sqlstore

import (
	"fmt"

	"escrow-ledger/internal/repository"
	"escrow-ledger/internal/util"
	"escrow-ledger/pkg/db"
)

// forUpdate returns the row-locking suffix for q's driver. SQLite has no row
// locks; its transactions begin IMMEDIATE and hold the database write lock.
func forUpdate(q repository.DBExecutor) string {
	if q.DriverName() == db.DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// storageError wraps err, tagging transient contention as util.ErrStorageConflict.
func storageError(op string, err error) error {
	if db.IsConflict(err) {
		return fmt.Errorf("%s: %w: %v", op, util.ErrStorageConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
