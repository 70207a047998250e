package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrSchemaNotMigrated is returned when no migration has been recorded.
	ErrSchemaNotMigrated = errors.New("database schema not migrated")

	// ErrSchemaDirty is returned when a migration failed halfway.
	ErrSchemaDirty = errors.New("database schema is dirty")
)

// schemaVersionQuery reads the bookkeeping row golang-migrate maintains.
const schemaVersionQuery = `SELECT version, dirty FROM schema_migrations LIMIT 1`

// DBChecker reports Postgres ready once it answers and the payment schema
// is fully migrated.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database and checks the schema version.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}

	var version int64
	var dirty bool
	err := d.db.QueryRowContext(ctx, schemaVersionQuery).Scan(&version, &dirty)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrSchemaNotMigrated
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case dirty:
		return fmt.Errorf("%w at version %d", ErrSchemaDirty, version)
	}
	return nil
}
