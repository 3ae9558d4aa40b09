// Package db persists session lifecycle records so operators can audit VM
// churn and follow up on sessions whose cleanup did not fully succeed.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migration/*.sql
var migrationFiles embed.FS

// NewDB opens (creating if needed) the sqlite database at path.
func NewDB(path string) (*sql.DB, error) {
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}
	return sqlDB, nil
}

// InitSchema applies the schema migration.
func InitSchema(ctx context.Context, sqlDB *sql.DB) error {
	schema, err := migrationFiles.ReadFile("migration/001_initial.sql")
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	if _, err = sqlDB.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}
