package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"

	duckdbDriver "github.com/marcboeker/go-duckdb"
)

// OpenDB opens the DuckDB database at path. An empty path or ":memory:" opens
// a private in-memory database. The parent directory of a file database is
// created owner-only. Every pooled connection runs bootQueries first.
func OpenDB(path string, bootQueries ...string) (*sql.DB, error) {
	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	connector, err := duckdbDriver.NewConnector(path, func(execer driver.ExecerContext) error {
		for _, query := range bootQueries {
			if _, err := execer.ExecContext(context.Background(), query, nil); err != nil {
				return fmt.Errorf("boot query %q: %w", query, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb %q: %w", path, err)
	}

	return sql.OpenDB(connector), nil
}
