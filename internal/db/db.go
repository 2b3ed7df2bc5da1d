// Package db opens the workspace-local SQLite store holding refund cases,
// the transaction ledger, account balances and the audit log.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "pixmed.db"

// Config locates the store. The database file lives under the workspace's
// hidden .pixmed directory, next to pixmed.yml.
type Config struct {
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".pixmed", defaultDBName)
}

// EnsureWorkspace creates the hidden data directory if missing and returns
// its path.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".pixmed")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the case store, creating the workspace directory on first use.
// Foreign keys are enabled so event rows cannot outlive their case.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the database file path for a workspace without opening it.
func Path(workspace string) string {
	return dbPath(workspace)
}
