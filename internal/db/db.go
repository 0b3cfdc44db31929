// Package db opens the workspace store: one sqlite file under the
// .stagegate directory, created on first use.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "stagegate.db"

type Config struct {
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".stagegate", defaultDBName)
}

// EnsureWorkspace creates the .stagegate directory when it does not exist
// yet and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".stagegate")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open makes sure the workspace exists and opens its sqlite file. Foreign
// keys are enforced through the DSN pragma.
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

// Path reports where a workspace keeps its database file.
func Path(workspace string) string {
	return dbPath(workspace)
}
