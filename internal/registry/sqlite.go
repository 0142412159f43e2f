// ABOUTME: SQLite persister for the app registry using modernc.org/sqlite
// ABOUTME: Stores one JSON document per app and replaces the table in a transaction

package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the registry in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS apps (
			name       TEXT PRIMARY KEY,
			data       TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Load reads every app row.
func (s *SQLiteStore) Load() (map[string]*AppEntry, error) {
	rows, err := s.db.Query(`SELECT name, data FROM apps`)
	if err != nil {
		return nil, fmt.Errorf("querying apps: %w", err)
	}
	defer rows.Close()

	apps := make(map[string]*AppEntry)
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("scanning app row: %w", err)
		}
		var app AppEntry
		if err := json.Unmarshal([]byte(data), &app); err != nil {
			return nil, fmt.Errorf("decoding app %q: %w", name, err)
		}
		apps[name] = &app
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating apps: %w", err)
	}
	return apps, nil
}

// Save replaces the stored snapshot inside one transaction.
func (s *SQLiteStore) Save(apps map[string]*AppEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM apps`); err != nil {
		return fmt.Errorf("clearing apps: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO apps (name, data, updated_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for name, app := range apps {
		data, err := json.Marshal(app)
		if err != nil {
			return fmt.Errorf("encoding app %q: %w", name, err)
		}
		if _, err := stmt.Exec(name, string(data), now); err != nil {
			return fmt.Errorf("inserting app %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing apps: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
