// Package scene stores saved canvas scenes in SQLite and guards saving
// against overlapping triggers.
package scene

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/galaxy/internal/apperr"
	"github.com/starford/galaxy/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS scenes (
	name       TEXT PRIMARY KEY,
	data       TEXT NOT NULL DEFAULT '',
	checksum   TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_scenes_updated ON scenes(updated_at);
`

// DB wraps a sql.DB with scene operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("scene: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("scene: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("scene: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Save inserts or replaces a scene.
func (db *DB) Save(ctx context.Context, s models.Scene) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO scenes (name, data, checksum, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			data       = excluded.data,
			checksum   = excluded.checksum,
			updated_at = excluded.updated_at
	`, s.Name, s.Data, s.Checksum, s.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("scene: save %s: %w", s.Name, err)
	}
	return nil
}

// Get returns the named scene including its data.
func (db *DB) Get(ctx context.Context, name string) (models.Scene, error) {
	var s models.Scene
	err := db.conn.QueryRowContext(ctx,
		`SELECT name, data, checksum, updated_at FROM scenes WHERE name = ?`, name,
	).Scan(&s.Name, &s.Data, &s.Checksum, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Scene{}, fmt.Errorf("scene: %s: %w", name, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Scene{}, fmt.Errorf("scene: get %s: %w", name, err)
	}
	return s, nil
}

// List returns every scene without its data, most recently saved first.
func (db *DB) List(ctx context.Context) ([]models.Scene, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT name, checksum, updated_at FROM scenes ORDER BY updated_at DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("scene: list: %w", err)
	}
	defer rows.Close()

	out := []models.Scene{}
	for rows.Next() {
		var s models.Scene
		if err := rows.Scan(&s.Name, &s.Checksum, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scene: list: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes the named scene.
func (db *DB) Delete(ctx context.Context, name string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM scenes WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("scene: delete %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scene: %s: %w", name, apperr.ErrNotFound)
	}
	return nil
}
