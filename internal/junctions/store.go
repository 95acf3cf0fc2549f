// Package junctions persists the junctions of virtual file systems in
// PostgreSQL so they survive restarts.
package junctions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS vfs_junctions (
	root       TEXT NOT NULL,
	point      TEXT NOT NULL,
	target     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (root, point)
)`

// Junction maps to a row of the vfs_junctions table.
type Junction struct {
	Root      string    `json:"root"`
	Point     string    `json:"point"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"created_at"`
}

// Store provides CRUD operations for vfs_junctions.
type Store struct {
	db *sql.DB
}

// Open connects to databaseURL and creates the table if needed.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the junction table.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create vfs_junctions: %w", err)
	}
	return nil
}

// Put stores or replaces the junction at point.
func (s *Store) Put(ctx context.Context, root, point, target string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vfs_junctions (root, point, target)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (root, point) DO UPDATE SET target = EXCLUDED.target`,
		root, point, target)
	if err != nil {
		return fmt.Errorf("put junction %s%s: %w", root, point, err)
	}
	return nil
}

// Delete removes the junction at point. Deleting a missing junction is not
// an error.
func (s *Store) Delete(ctx context.Context, root, point string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM vfs_junctions WHERE root = $1 AND point = $2`, root, point); err != nil {
		return fmt.Errorf("delete junction %s%s: %w", root, point, err)
	}
	return nil
}

// List returns the junctions of root ordered by point.
func (s *Store) List(ctx context.Context, root string) ([]Junction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT root, point, target, created_at
		 FROM vfs_junctions WHERE root = $1 ORDER BY point`, root)
	if err != nil {
		return nil, fmt.Errorf("list junctions: %w", err)
	}
	defer rows.Close()

	var out []Junction
	for rows.Next() {
		var j Junction
		if err := rows.Scan(&j.Root, &j.Point, &j.Target, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan junction: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
