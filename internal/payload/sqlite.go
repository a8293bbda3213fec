package payload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `CREATE TABLE IF NOT EXISTS images (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL DEFAULT 0,
	image_name TEXT NOT NULL,
	brightness_level REAL DEFAULT 1.0,
	image_data BLOB
)`

// SQLiteStore reads payloads from the image_data column of an images table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the database at path, creating the images table when
// it is missing.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open payload database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create images table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Lookup returns the newest image_data stored under name.
func (s *SQLiteStore) Lookup(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT image_data FROM images WHERE image_name = ? ORDER BY id DESC LIMIT 1", name,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query image %q: %w", name, err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %q has no image data", ErrNotFound, name)
	}
	return data, nil
}

// Put stores data under name. Older rows with the same name are kept;
// Lookup returns the newest.
func (s *SQLiteStore) Put(ctx context.Context, name string, data []byte) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO images (image_name, image_data) VALUES (?, ?)", name, data,
	); err != nil {
		return fmt.Errorf("failed to store image %q: %w", name, err)
	}
	return nil
}

// Names returns the distinct image names, sorted.
func (s *SQLiteStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT image_name FROM images ORDER BY image_name")
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
