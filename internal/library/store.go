// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// Store provides SQLite persistence for the media index.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the index database. WAL mode plus a busy
// timeout keeps the read-heavy query path from tripping over scan writes.
func NewStore(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS media_files (
		path TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		mod_time TEXT NOT NULL,
		scan_time TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_media_files_scan_time ON media_files(scan_time);
	CREATE INDEX IF NOT EXISTS idx_media_files_filename ON media_files(filename);
	`
	_, err := s.db.Exec(schema)
	return err
}

// BeginTx starts a transaction. The scanner batches a full walk into one.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// UpsertItem inserts or refreshes one indexed file inside a scan transaction.
func (s *Store) UpsertItem(ctx context.Context, tx *sql.Tx, item Item) error {
	query := `
	INSERT INTO media_files (path, filename, size_bytes, mod_time, scan_time)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		filename = excluded.filename,
		size_bytes = excluded.size_bytes,
		mod_time = excluded.mod_time,
		scan_time = excluded.scan_time
	`
	_, err := tx.ExecContext(ctx, query,
		item.Path,
		item.Filename,
		item.SizeBytes,
		item.ModTime.UTC().Format(time.RFC3339Nano),
		item.ScanTime.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// DeleteStale removes rows untouched by the scan that started at scanTime.
// Returns the number of rows dropped.
func (s *Store) DeleteStale(ctx context.Context, tx *sql.Tx, scanTime time.Time) (int, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM media_files WHERE scan_time < ?`,
		scanTime.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Upsert writes one item outside a scan, used by the filesystem watcher.
func (s *Store) Upsert(ctx context.Context, item Item) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := s.UpsertItem(ctx, tx, item); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Delete removes one path from the index.
func (s *Store) Delete(ctx context.Context, relPath string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM media_files WHERE path = ?`, relPath)
	return err
}

// Get returns one item by path.
func (s *Store) Get(ctx context.Context, relPath string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT path, filename, size_bytes, mod_time, scan_time
	FROM media_files WHERE path = ?`, relPath)

	item, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListUnder returns root-relative paths under relDir in path order.
// relDir "." selects the whole library.
func (s *Store) ListUnder(ctx context.Context, relDir string, recursive bool) ([]string, error) {
	var rows *sql.Rows
	var err error
	if relDir == "." || relDir == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT path FROM media_files ORDER BY path`)
	} else {
		prefix := strings.TrimSuffix(relDir, "/") + "/"
		rows, err = s.db.QueryContext(ctx,
			`SELECT path FROM media_files WHERE path LIKE ? ESCAPE '\' ORDER BY path`,
			likeEscape(prefix)+"%")
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		if !recursive && path.Dir(p) != relDir && !(relDir == "." && path.Dir(p) == ".") {
			continue
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListOptions selects a page of the index.
type ListOptions struct {
	Query  string // substring match on filename
	Limit  int
	Offset int
}

// List returns a page of items plus the total match count.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]Item, int, error) {
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 100
	}
	where := ""
	args := []any{}
	if opts.Query != "" {
		where = `WHERE filename LIKE ? ESCAPE '\'`
		args = append(args, "%"+likeEscape(opts.Query)+"%")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM media_files `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
	SELECT path, filename, size_bytes, mod_time, scan_time
	FROM media_files ` + where + `
	ORDER BY path
	LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	return items, total, rows.Err()
}

// Count returns the number of indexed files.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media_files`).Scan(&n)
	return n, err
}

func scanItem(scan func(dest ...any) error) (Item, error) {
	var item Item
	var modTimeStr, scanTimeStr string
	if err := scan(&item.Path, &item.Filename, &item.SizeBytes, &modTimeStr, &scanTimeStr); err != nil {
		return Item{}, err
	}
	item.ModTime, _ = time.Parse(time.RFC3339Nano, modTimeStr)
	item.ScanTime, _ = time.Parse(time.RFC3339Nano, scanTimeStr)
	return item, nil
}

// likeEscape neutralizes LIKE wildcards in user-supplied fragments.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
