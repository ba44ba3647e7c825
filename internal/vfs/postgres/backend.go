// Package postgres implements a vfs.Backend on a PostgreSQL
// table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/thelolagemann/cartbox/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS vfs_files (
	path       TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Backend stores every file as one row. Each Put is a single
// upsert statement and therefore atomic.
type Backend struct {
	db *sql.DB
}

// New opens the database at databaseURL and creates the
// vfs_files table if needed.
func New(ctx context.Context, databaseURL string) (*Backend, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create vfs_files: %w", err)
	}

	return &Backend{db: db}, nil
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT data FROM vfs_files WHERE path = $1`, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &fs.PathError{Op: "get", Path: key, Err: fs.ErrNotExist}
	}
	metrics.RecordStoreOp("postgres", "get", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

func (b *Backend) Put(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO vfs_files (path, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		key, data,
	)
	metrics.RecordStoreOp("postgres", "put", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := b.db.ExecContext(ctx, `DELETE FROM vfs_files WHERE path = $1`, key)
	metrics.RecordStoreOp("postgres", "delete", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := b.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM vfs_files WHERE path = $1)`, key,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return ok, nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	rows, err := b.db.QueryContext(ctx,
		`SELECT path FROM vfs_files WHERE path LIKE $1 ESCAPE '\' ORDER BY path`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		metrics.RecordStoreOp("postgres", "list", time.Since(start), false)
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		keys = append(keys, k)
	}
	metrics.RecordStoreOp("postgres", "list", time.Since(start), rows.Err() == nil)
	return keys, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// Type returns "postgres".
func (b *Backend) Type() string { return "postgres" }

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}
