package allocator

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"objcache/internal/types"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	//go:embed migrations
	migrationsFS embed.FS
)

// SQLite keeps the counters in a SQLite database. WAL mode and a busy
// timeout let several processes on one host share the same file.
type SQLite struct {
	db   *sql.DB
	opts options
}

// initSchema applies the embedded migrations in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running allocator migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// NewSQLite opens (creating if needed) the counter database at dbPath.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (*SQLite, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("allocator database path must not be empty")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create allocator dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, unavailable("open sqlite db", err)
	}

	// One connection per process; other processes are serialized by SQLite
	// file locking.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, unavailable("init schema", err)
	}

	return &SQLite{db: db, opts: newOptions(opts)}, nil
}

func (s *SQLite) Allocate(ctx context.Context, collection string, length int64) (types.Range, error) {
	return s.AllocateOn(ctx, collection, s.opts.now(), length)
}

// AllocateOn adds length to the (collection, day) counter and returns the
// range ending at the new total.
func (s *SQLite) AllocateOn(ctx context.Context, collection string, day time.Time, length int64) (types.Range, error) {
	if err := validate(collection, length); err != nil {
		return types.Range{}, err
	}

	var total int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO offsets(collection, day, total, updated_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(collection, day) DO UPDATE SET
		 	total = total + excluded.total,
		 	updated_at = excluded.updated_at
		 RETURNING total`,
		collection, dayKey(day), length, time.Now().UTC(),
	).Scan(&total)
	if err != nil {
		if ctx.Err() != nil {
			return types.Range{}, ctx.Err()
		}
		return types.Range{}, unavailable("upsert offset", err)
	}

	return rangeFromTotal(total, length)
}

// Total returns the current counter value for a collection and day, or 0
// when nothing has been allocated yet.
func (s *SQLite) Total(ctx context.Context, collection string, day string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		`SELECT total FROM offsets WHERE collection = ? AND day = ?`,
		collection, day,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("select offset", err)
	}
	return total, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
