// Package library is the SQLite-backed store for books, segments, voices,
// and narration timing markers.
package library

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/lecternlabs/lectern-core/internal/config"
	_ "modernc.org/sqlite"
)

// Store wraps the library database plus the artifact directories.
type Store struct {
	db    *sql.DB
	cfg   config.LibraryConfig
	lock  *flock.Flock
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the library store, taking an exclusive process lock so
// two daemons never share one database.
func Open(ctx context.Context, cfg config.LibraryConfig, log *slog.Logger) (*Store, error) {
	for _, dir := range []string{filepath.Dir(cfg.Path), cfg.NarrationDir, cfg.VoicesDir} {
		if dir == "." || dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create library dir: %w", err)
		}
	}

	lock := flock.New(cfg.LockFile)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire library lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("library at %s is locked by another process", cfg.Path)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, lock: lock, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		lock.Unlock()
		return nil, err
	}

	if reset, err := s.Reconcile(ctx); err != nil {
		log.Warn("library reconcile failed", slog.String("error", err.Error()))
	} else if reset > 0 {
		log.Info("reset interrupted narration runs", slog.Int("books", reset))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS books (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    author TEXT,
    source_format TEXT,
    source_path TEXT,
    narration_status TEXT NOT NULL DEFAULT 'none',
    narration_path TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    last_opened_at INTEGER
);
CREATE TABLE IF NOT EXISTS segments (
    id TEXT PRIMARY KEY,
    book_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    kind TEXT NOT NULL DEFAULT 'text',
    content TEXT,
    image_path TEXT,
    caption TEXT,
    alt_text TEXT,
    page_number INTEGER,
    position TEXT,
    image_index INTEGER,
    FOREIGN KEY(book_id) REFERENCES books(id) ON DELETE CASCADE,
    UNIQUE(book_id, idx)
);
CREATE TABLE IF NOT EXISTS voices (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    engine TEXT NOT NULL DEFAULT 'chatterbox',
    sample_path TEXT NOT NULL,
    is_default INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS markers (
    book_id TEXT NOT NULL,
    segment_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    start_s REAL NOT NULL,
    end_s REAL NOT NULL,
    PRIMARY KEY(book_id, idx),
    FOREIGN KEY(book_id) REFERENCES books(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_segments_book_idx ON segments(book_id, idx);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Reconcile resets any book persisted as generating. A book can only be in
// that state while a live session exists, so after a restart every such row
// is a crashed run.
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE books SET narration_status = ?, narration_path = NULL, updated_at = ?
		 WHERE narration_status = ?`,
		StatusNone, s.clock().Unix(), StatusGenerating)
	if err != nil {
		return 0, fmt.Errorf("reconcile narration status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reconcile rows affected: %w", err)
	}
	return int(n), nil
}

// NarrationDir returns the directory holding a book's narration artifact.
func (s *Store) NarrationDir(bookID string) string {
	return filepath.Join(s.cfg.NarrationDir, bookID)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

func slogPath(path string) slog.Attr {
	return slog.String("path", path)
}

// Close releases the database and the process lock.
func (s *Store) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	if s.lock != nil {
		if unlockErr := s.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return err
}
