package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned for lookups of absent books, segments, or voices.
var ErrNotFound = errors.New("library: not found")

// AddBook inserts an imported book. Narration status starts at none.
func (s *Store) AddBook(ctx context.Context, book Book) error {
	now := s.clock().Unix()
	if book.NarrationStatus == "" {
		book.NarrationStatus = StatusNone
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO books(id, title, author, source_format, source_path, narration_status, narration_path, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		book.ID, book.Title, book.Author, book.SourceFormat, book.SourcePath,
		book.NarrationStatus, nullable(book.NarrationPath), now, now)
	if err != nil {
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

// Book fetches a single book by id.
func (s *Store) Book(ctx context.Context, bookID string) (Book, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, author, source_format, source_path, narration_status, narration_path,
		        created_at, updated_at, COALESCE(last_opened_at, 0)
		 FROM books WHERE id = ?`, bookID)

	var b Book
	var author, format, source, path sql.NullString
	err := row.Scan(&b.ID, &b.Title, &author, &format, &source, &b.NarrationStatus, &path,
		&b.CreatedAt, &b.UpdatedAt, &b.LastOpenedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Book{}, ErrNotFound
	}
	if err != nil {
		return Book{}, fmt.Errorf("query book: %w", err)
	}
	b.Author = author.String
	b.SourceFormat = format.String
	b.SourcePath = source.String
	b.NarrationPath = path.String
	return b, nil
}

// SetNarrationStatus updates just the status column. Passing an empty path
// clears narration_path.
func (s *Store) SetNarrationStatus(ctx context.Context, bookID string, status NarrationStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE books SET narration_status = ?, updated_at = ? WHERE id = ?`,
		status, s.clock().Unix(), bookID)
	if err != nil {
		return fmt.Errorf("update narration status: %w", err)
	}
	return requireRow(res)
}

// FinalizeNarration persists a successful run in one transaction: the
// marker sequence replaces any previous one and the book flips to ready.
// Either everything lands or the book's visible status never changes.
func (s *Store) FinalizeNarration(ctx context.Context, bookID, artifactPath string, markers []Marker) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM markers WHERE book_id = ?`, bookID); err != nil {
		return fmt.Errorf("clear markers: %w", err)
	}
	for i, m := range markers {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO markers(book_id, segment_id, idx, start_s, end_s) VALUES(?, ?, ?, ?, ?)`,
			bookID, m.SegmentID, i, m.Start, m.End); err != nil {
			return fmt.Errorf("insert marker %d: %w", i, err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE books SET narration_status = ?, narration_path = ?, updated_at = ? WHERE id = ?`,
		StatusReady, artifactPath, s.clock().Unix(), bookID)
	if err != nil {
		return fmt.Errorf("mark book ready: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	return tx.Commit()
}

// ClearNarration reverts a book to the given pre-run status and removes any
// persisted markers, used after a failed or cancelled run.
func (s *Store) ClearNarration(ctx context.Context, bookID string, status NarrationStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM markers WHERE book_id = ?`, bookID); err != nil {
		return fmt.Errorf("clear markers: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE books SET narration_status = ?, narration_path = NULL, updated_at = ? WHERE id = ?`,
		status, s.clock().Unix(), bookID)
	if err != nil {
		return fmt.Errorf("revert narration status: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	return tx.Commit()
}

// Markers returns a book's marker sequence in narration order.
func (s *Store) Markers(ctx context.Context, bookID string) ([]Marker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT segment_id, start_s, end_s FROM markers WHERE book_id = ? ORDER BY idx ASC`, bookID)
	if err != nil {
		return nil, fmt.Errorf("query markers: %w", err)
	}
	defer rows.Close()

	var markers []Marker
	for rows.Next() {
		var m Marker
		if err := rows.Scan(&m.SegmentID, &m.Start, &m.End); err != nil {
			return nil, fmt.Errorf("scan marker: %w", err)
		}
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
