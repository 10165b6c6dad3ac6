package library

import (
	"context"
	"database/sql"
	"fmt"
)

// AddSegments inserts a book's ordered content units. Indexes must be dense
// and zero-based; the unique constraint enforces one segment per slot.
func (s *Store) AddSegments(ctx context.Context, segments []Segment) error {
	if len(segments) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert segments: %w", err)
	}
	defer tx.Rollback()

	for _, seg := range segments {
		img := seg.Image
		if img == nil {
			img = &ImageMeta{}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO segments(id, book_id, idx, kind, content, image_path, caption, alt_text, page_number, position, image_index)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			seg.ID, seg.BookID, seg.Index, seg.Kind, seg.Content,
			nullable(img.Path), nullable(img.Caption), nullable(img.AltText),
			img.PageNumber, nullable(img.Position), img.ImageIndex); err != nil {
			return fmt.Errorf("insert segment %d: %w", seg.Index, err)
		}
	}
	return tx.Commit()
}

// SegmentsFor returns a book's segments ordered by index.
func (s *Store) SegmentsFor(ctx context.Context, bookID string) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, book_id, idx, kind, COALESCE(content, ''), image_path, caption, alt_text,
		        COALESCE(page_number, 0), position, COALESCE(image_index, 0)
		 FROM segments WHERE book_id = ? ORDER BY idx ASC`, bookID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		var seg Segment
		var imagePath, caption, altText, position sql.NullString
		var pageNumber, imageIndex int
		if err := rows.Scan(&seg.ID, &seg.BookID, &seg.Index, &seg.Kind, &seg.Content,
			&imagePath, &caption, &altText, &pageNumber, &position, &imageIndex); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		if seg.Kind == SegmentImage {
			seg.Image = &ImageMeta{
				Path:       imagePath.String,
				Caption:    caption.String,
				AltText:    altText.String,
				PageNumber: pageNumber,
				Position:   position.String,
				ImageIndex: imageIndex,
			}
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// SaveCaption backfills a generated caption onto an image segment. This is
// the only mutation segments accept after import.
func (s *Store) SaveCaption(ctx context.Context, segmentID, caption string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE segments SET caption = ? WHERE id = ? AND kind = ?`,
		caption, segmentID, SegmentImage)
	if err != nil {
		return fmt.Errorf("save caption: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
	}
	return nil
}
