package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lecternlabs/lectern-core/internal/library"
)

// Service answers playback mapping queries for ready books. Synchronizers
// are built from persisted markers on first use and cached until the book's
// narration changes.
type Service struct {
	store *library.Store
	log   *slog.Logger

	mu    sync.Mutex
	cache map[string]*Synchronizer
}

func NewService(store *library.Store, log *slog.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With("component", "playback.service"),
		cache: make(map[string]*Synchronizer),
	}
}

// Synchronizer returns the cached synchronizer for the book, building it
// from stored markers on a miss.
func (s *Service) Synchronizer(ctx context.Context, bookID string) (*Synchronizer, error) {
	s.mu.Lock()
	sc, hit := s.cache[bookID]
	s.mu.Unlock()
	if hit {
		return sc, nil
	}

	book, err := s.store.Book(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("look up book: %w", err)
	}
	if book.NarrationStatus != library.StatusReady {
		return nil, fmt.Errorf("book %s has no ready narration", bookID)
	}
	markers, err := s.store.Markers(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("load markers: %w", err)
	}
	sc, err = NewSynchronizer(markers)
	if err != nil {
		return nil, fmt.Errorf("markers for %s: %w", bookID, err)
	}

	s.mu.Lock()
	s.cache[bookID] = sc
	s.mu.Unlock()
	s.log.Debug("synchronizer built", "book_id", bookID, "segments", sc.Segments())
	return sc, nil
}

// Locate maps a playback time to its segment.
func (s *Service) Locate(ctx context.Context, bookID string, t float64) (int, library.Marker, error) {
	sc, err := s.Synchronizer(ctx, bookID)
	if err != nil {
		return 0, library.Marker{}, err
	}
	idx, marker := sc.SegmentAt(t)
	return idx, marker, nil
}

// TimeFor maps a segment index to its narration start time.
func (s *Service) TimeFor(ctx context.Context, bookID string, index int) (float64, error) {
	sc, err := s.Synchronizer(ctx, bookID)
	if err != nil {
		return 0, err
	}
	return sc.TimeFor(index), nil
}

// Invalidate drops the cached synchronizer for a book. Callers invoke it
// whenever the book's narration is regenerated or cleared.
func (s *Service) Invalidate(bookID string) {
	s.mu.Lock()
	delete(s.cache, bookID)
	s.mu.Unlock()
}
