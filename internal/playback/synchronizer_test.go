package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/lecternlabs/lectern-core/internal/config"
	"github.com/lecternlabs/lectern-core/internal/library"
)

func markerRun(durations ...float64) []library.Marker {
	markers := make([]library.Marker, 0, len(durations))
	offset := 0.0
	for i, d := range durations {
		markers = append(markers, library.Marker{
			SegmentID: fmt.Sprintf("seg-%d", i),
			Start:     offset,
			End:       offset + d,
		})
		offset += d
	}
	return markers
}

func TestSegmentAtBoundaries(t *testing.T) {
	sc, err := NewSynchronizer(markerRun(1.0, 2.0, 0.5))
	if err != nil {
		t.Fatalf("new synchronizer: %v", err)
	}

	cases := []struct {
		time float64
		want int
	}{
		{-1, 0},      // before the track clamps to the first segment
		{0, 0},       // segment starts are inclusive
		{0.999, 0},   // just inside the first segment
		{1.0, 1},     // boundary belongs to the next segment
		{2.999, 1},   //
		{3.0, 2},     //
		{3.5, 2},     // track end clamps to the last segment
		{99, 2},      // past the end clamps to the last segment
		{3.4999, 2},  //
		{1.00001, 1}, //
	}
	for _, tc := range cases {
		got, marker := sc.SegmentAt(tc.time)
		if got != tc.want {
			t.Errorf("SegmentAt(%v) = %d, want %d", tc.time, got, tc.want)
			continue
		}
		if marker.SegmentID != fmt.Sprintf("seg-%d", tc.want) {
			t.Errorf("SegmentAt(%v) marker id %s", tc.time, marker.SegmentID)
		}
	}
}

func TestTimeForRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	durations := make([]float64, 20)
	for i := range durations {
		durations[i] = 0.1 + rng.Float64()*5
	}
	sc, err := NewSynchronizer(markerRun(durations...))
	if err != nil {
		t.Fatalf("new synchronizer: %v", err)
	}
	for i := range durations {
		at, _ := sc.SegmentAt(sc.TimeFor(i))
		if at != i {
			t.Fatalf("SegmentAt(TimeFor(%d)) = %d", i, at)
		}
	}
}

func TestTimeForClamps(t *testing.T) {
	sc, err := NewSynchronizer(markerRun(1.0, 1.0))
	if err != nil {
		t.Fatalf("new synchronizer: %v", err)
	}
	if got := sc.TimeFor(-5); got != 0 {
		t.Fatalf("TimeFor(-5) = %v", got)
	}
	if got := sc.TimeFor(99); got != 1.0 {
		t.Fatalf("TimeFor(99) = %v", got)
	}
}

func TestSeekClampsAndRecords(t *testing.T) {
	sc, err := NewSynchronizer(markerRun(1.0, 1.0))
	if err != nil {
		t.Fatalf("new synchronizer: %v", err)
	}
	if got := sc.Seek(-3); got != 0 {
		t.Fatalf("Seek(-3) = %v", got)
	}
	if got := sc.Seek(10); got != 2.0 {
		t.Fatalf("Seek(10) = %v", got)
	}
	if pos := sc.Position(); pos != 2.0 {
		t.Fatalf("Position() = %v after seek", pos)
	}
	idx, _ := sc.CurrentSegment()
	if idx != 1 {
		t.Fatalf("CurrentSegment() = %d", idx)
	}
}

func TestNewSynchronizerRejectsBadMarkers(t *testing.T) {
	cases := map[string][]library.Marker{
		"empty":          nil,
		"nonzero start":  {{SegmentID: "a", Start: 0.5, End: 1}},
		"gap":            {{SegmentID: "a", Start: 0, End: 1}, {SegmentID: "b", Start: 1.5, End: 2}},
		"overlap":        {{SegmentID: "a", Start: 0, End: 1}, {SegmentID: "b", Start: 0.5, End: 2}},
		"zero width":     {{SegmentID: "a", Start: 0, End: 0}},
		"negative width": {{SegmentID: "a", Start: 0, End: 1}, {SegmentID: "b", Start: 1, End: 0.5}},
	}
	for name, markers := range cases {
		if _, err := NewSynchronizer(markers); err == nil {
			t.Errorf("%s: expected rejection", name)
		}
	}
}

func TestServiceCachesAndInvalidates(t *testing.T) {
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := config.LibraryConfig{
		Path:         filepath.Join(dir, "library.db"),
		NarrationDir: filepath.Join(dir, "narration"),
		VoicesDir:    filepath.Join(dir, "voices"),
		LockFile:     filepath.Join(dir, "library.lock"),
	}
	store, err := library.Open(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	if err := store.AddBook(ctx, library.Book{ID: "book1", Title: "Cached"}); err != nil {
		t.Fatalf("add book: %v", err)
	}

	svc := NewService(store, log)
	if _, _, err := svc.Locate(ctx, "book1", 0); err == nil {
		t.Fatal("expected error for book without ready narration")
	}

	if err := store.FinalizeNarration(ctx, "book1", filepath.Join(dir, "audio.wav"), markerRun(1.0, 1.0)); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	idx, marker, err := svc.Locate(ctx, "book1", 1.5)
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if idx != 1 || marker.SegmentID != "seg-1" {
		t.Fatalf("locate = %d/%s", idx, marker.SegmentID)
	}

	// new markers are invisible until the cache entry is dropped
	if err := store.FinalizeNarration(ctx, "book1", filepath.Join(dir, "audio.wav"), markerRun(0.5, 0.5, 0.5)); err != nil {
		t.Fatalf("refinalize: %v", err)
	}
	sc, err := svc.Synchronizer(ctx, "book1")
	if err != nil {
		t.Fatalf("synchronizer: %v", err)
	}
	if sc.Segments() != 2 {
		t.Fatalf("expected stale cache with 2 segments, got %d", sc.Segments())
	}
	svc.Invalidate("book1")
	sc, err = svc.Synchronizer(ctx, "book1")
	if err != nil {
		t.Fatalf("synchronizer after invalidate: %v", err)
	}
	if sc.Segments() != 3 {
		t.Fatalf("expected 3 segments after invalidate, got %d", sc.Segments())
	}

	timeFor, err := svc.TimeFor(ctx, "book1", 2)
	if err != nil {
		t.Fatalf("time for: %v", err)
	}
	if timeFor != 1.0 {
		t.Fatalf("TimeFor(2) = %v", timeFor)
	}
}
