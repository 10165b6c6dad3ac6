package narration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lecternlabs/lectern-core/internal/audio"
	"github.com/lecternlabs/lectern-core/internal/config"
	"github.com/lecternlabs/lectern-core/internal/engine"
	"github.com/lecternlabs/lectern-core/internal/library"
	"github.com/lecternlabs/lectern-core/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSpeech() config.SpeechConfig {
	return config.SpeechConfig{Mode: "mock", SampleRate: 24000, Channels: 1, Exaggeration: 0.3, CFGWeight: 0.5, Temperature: 0.8}
}

func openTestStore(t *testing.T) *library.Store {
	t.Helper()
	dir := t.TempDir()
	cfg := config.LibraryConfig{
		Path:         filepath.Join(dir, "library.db"),
		NarrationDir: filepath.Join(dir, "narration"),
		VoicesDir:    filepath.Join(dir, "voices"),
		LockFile:     filepath.Join(dir, "library.lock"),
	}
	store, err := library.Open(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func addBookWithSegments(t *testing.T, store *library.Store, bookID string, segments []library.Segment) {
	t.Helper()
	ctx := context.Background()
	if err := store.AddBook(ctx, library.Book{ID: bookID, Title: "Test Book", NarrationStatus: library.StatusNone}); err != nil {
		t.Fatalf("add book: %v", err)
	}
	if err := store.AddSegments(ctx, segments); err != nil {
		t.Fatalf("add segments: %v", err)
	}
}

func threeSegments(bookID string) []library.Segment {
	return []library.Segment{
		{ID: bookID + "-s0", BookID: bookID, Index: 0, Kind: library.SegmentText, Content: "Chapter one begins here."},
		{ID: bookID + "-s1", BookID: bookID, Index: 1, Kind: library.SegmentImage, Image: &library.ImageMeta{Path: "/img/fig1.png", PageNumber: 3, ImageIndex: 0}},
		{ID: bookID + "-s2", BookID: bookID, Index: 2, Kind: library.SegmentText, Content: "And so the story continues."},
	}
}

// memPublisher records events for assertions.
type memPublisher struct {
	mu        sync.Mutex
	progress  []protocol.GenerationProgress
	completes []protocol.GenerationComplete
	errors    []protocol.GenerationError
}

func (p *memPublisher) Progress(ev protocol.GenerationProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, ev)
}

func (p *memPublisher) Complete(ev protocol.GenerationComplete) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completes = append(p.completes, ev)
}

func (p *memPublisher) Error(ev protocol.GenerationError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, ev)
}

func (p *memPublisher) snapshot() ([]protocol.GenerationProgress, []protocol.GenerationComplete, []protocol.GenerationError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.GenerationProgress(nil), p.progress...),
		append([]protocol.GenerationComplete(nil), p.completes...),
		append([]protocol.GenerationError(nil), p.errors...)
}

// gatedSynth blocks each Synthesize call until released, so tests can hold a
// session mid-run.
type gatedSynth struct {
	inner   engine.Synthesizer
	release chan struct{}
	calls   chan struct{}
}

func newGatedSynth() *gatedSynth {
	return &gatedSynth{
		inner:   engine.NewMockSynthesizer(24000, 1),
		release: make(chan struct{}),
		calls:   make(chan struct{}, 16),
	}
}

func (g *gatedSynth) Synthesize(ctx context.Context, req engine.SynthRequest) (engine.SynthResult, error) {
	g.calls <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return engine.SynthResult{}, ctx.Err()
	}
	return g.inner.Synthesize(ctx, req)
}

// failAfterSynth succeeds for n calls, then fails.
type failAfterSynth struct {
	inner engine.Synthesizer
	mu    sync.Mutex
	left  int
}

func (f *failAfterSynth) Synthesize(ctx context.Context, req engine.SynthRequest) (engine.SynthResult, error) {
	f.mu.Lock()
	f.left--
	failNow := f.left < 0
	f.mu.Unlock()
	if failNow {
		return engine.SynthResult{}, &engine.Error{Code: engine.CodeOutOfMemory, Message: "CUDA out of memory"}
	}
	return f.inner.Synthesize(ctx, req)
}

func waitDone(t *testing.T, c *Coordinator, bookID string) {
	t.Helper()
	done, ok := c.Done(bookID)
	if !ok {
		return
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("session for %s did not finish", bookID)
	}
}

func TestGenerateSuccess(t *testing.T) {
	store := openTestStore(t)
	addBookWithSegments(t, store, "book1", threeSegments("book1"))

	pub := &memPublisher{}
	c := NewCoordinator(store, engine.NewMockSynthesizer(24000, 1), engine.NewMockCaptioner(), testSpeech(), config.GenerationConfig{MaxConcurrent: 2}, pub, testLogger())
	defer c.Close()

	if err := c.Start(context.Background(), "book1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, c, "book1")

	ctx := context.Background()
	book, err := store.Book(ctx, "book1")
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if book.NarrationStatus != library.StatusReady {
		t.Fatalf("expected ready, got %s", book.NarrationStatus)
	}
	if book.NarrationPath == "" {
		t.Fatal("expected narration path")
	}
	data, err := os.ReadFile(book.NarrationPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	total, err := audio.Duration(data)
	if err != nil {
		t.Fatalf("artifact not a valid track: %v", err)
	}

	markers, err := store.Markers(ctx, "book1")
	if err != nil {
		t.Fatalf("markers: %v", err)
	}
	if len(markers) != 3 {
		t.Fatalf("expected 3 markers, got %d", len(markers))
	}
	if markers[0].Start != 0 {
		t.Fatalf("first marker starts at %v", markers[0].Start)
	}
	for i := 1; i < len(markers); i++ {
		if markers[i].Start != markers[i-1].End {
			t.Fatalf("gap between markers %d and %d", i-1, i)
		}
	}
	if diff := markers[len(markers)-1].End - total; diff > 0.01 || diff < -0.01 {
		t.Fatalf("last marker end %v vs track duration %v", markers[len(markers)-1].End, total)
	}

	// captioning backfilled the image segment
	segments, err := store.SegmentsFor(ctx, "book1")
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	if segments[1].Image.Caption == "" {
		t.Fatal("expected caption backfill on image segment")
	}

	_, completes, errs := pub.snapshot()
	if len(completes) != 1 || len(errs) != 0 {
		t.Fatalf("expected 1 complete and 0 errors, got %d/%d", len(completes), len(errs))
	}
	if completes[0].Segments != 3 {
		t.Fatalf("complete reports %d segments", completes[0].Segments)
	}
}

func TestGenerateAtMostOnePerBook(t *testing.T) {
	store := openTestStore(t)
	addBookWithSegments(t, store, "book1", threeSegments("book1"))

	synth := newGatedSynth()
	c := NewCoordinator(store, synth, nil, testSpeech(), config.GenerationConfig{MaxConcurrent: 4}, nil, testLogger())
	defer c.Close()

	if err := c.Start(context.Background(), "book1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-synth.calls

	if err := c.Start(context.Background(), "book1", ""); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	close(synth.release)
	waitDone(t, c, "book1")

	// a finished session frees the slot for the same book
	if err := c.Start(context.Background(), "book1", ""); err != nil {
		t.Fatalf("restart after finish: %v", err)
	}
	waitDone(t, c, "book1")
}

func TestCancelRevertsState(t *testing.T) {
	store := openTestStore(t)
	addBookWithSegments(t, store, "book1", threeSegments("book1"))

	synth := newGatedSynth()
	pub := &memPublisher{}
	c := NewCoordinator(store, synth, nil, testSpeech(), config.GenerationConfig{MaxConcurrent: 1}, pub, testLogger())
	defer c.Close()

	ctx := context.Background()
	if err := c.Start(ctx, "book1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-synth.calls

	book, _ := store.Book(ctx, "book1")
	if book.NarrationStatus != library.StatusGenerating {
		t.Fatalf("expected generating, got %s", book.NarrationStatus)
	}

	if err := c.Cancel("book1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// idempotent while winding down
	if err := c.Cancel("book1"); err != nil && !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second cancel: %v", err)
	}
	waitDone(t, c, "book1")

	book, _ = store.Book(ctx, "book1")
	if book.NarrationStatus != library.StatusNone {
		t.Fatalf("expected none after cancel, got %s", book.NarrationStatus)
	}
	if book.NarrationPath != "" {
		t.Fatalf("expected no narration path, got %q", book.NarrationPath)
	}
	markers, _ := store.Markers(ctx, "book1")
	if len(markers) != 0 {
		t.Fatalf("expected no markers after cancel, got %d", len(markers))
	}
	if entries, err := os.ReadDir(store.NarrationDir("book1")); err == nil && len(entries) > 0 {
		t.Fatalf("expected no artifact files, found %d", len(entries))
	}

	_, completes, errs := pub.snapshot()
	if len(completes) != 0 || len(errs) != 0 {
		t.Fatalf("cancel must publish neither complete nor error, got %d/%d", len(completes), len(errs))
	}
}

// gatedCaptioner blocks after a fixed number of captions so tests can cancel
// mid-stage.
type gatedCaptioner struct {
	inner   engine.Captioner
	release chan struct{}
	mu      sync.Mutex
	free    int
	blocked chan struct{}
}

func (g *gatedCaptioner) Caption(ctx context.Context, req engine.CaptionRequest) (string, error) {
	g.mu.Lock()
	wait := g.free <= 0
	g.free--
	g.mu.Unlock()
	if wait {
		g.blocked <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.inner.Caption(ctx, req)
}

func TestCancelDuringCaptioning(t *testing.T) {
	segments := make([]library.Segment, 0, 10)
	for i := 0; i < 10; i++ {
		segments = append(segments, library.Segment{
			ID:     fmt.Sprintf("img-s%d", i),
			BookID: "book1",
			Index:  i,
			Kind:   library.SegmentImage,
			Image:  &library.ImageMeta{Path: fmt.Sprintf("/img/fig%d.png", i), PageNumber: i + 1, ImageIndex: i},
		})
	}
	store := openTestStore(t)
	addBookWithSegments(t, store, "book1", segments)

	captioner := &gatedCaptioner{
		inner:   engine.NewMockCaptioner(),
		release: make(chan struct{}),
		free:    5,
		blocked: make(chan struct{}),
	}
	pub := &memPublisher{}
	c := NewCoordinator(store, engine.NewMockSynthesizer(24000, 1), captioner, testSpeech(), config.GenerationConfig{MaxConcurrent: 1}, pub, testLogger())
	defer c.Close()

	ctx := context.Background()
	if err := c.Start(ctx, "book1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-captioner.blocked
	if err := c.Cancel("book1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(captioner.release)
	waitDone(t, c, "book1")

	book, _ := store.Book(ctx, "book1")
	if book.NarrationStatus != library.StatusNone {
		t.Fatalf("expected none after cancel, got %s", book.NarrationStatus)
	}
	markers, _ := store.Markers(ctx, "book1")
	if len(markers) != 0 {
		t.Fatalf("expected no markers, got %d", len(markers))
	}
	_, completes, errs := pub.snapshot()
	if len(completes) != 0 || len(errs) != 0 {
		t.Fatalf("cancel must publish neither complete nor error, got %d/%d", len(completes), len(errs))
	}

	// captions finished before the cancel are kept for the next run
	got, _ := store.SegmentsFor(ctx, "book1")
	captioned := 0
	for _, seg := range got {
		if seg.Image.Caption != "" {
			captioned++
		}
	}
	if captioned != 5 {
		t.Fatalf("expected 5 backfilled captions, got %d", captioned)
	}
}

func TestCancelWithoutSession(t *testing.T) {
	store := openTestStore(t)
	c := NewCoordinator(store, engine.NewMockSynthesizer(24000, 1), nil, testSpeech(), config.GenerationConfig{}, nil, testLogger())
	defer c.Close()
	if err := c.Cancel("missing"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestFailureMidRunReverts(t *testing.T) {
	store := openTestStore(t)
	addBookWithSegments(t, store, "book1", threeSegments("book1"))

	synth := &failAfterSynth{inner: engine.NewMockSynthesizer(24000, 1), left: 1}
	pub := &memPublisher{}
	c := NewCoordinator(store, synth, nil, testSpeech(), config.GenerationConfig{MaxConcurrent: 1}, pub, testLogger())
	defer c.Close()

	ctx := context.Background()
	if err := c.Start(ctx, "book1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, c, "book1")

	book, _ := store.Book(ctx, "book1")
	if book.NarrationStatus != library.StatusNone {
		t.Fatalf("expected none after failure, got %s", book.NarrationStatus)
	}
	markers, _ := store.Markers(ctx, "book1")
	if len(markers) != 0 {
		t.Fatalf("expected no markers after failure, got %d", len(markers))
	}

	_, completes, errs := pub.snapshot()
	if len(completes) != 0 {
		t.Fatal("failed run must not publish complete")
	}
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	if errs[0].Code != string(engine.CodeOutOfMemory) {
		t.Fatalf("expected OUT_OF_MEMORY, got %s", errs[0].Code)
	}
}

func TestRegenerateFailureKeepsPreviousNarration(t *testing.T) {
	store := openTestStore(t)
	addBookWithSegments(t, store, "book1", threeSegments("book1"))

	okSynth := engine.NewMockSynthesizer(24000, 1)
	c := NewCoordinator(store, okSynth, nil, testSpeech(), config.GenerationConfig{MaxConcurrent: 1}, nil, testLogger())
	if err := c.Start(context.Background(), "book1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, c, "book1")
	c.Close()

	ctx := context.Background()
	before, _ := store.Book(ctx, "book1")
	if before.NarrationStatus != library.StatusReady {
		t.Fatalf("setup: expected ready, got %s", before.NarrationStatus)
	}

	failing := &failAfterSynth{inner: okSynth, left: 0}
	c2 := NewCoordinator(store, failing, nil, testSpeech(), config.GenerationConfig{MaxConcurrent: 1}, nil, testLogger())
	defer c2.Close()
	if err := c2.Start(ctx, "book1", ""); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitDone(t, c2, "book1")

	after, _ := store.Book(ctx, "book1")
	if after.NarrationStatus != library.StatusReady {
		t.Fatalf("expected previous narration kept, got %s", after.NarrationStatus)
	}
	if after.NarrationPath != before.NarrationPath {
		t.Fatalf("narration path changed: %q vs %q", after.NarrationPath, before.NarrationPath)
	}
	markers, _ := store.Markers(ctx, "book1")
	if len(markers) != 3 {
		t.Fatalf("expected previous markers kept, got %d", len(markers))
	}
}

func TestConcurrencyLimit(t *testing.T) {
	store := openTestStore(t)
	addBookWithSegments(t, store, "book1", threeSegments("book1"))
	addBookWithSegments(t, store, "book2", threeSegments("book2"))

	synth := newGatedSynth()
	c := NewCoordinator(store, synth, nil, testSpeech(), config.GenerationConfig{MaxConcurrent: 1}, nil, testLogger())
	defer c.Close()

	if err := c.Start(context.Background(), "book1", ""); err != nil {
		t.Fatalf("start book1: %v", err)
	}
	<-synth.calls
	if err := c.Start(context.Background(), "book2", ""); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	close(synth.release)
	waitDone(t, c, "book1")
}

func TestProgressOrdering(t *testing.T) {
	store := openTestStore(t)
	addBookWithSegments(t, store, "book1", threeSegments("book1"))

	pub := &memPublisher{}
	c := NewCoordinator(store, engine.NewMockSynthesizer(24000, 1), engine.NewMockCaptioner(), testSpeech(), config.GenerationConfig{MaxConcurrent: 1}, pub, testLogger())
	defer c.Close()

	if err := c.Start(context.Background(), "book1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, c, "book1")

	progress, _, _ := pub.snapshot()
	if len(progress) == 0 {
		t.Fatal("expected progress events")
	}
	rank := map[string]int{
		string(StageExtracting): 0,
		string(StageCaptioning): 1,
		string(StageNarrating):  2,
		string(StageFinalizing): 3,
	}
	lastRank, lastCurrent := -1, -1
	for i, ev := range progress {
		r, ok := rank[ev.Stage]
		if !ok {
			t.Fatalf("unexpected stage %q in progress", ev.Stage)
		}
		if r < lastRank {
			t.Fatalf("stage went backwards at event %d: %s", i, ev.Stage)
		}
		if r > lastRank {
			lastCurrent = -1
		}
		if ev.Current < lastCurrent {
			t.Fatalf("current went backwards at event %d: %d < %d", i, ev.Current, lastCurrent)
		}
		lastRank, lastCurrent = r, ev.Current
	}
}

func TestCaptioningStageRunsForTextOnlyBook(t *testing.T) {
	store := openTestStore(t)
	segments := []library.Segment{
		{ID: "b-s0", BookID: "book1", Index: 0, Kind: library.SegmentText, Content: "Only text in this one."},
	}
	addBookWithSegments(t, store, "book1", segments)

	pub := &memPublisher{}
	c := NewCoordinator(store, engine.NewMockSynthesizer(24000, 1), nil, testSpeech(), config.GenerationConfig{MaxConcurrent: 1}, pub, testLogger())
	defer c.Close()

	if err := c.Start(context.Background(), "book1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, c, "book1")

	progress, completes, _ := pub.snapshot()
	if len(completes) != 1 {
		t.Fatalf("expected completion, got %d", len(completes))
	}
	var stages []string
	seen := map[string]bool{}
	for _, ev := range progress {
		if !seen[ev.Stage] {
			seen[ev.Stage] = true
			stages = append(stages, ev.Stage)
		}
	}
	want := []string{
		string(StageExtracting),
		string(StageCaptioning),
		string(StageNarrating),
		string(StageFinalizing),
	}
	if len(stages) != len(want) {
		t.Fatalf("expected stages %v, observed %v", want, stages)
	}
	for i, stage := range want {
		if stages[i] != stage {
			t.Fatalf("expected stages %v, observed %v", want, stages)
		}
	}
}

func TestEmptySegmentGetsSilence(t *testing.T) {
	store := openTestStore(t)
	segments := []library.Segment{
		{ID: "b-s0", BookID: "book1", Index: 0, Kind: library.SegmentText, Content: "Some narratable text."},
		{ID: "b-s1", BookID: "book1", Index: 1, Kind: library.SegmentText, Content: "   "},
	}
	addBookWithSegments(t, store, "book1", segments)

	c := NewCoordinator(store, engine.NewMockSynthesizer(24000, 1), nil, testSpeech(), config.GenerationConfig{MaxConcurrent: 1}, nil, testLogger())
	defer c.Close()

	if err := c.Start(context.Background(), "book1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, c, "book1")

	markers, err := store.Markers(context.Background(), "book1")
	if err != nil {
		t.Fatalf("markers: %v", err)
	}
	if len(markers) != 2 {
		t.Fatalf("expected a marker per segment, got %d", len(markers))
	}
	blank := markers[1]
	if width := blank.End - blank.Start; width < 0.2 || width > 0.3 {
		t.Fatalf("expected short silence marker, got width %v", width)
	}
}

func TestStartUnknownBook(t *testing.T) {
	store := openTestStore(t)
	c := NewCoordinator(store, engine.NewMockSynthesizer(24000, 1), nil, testSpeech(), config.GenerationConfig{}, nil, testLogger())
	defer c.Close()
	if err := c.Start(context.Background(), "missing", ""); !errors.Is(err, library.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionFailsOnBookWithoutSegments(t *testing.T) {
	store := openTestStore(t)
	if err := store.AddBook(context.Background(), library.Book{ID: "empty", Title: "Empty"}); err != nil {
		t.Fatalf("add book: %v", err)
	}
	session := NewSession("empty", store, engine.NewMockSynthesizer(24000, 1), nil, testSpeech(), library.Voice{}, nil, testLogger())
	if _, err := session.Run(context.Background()); err == nil {
		t.Fatal("expected error for segmentless book")
	}
	if session.Stage() != StageFailed {
		t.Fatalf("expected failed stage, got %s", session.Stage())
	}
}

func TestStageTransitions(t *testing.T) {
	cases := []struct {
		from, to Stage
		ok       bool
	}{
		{StageExtracting, StageCaptioning, true},
		{StageCaptioning, StageNarrating, true},
		{StageNarrating, StageFinalizing, true},
		{StageFinalizing, StageDone, true},
		{StageNarrating, StageCancelled, true},
		{StageExtracting, StageFailed, true},
		{StageExtracting, StageNarrating, false},
		{StageNarrating, StageCaptioning, false},
		{StageDone, StageFailed, false},
		{StageCancelled, StageNarrating, false},
		{StageExtracting, StageDone, false},
	}
	for _, tc := range cases {
		_, err := advance(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s -> %s: expected rejection", tc.from, tc.to)
		}
	}
}
