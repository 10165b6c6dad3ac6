package narration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lecternlabs/lectern-core/internal/config"
	"github.com/lecternlabs/lectern-core/internal/engine"
	"github.com/lecternlabs/lectern-core/internal/library"
	"github.com/lecternlabs/lectern-core/internal/protocol"
)

var (
	// ErrAlreadyRunning rejects a second generation for a book with a live
	// session.
	ErrAlreadyRunning = errors.New("generation already running for book")
	// ErrNotRunning rejects a cancel for a book with no live session.
	ErrNotRunning = errors.New("no generation running for book")
	// ErrBusy rejects a start when the concurrent run limit is reached.
	ErrBusy = errors.New("generation limit reached")
)

const artifactName = "audio.wav"

type running struct {
	session    *Session
	cancel     context.CancelFunc
	cancelling bool
	done       chan struct{}
}

// Coordinator owns all live generation sessions. It enforces at most one
// session per book, bounds total concurrency, and is the only writer of
// narration status, markers, and artifacts.
type Coordinator struct {
	store     *library.Store
	synth     engine.Synthesizer
	captioner engine.Captioner
	speech    config.SpeechConfig
	publisher Publisher
	log       *slog.Logger

	slots chan struct{}

	mu       sync.Mutex
	sessions map[string]*running
	wg       sync.WaitGroup

	runsStarted   metric.Int64Counter
	runsCompleted metric.Int64Counter
	runsEnded     metric.Int64Counter
}

func NewCoordinator(store *library.Store, synth engine.Synthesizer, captioner engine.Captioner, speech config.SpeechConfig, gen config.GenerationConfig, publisher Publisher, log *slog.Logger) *Coordinator {
	if publisher == nil {
		publisher = NewNopPublisher()
	}
	max := gen.MaxConcurrent
	if max < 1 {
		max = 1
	}
	meter := otel.Meter("github.com/lecternlabs/lectern-core/internal/narration")
	started, _ := meter.Int64Counter("narration.runs.started")
	completed, _ := meter.Int64Counter("narration.runs.completed")
	ended, _ := meter.Int64Counter("narration.runs.ended")
	return &Coordinator{
		store:         store,
		synth:         synth,
		captioner:     captioner,
		speech:        speech,
		publisher:     publisher,
		log:           log.With("component", "narration.coordinator"),
		slots:         make(chan struct{}, max),
		sessions:      make(map[string]*running),
		runsStarted:   started,
		runsCompleted: completed,
		runsEnded:     ended,
	}
}

// Start begins a generation run for the book. It returns once the session is
// admitted; the run itself proceeds in the background and reports through the
// publisher.
func (c *Coordinator) Start(ctx context.Context, bookID, voiceID string) error {
	book, err := c.store.Book(ctx, bookID)
	if err != nil {
		return fmt.Errorf("look up book: %w", err)
	}
	voice, err := c.resolveVoice(ctx, voiceID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, exists := c.sessions[bookID]; exists {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	select {
	case c.slots <- struct{}{}:
	default:
		c.mu.Unlock()
		return ErrBusy
	}

	runCtx, cancel := context.WithCancel(context.Background())
	progress := func(stage Stage, current, total int, message string) {
		c.publisher.Progress(protocol.GenerationProgress{
			BookID:  bookID,
			Stage:   string(stage),
			Current: current,
			Total:   total,
			Message: message,
		})
	}
	session := NewSession(bookID, c.store, c.synth, c.captioner, c.speech, voice, progress, c.log)
	run := &running{session: session, cancel: cancel, done: make(chan struct{})}
	c.sessions[bookID] = run
	c.mu.Unlock()

	if err := c.store.SetNarrationStatus(ctx, bookID, library.StatusGenerating); err != nil {
		c.release(bookID, run)
		cancel()
		return fmt.Errorf("mark generating: %w", err)
	}

	c.runsStarted.Add(ctx, 1)
	c.log.Info("generation started", "book_id", bookID, "voice_id", voice.ID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(runCtx, bookID, book.NarrationStatus, run)
	}()
	return nil
}

// Cancel requests cancellation of the book's live session. Calling it again
// while the session winds down is a no-op.
func (c *Coordinator) Cancel(bookID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, exists := c.sessions[bookID]
	if !exists {
		return ErrNotRunning
	}
	if run.cancelling {
		return nil
	}
	run.cancelling = true
	run.cancel()
	c.log.Info("generation cancel requested", "book_id", bookID)
	return nil
}

// Done exposes a channel closed once the book's session fully winds down,
// including status rollback or artifact finalization.
func (c *Coordinator) Done(bookID string) (<-chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, exists := c.sessions[bookID]
	if !exists {
		return nil, false
	}
	return run.done, true
}

// Running reports whether the book has a live session.
func (c *Coordinator) Running(bookID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.sessions[bookID]
	return exists
}

// Close waits for all in-flight sessions to finish. Callers cancel them
// first when they want a fast shutdown.
func (c *Coordinator) Close() {
	c.mu.Lock()
	for _, run := range c.sessions {
		run.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context, bookID string, prevStatus library.NarrationStatus, run *running) {
	defer close(run.done)
	defer c.release(bookID, run)

	result, err := run.session.Run(ctx)
	outcome := "completed"
	switch {
	case errors.Is(err, ErrCancelled):
		outcome = "cancelled"
		c.rollback(bookID, prevStatus)
	case err != nil:
		outcome = "failed"
		c.rollback(bookID, prevStatus)
		c.publisher.Error(protocol.GenerationError{
			BookID:  bookID,
			Code:    string(engine.CodeOf(err)),
			Message: err.Error(),
		})
	default:
		if err := c.finalize(bookID, result); err != nil {
			outcome = "failed"
			c.log.Error("finalize narration", "book_id", bookID, "error", err)
			c.rollback(bookID, prevStatus)
			c.publisher.Error(protocol.GenerationError{
				BookID:  bookID,
				Code:    string(engine.CodeEngineError),
				Message: err.Error(),
			})
		}
	}
	c.runsEnded.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "completed" {
		c.runsCompleted.Add(context.Background(), 1)
	}
}

// finalize writes the artifact and commits markers plus status in one
// transaction. The artifact lands via temp file and rename so a ready book
// never points at a half-written track.
func (c *Coordinator) finalize(bookID string, result Result) error {
	ctx := context.Background()
	dir := c.store.NarrationDir(bookID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create narration dir: %w", err)
	}
	artifact := filepath.Join(dir, artifactName)
	tmp, err := os.CreateTemp(dir, artifactName+".*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(result.Track); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, artifact); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish artifact: %w", err)
	}

	if err := c.store.FinalizeNarration(ctx, bookID, artifact, result.Markers); err != nil {
		os.Remove(artifact)
		return err
	}

	c.log.Info("generation completed", "book_id", bookID, "duration_s", result.Duration, "segments", result.Segments)
	c.publisher.Complete(protocol.GenerationComplete{
		BookID:       bookID,
		ArtifactPath: artifact,
		Duration:     result.Duration,
		Segments:     result.Segments,
	})
	return nil
}

// rollback restores the book's pre-run narration state. A book that was
// ready keeps its previous artifact and markers; anything else returns to
// none with markers cleared.
func (c *Coordinator) rollback(bookID string, prevStatus library.NarrationStatus) {
	ctx := context.Background()
	var err error
	if prevStatus == library.StatusReady {
		err = c.store.SetNarrationStatus(ctx, bookID, library.StatusReady)
	} else {
		err = c.store.ClearNarration(ctx, bookID, library.StatusNone)
	}
	if err != nil {
		c.log.Error("rollback narration status", "book_id", bookID, "error", err)
	}
}

func (c *Coordinator) release(bookID string, run *running) {
	c.mu.Lock()
	if current, exists := c.sessions[bookID]; exists && current == run {
		delete(c.sessions, bookID)
	}
	c.mu.Unlock()
	<-c.slots
}

func (c *Coordinator) resolveVoice(ctx context.Context, voiceID string) (library.Voice, error) {
	if voiceID != "" {
		voice, err := c.store.Voice(ctx, voiceID)
		if err != nil {
			return library.Voice{}, fmt.Errorf("look up voice: %w", err)
		}
		return voice, nil
	}
	voice, err := c.store.DefaultVoice(ctx)
	if errors.Is(err, library.ErrNotFound) {
		// No voice installed; the synthesizer falls back to its built-in one.
		return library.Voice{}, nil
	}
	if err != nil {
		return library.Voice{}, fmt.Errorf("look up default voice: %w", err)
	}
	return voice, nil
}
