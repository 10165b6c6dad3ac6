package narration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lecternlabs/lectern-core/internal/audio"
	"github.com/lecternlabs/lectern-core/internal/config"
	"github.com/lecternlabs/lectern-core/internal/engine"
	"github.com/lecternlabs/lectern-core/internal/library"
)

// ErrCancelled reports a session that stopped because the caller cancelled
// it. It is distinct from failure: cancelled runs are not published as errors.
var ErrCancelled = errors.New("generation cancelled")

// silenceSeconds is the stand-in clip length for segments with no narratable
// text. The clip keeps the marker sequence gapless without synthesizer help.
const silenceSeconds = 0.25

// ProgressFunc receives per-unit stage progress.
type ProgressFunc func(stage Stage, current, total int, message string)

// Result is the output of a successful session run, ready to be persisted.
type Result struct {
	Track    []byte
	Markers  []library.Marker
	Duration float64
	Segments int
}

// Session runs the full generation pipeline for one book. A session is
// single-use: construct, Run once, discard.
type Session struct {
	bookID    string
	store     *library.Store
	synth     engine.Synthesizer
	captioner engine.Captioner
	speech    config.SpeechConfig
	voice     library.Voice
	progress  ProgressFunc
	log       *slog.Logger

	stage Stage
}

func NewSession(bookID string, store *library.Store, synth engine.Synthesizer, captioner engine.Captioner, speech config.SpeechConfig, voice library.Voice, progress ProgressFunc, log *slog.Logger) *Session {
	if progress == nil {
		progress = func(Stage, int, int, string) {}
	}
	return &Session{
		bookID:    bookID,
		store:     store,
		synth:     synth,
		captioner: captioner,
		speech:    speech,
		voice:     voice,
		progress:  progress,
		log:       log.With("component", "narration.session", "book_id", bookID),
		stage:     StageExtracting,
	}
}

// Stage returns the session's current pipeline stage.
func (s *Session) Stage() Stage {
	return s.stage
}

// Run executes the pipeline to completion. On success the session ends in
// StageDone and returns the assembled track. Any engine or store error aborts
// the whole run; there is no per-segment retry. Cancellation is observed
// between segments, never mid-synthesis.
func (s *Session) Run(ctx context.Context) (Result, error) {
	segments, err := s.extract(ctx)
	if err != nil {
		return s.abort(ctx, err)
	}

	// Captioning always runs, as a no-op when there is nothing to caption,
	// so observers see every stage in the fixed order.
	if err := s.enterStage(StageCaptioning); err != nil {
		return s.abort(ctx, err)
	}
	uncaptioned := pendingCaptions(segments)
	if s.captioner != nil && len(uncaptioned) > 0 {
		if err := s.caption(ctx, segments, uncaptioned); err != nil {
			return s.abort(ctx, err)
		}
	} else {
		s.progress(StageCaptioning, 0, 0, "no images to caption")
	}

	if err := s.enterStage(StageNarrating); err != nil {
		return s.abort(ctx, err)
	}
	clips, err := s.narrate(ctx, segments)
	if err != nil {
		return s.abort(ctx, err)
	}

	if err := s.enterStage(StageFinalizing); err != nil {
		return s.abort(ctx, err)
	}
	s.progress(StageFinalizing, 0, 1, "assembling narration track")
	track, markers, err := BuildTimingMap(clips)
	if err != nil {
		return s.abort(ctx, err)
	}
	duration, err := audio.Duration(track)
	if err != nil {
		return s.abort(ctx, fmt.Errorf("measure track: %w", err))
	}
	s.progress(StageFinalizing, 1, 1, "narration track assembled")

	if err := s.enterStage(StageDone); err != nil {
		return s.abort(ctx, err)
	}
	s.log.Info("generation finished", "segments", len(segments), "duration_s", duration)
	return Result{Track: track, Markers: markers, Duration: duration, Segments: len(segments)}, nil
}

func (s *Session) extract(ctx context.Context) ([]library.Segment, error) {
	s.progress(StageExtracting, 0, 1, "loading segments")
	segments, err := s.store.SegmentsFor(ctx, s.bookID)
	if err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("book %s has no segments", s.bookID)
	}
	s.progress(StageExtracting, 1, 1, fmt.Sprintf("%d segments", len(segments)))
	return segments, nil
}

// pendingCaptions returns indices of image segments still missing a caption.
func pendingCaptions(segments []library.Segment) []int {
	var pending []int
	for i, seg := range segments {
		if seg.Kind == library.SegmentImage && seg.Image != nil && seg.Image.Caption == "" {
			pending = append(pending, i)
		}
	}
	return pending
}

func (s *Session) caption(ctx context.Context, segments []library.Segment, pending []int) error {
	total := len(pending)
	for done, idx := range pending {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}
		seg := segments[idx]
		caption, err := s.captioner.Caption(ctx, engine.CaptionRequest{
			ImagePath:  seg.Image.Path,
			PageNumber: seg.Image.PageNumber,
			Position:   seg.Image.Position,
			ImageIndex: seg.Image.ImageIndex,
		})
		if err != nil {
			return fmt.Errorf("caption segment %s: %w", seg.ID, err)
		}
		if err := s.store.SaveCaption(ctx, seg.ID, caption); err != nil {
			return fmt.Errorf("save caption for %s: %w", seg.ID, err)
		}
		segments[idx].Image.Caption = caption
		s.progress(StageCaptioning, done+1, total, fmt.Sprintf("captioned image %d of %d", done+1, total))
	}
	return nil
}

func (s *Session) narrate(ctx context.Context, segments []library.Segment) ([]Clip, error) {
	clips := make([]Clip, 0, len(segments))
	total := len(segments)
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled
		}
		clip, err := s.synthesizeSegment(ctx, seg)
		if err != nil {
			return nil, err
		}
		clips = append(clips, clip)
		s.progress(StageNarrating, i+1, total, fmt.Sprintf("narrated segment %d of %d", i+1, total))
	}
	return clips, nil
}

func (s *Session) synthesizeSegment(ctx context.Context, seg library.Segment) (Clip, error) {
	text := narratableText(seg)
	if text == "" {
		// No narratable content: a short locally generated silence keeps the
		// segment addressable in the timing map.
		data, err := audio.Silence(silenceSeconds, s.speech.SampleRate, s.speech.Channels)
		if err != nil {
			return Clip{}, fmt.Errorf("silence for segment %s: %w", seg.ID, err)
		}
		return Clip{SegmentID: seg.ID, Audio: data, Duration: silenceSeconds}, nil
	}

	result, err := s.synth.Synthesize(ctx, engine.SynthRequest{
		Text:         text,
		VoiceSample:  s.voice.SamplePath,
		Exaggeration: s.speech.Exaggeration,
		CFGWeight:    s.speech.CFGWeight,
		Temperature:  s.speech.Temperature,
	})
	if err != nil {
		return Clip{}, fmt.Errorf("synthesize segment %s: %w", seg.ID, err)
	}
	return Clip{SegmentID: seg.ID, Audio: result.Audio, Duration: result.Duration}, nil
}

// narratableText picks what is spoken for a segment: segment content for
// text, then caption, then alt text for images.
func narratableText(seg library.Segment) string {
	if seg.Kind == library.SegmentText {
		return strings.TrimSpace(seg.Content)
	}
	if seg.Image == nil {
		return ""
	}
	if caption := strings.TrimSpace(seg.Image.Caption); caption != "" {
		return caption
	}
	return strings.TrimSpace(seg.Image.AltText)
}

func (s *Session) enterStage(next Stage) error {
	stage, err := advance(s.stage, next)
	if err != nil {
		return err
	}
	s.stage = stage
	s.log.Debug("stage change", "stage", stage)
	return nil
}

// abort moves the session into its terminal failure stage. Cancellation wins
// over whatever error surfaced once the context is dead.
func (s *Session) abort(ctx context.Context, cause error) (Result, error) {
	if ctx.Err() != nil || errors.Is(cause, ErrCancelled) {
		s.stage = StageCancelled
		s.log.Info("generation cancelled")
		return Result{}, ErrCancelled
	}
	s.stage = StageFailed
	s.log.Error("generation failed", "error", cause)
	return Result{}, cause
}
