package engine

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lecternlabs/lectern-core/internal/audio"
	"github.com/lecternlabs/lectern-core/internal/config"
)

// execSynth backs synthesis with a subprocess speaking the bridge protocol.
// The worker writes each result to a temp WAV and replies with its path.
type execSynth struct {
	worker *Worker
}

// NewExecSynthesizer builds the subprocess synthesis backend. The returned
// Worker is the owner handle: callers must Close it on shutdown.
func NewExecSynthesizer(cfg config.SpeechConfig, log *slog.Logger) (Synthesizer, *Worker, error) {
	worker, err := NewWorker(WorkerOptions{
		Name:           "speech",
		Command:        cfg.Command,
		StartupTimeout: time.Duration(cfg.StartupTimeoutMS) * time.Millisecond,
		RequestTimeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		ShutdownGrace:  time.Duration(cfg.ShutdownGraceMS) * time.Millisecond,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return &execSynth{worker: worker}, worker, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (SynthResult, error) {
	resp, err := e.worker.Submit(ctx, wireRequest{
		Type:        "generate",
		ID:          "req_" + uuid.NewString(),
		Text:        req.Text,
		VoiceSample: req.VoiceSample,
		Options: &wireSynthOpts{
			Exaggeration: req.Exaggeration,
			CFGWeight:    req.CFGWeight,
			Temperature:  req.Temperature,
		},
	})
	if err != nil {
		return SynthResult{}, err
	}
	if resp.Type != "audio" || resp.Path == "" {
		return SynthResult{}, newError(CodeEngineError, "unexpected synthesis response type %q", resp.Type)
	}

	data, err := os.ReadFile(resp.Path)
	if err != nil {
		return SynthResult{}, newError(CodeEngineError, "read synthesized audio: %v", err)
	}
	os.Remove(resp.Path)

	duration := resp.Duration
	if duration <= 0 {
		duration, err = audio.Duration(data)
		if err != nil {
			return SynthResult{}, newError(CodeEngineError, "measure synthesized audio: %v", err)
		}
	}
	return SynthResult{Audio: data, Duration: duration}, nil
}

// execCaptioner backs captioning with a vision subprocess.
type execCaptioner struct {
	worker *Worker
}

// NewExecCaptioner builds the subprocess captioning backend. The returned
// Worker is the owner handle: callers must Close it on shutdown.
func NewExecCaptioner(cfg config.VisionConfig, log *slog.Logger) (Captioner, *Worker, error) {
	worker, err := NewWorker(WorkerOptions{
		Name:           "vision",
		Command:        cfg.Command,
		StartupTimeout: time.Duration(cfg.StartupTimeoutMS) * time.Millisecond,
		RequestTimeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		ShutdownGrace:  time.Duration(cfg.ShutdownGraceMS) * time.Millisecond,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return &execCaptioner{worker: worker}, worker, nil
}

func (e *execCaptioner) Caption(ctx context.Context, req CaptionRequest) (string, error) {
	resp, err := e.worker.Submit(ctx, wireRequest{
		Type:      "caption",
		ID:        "req_" + uuid.NewString(),
		ImagePath: req.ImagePath,
		Context: &wireCaptionCtx{
			PageNumber: req.PageNumber,
			Position:   req.Position,
			ImageIndex: req.ImageIndex,
		},
	})
	if err != nil {
		return "", err
	}
	if resp.Type != "caption" {
		return "", newError(CodeEngineError, "unexpected caption response type %q", resp.Type)
	}
	if resp.Caption == "" {
		return "", newError(CodeEngineError, "empty caption for %s", req.ImagePath)
	}
	return resp.Caption, nil
}
