package engine

import (
	"context"
	"fmt"

	"github.com/lecternlabs/lectern-core/internal/audio"
)

// mockSynth produces silence whose length scales with the text, so the
// pipeline and timing map behave realistically without a model.
type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynthesizer(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (SynthResult, error) {
	if err := ctx.Err(); err != nil {
		return SynthResult{}, err
	}
	if req.Text == "" {
		return SynthResult{}, newError(CodeInvalidInput, "text is empty")
	}
	// roughly 15 characters per second of speech
	seconds := float64(len(req.Text)) / 15.0
	if seconds < 0.2 {
		seconds = 0.2
	}
	data, err := audio.Silence(seconds, m.sampleRate, m.channels)
	if err != nil {
		return SynthResult{}, err
	}
	duration, err := audio.Duration(data)
	if err != nil {
		return SynthResult{}, err
	}
	return SynthResult{Audio: data, Duration: duration}, nil
}

type mockCaptioner struct{}

func NewMockCaptioner() Captioner {
	return mockCaptioner{}
}

func (mockCaptioner) Caption(ctx context.Context, req CaptionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.ImagePath == "" {
		return "", newError(CodeInvalidInput, "image_path is required")
	}
	return fmt.Sprintf("An illustration on page %d.", req.PageNumber), nil
}
