// Package engine manages the external inference workers that perform
// narration synthesis and image captioning. Workers are long-lived
// subprocesses speaking line-delimited JSON over their standard streams;
// an HTTP synthesis backend and in-process mocks share the same contracts.
package engine

import "context"

// SynthRequest asks for narration audio for one segment of text.
type SynthRequest struct {
	Text         string
	VoiceSample  string
	Exaggeration float64
	CFGWeight    float64
	Temperature  float64
}

// SynthResult is one segment's synthesized audio.
type SynthResult struct {
	Audio    []byte
	Duration float64
}

// CaptionRequest asks for a description of one image segment.
type CaptionRequest struct {
	ImagePath  string
	PageNumber int
	Position   string
	ImageIndex int
}

// Synthesizer produces narration audio. Implementations serialize requests
// internally; the underlying engines are not safely concurrent.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (SynthResult, error)
}

// Captioner produces image descriptions.
type Captioner interface {
	Caption(ctx context.Context, req CaptionRequest) (string, error)
}
