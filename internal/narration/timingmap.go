package narration

import (
	"fmt"

	"github.com/lecternlabs/lectern-core/internal/audio"
	"github.com/lecternlabs/lectern-core/internal/library"
)

// Clip is one synthesized segment waiting to be stitched into the book's
// narration track.
type Clip struct {
	SegmentID string
	Audio     []byte
	Duration  float64
}

// BuildTimingMap concatenates the clips in order and produces one marker per
// clip. Markers are gapless: each segment's end is the next segment's start,
// offsets are running sums of clip durations, and the last marker's end equals
// the total track duration.
func BuildTimingMap(clips []Clip) ([]byte, []library.Marker, error) {
	if len(clips) == 0 {
		return nil, nil, fmt.Errorf("no clips to assemble")
	}

	payloads := make([][]byte, 0, len(clips))
	markers := make([]library.Marker, 0, len(clips))
	offset := 0.0
	for i, clip := range clips {
		if clip.Duration <= 0 {
			return nil, nil, fmt.Errorf("clip %d (%s): non-positive duration %v", i, clip.SegmentID, clip.Duration)
		}
		payloads = append(payloads, clip.Audio)
		markers = append(markers, library.Marker{
			SegmentID: clip.SegmentID,
			Start:     offset,
			End:       offset + clip.Duration,
		})
		offset += clip.Duration
	}

	track, err := audio.Concat(payloads)
	if err != nil {
		return nil, nil, fmt.Errorf("concatenate clips: %w", err)
	}
	return track, markers, nil
}
