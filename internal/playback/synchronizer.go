package playback

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"github.com/lecternlabs/lectern-core/internal/library"
)

// Synchronizer maps between narration playback time and book segments using
// a finished marker sequence. It is immutable after construction except for
// the playback position, which a single playback loop writes and any reader
// may observe.
type Synchronizer struct {
	markers []library.Marker
	total   float64
	pos     atomic.Uint64
}

// NewSynchronizer validates the marker sequence: non-empty, starting at
// zero, strictly increasing, and gapless.
func NewSynchronizer(markers []library.Marker) (*Synchronizer, error) {
	if len(markers) == 0 {
		return nil, fmt.Errorf("no markers")
	}
	if markers[0].Start != 0 {
		return nil, fmt.Errorf("markers start at %v, want 0", markers[0].Start)
	}
	for i, m := range markers {
		if m.End <= m.Start {
			return nil, fmt.Errorf("marker %d has non-positive width", i)
		}
		if i > 0 && markers[i-1].End != m.Start {
			return nil, fmt.Errorf("gap between markers %d and %d", i-1, i)
		}
	}
	return &Synchronizer{
		markers: markers,
		total:   markers[len(markers)-1].End,
	}, nil
}

// SegmentAt returns the index and marker of the segment whose half-open
// interval [start, end) contains the time. Times before zero clamp to the
// first segment; times at or past the end clamp to the last.
func (s *Synchronizer) SegmentAt(t float64) (int, library.Marker) {
	if t < 0 {
		return 0, s.markers[0]
	}
	last := len(s.markers) - 1
	if t >= s.total {
		return last, s.markers[last]
	}
	idx := sort.Search(len(s.markers), func(i int) bool {
		return s.markers[i].End > t
	})
	if idx > last {
		idx = last
	}
	return idx, s.markers[idx]
}

// TimeFor returns the narration start time of the segment at index. Indices
// clamp to the valid range.
func (s *Synchronizer) TimeFor(index int) float64 {
	if index < 0 {
		index = 0
	}
	if index >= len(s.markers) {
		index = len(s.markers) - 1
	}
	return s.markers[index].Start
}

// Seek clamps the requested time into [0, total] and records it as the
// current position.
func (s *Synchronizer) Seek(t float64) float64 {
	if t < 0 {
		t = 0
	}
	if t > s.total {
		t = s.total
	}
	s.SetPosition(t)
	return t
}

// SetPosition records the current playback time. Only the playback loop
// calls this.
func (s *Synchronizer) SetPosition(t float64) {
	s.pos.Store(math.Float64bits(t))
}

// Position returns the last recorded playback time.
func (s *Synchronizer) Position() float64 {
	return math.Float64frombits(s.pos.Load())
}

// CurrentSegment resolves the segment under the recorded position.
func (s *Synchronizer) CurrentSegment() (int, library.Marker) {
	return s.SegmentAt(s.Position())
}

// Duration returns the total narration length.
func (s *Synchronizer) Duration() float64 {
	return s.total
}

// Segments returns the number of markers.
func (s *Synchronizer) Segments() int {
	return len(s.markers)
}
