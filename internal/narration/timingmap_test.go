package narration

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/lecternlabs/lectern-core/internal/audio"
)

func silenceClip(t *testing.T, id string, seconds float64) Clip {
	t.Helper()
	data, err := audio.Silence(seconds, 24000, 1)
	if err != nil {
		t.Fatalf("silence: %v", err)
	}
	return Clip{SegmentID: id, Audio: data, Duration: seconds}
}

func TestBuildTimingMapInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		n := 1 + rng.Intn(8)
		clips := make([]Clip, 0, n)
		want := 0.0
		for i := 0; i < n; i++ {
			// durations quantized to whole sample counts so offsets add exactly
			samples := 2400 + rng.Intn(24000)
			seconds := float64(samples) / 24000.0
			clips = append(clips, silenceClip(t, fmt.Sprintf("seg-%d", i), seconds))
			want += seconds
		}

		track, markers, err := BuildTimingMap(clips)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		if len(markers) != n {
			t.Fatalf("trial %d: %d markers for %d clips", trial, len(markers), n)
		}
		if markers[0].Start != 0 {
			t.Fatalf("trial %d: first marker starts at %v", trial, markers[0].Start)
		}
		for i, m := range markers {
			if m.SegmentID != fmt.Sprintf("seg-%d", i) {
				t.Fatalf("trial %d: marker %d has id %s", trial, i, m.SegmentID)
			}
			if m.End <= m.Start {
				t.Fatalf("trial %d: marker %d has non-positive width", trial, i)
			}
			if i > 0 && markers[i-1].End != m.Start {
				t.Fatalf("trial %d: gap before marker %d", trial, i)
			}
		}

		total, err := audio.Duration(track)
		if err != nil {
			t.Fatalf("trial %d: decode track: %v", trial, err)
		}
		last := markers[n-1].End
		if math.Abs(last-want) > 1e-9 {
			t.Fatalf("trial %d: last end %v want %v", trial, last, want)
		}
		if math.Abs(total-want) > 0.001 {
			t.Fatalf("trial %d: track duration %v want %v", trial, total, want)
		}
	}
}

func TestBuildTimingMapRejectsEmpty(t *testing.T) {
	if _, _, err := BuildTimingMap(nil); err == nil {
		t.Fatal("expected error for no clips")
	}
}

func TestBuildTimingMapRejectsNonPositiveDuration(t *testing.T) {
	clip := silenceClip(t, "seg-0", 0.5)
	clip.Duration = 0
	if _, _, err := BuildTimingMap([]Clip{clip}); err == nil {
		t.Fatal("expected error for zero-duration clip")
	}
}
