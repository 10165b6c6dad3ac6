package narration

import "fmt"

// Stage identifies where a generation session is in its pipeline.
type Stage string

const (
	StageExtracting Stage = "extracting"
	StageCaptioning Stage = "captioning"
	StageNarrating  Stage = "narrating"
	StageFinalizing Stage = "finalizing"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
	StageCancelled  Stage = "cancelled"
)

// transitions holds the allowed forward edges of the stage machine. The
// order is fixed with no skipping: a book with nothing to caption still
// passes through Captioning as a no-op. Failed and Cancelled are reachable
// from every non-terminal stage.
var transitions = map[Stage][]Stage{
	StageExtracting: {StageCaptioning},
	StageCaptioning: {StageNarrating},
	StageNarrating:  {StageFinalizing},
	StageFinalizing: {StageDone},
}

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed || s == StageCancelled
}

func (s Stage) canAdvance(next Stage) bool {
	if s.Terminal() {
		return false
	}
	if next == StageFailed || next == StageCancelled {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// advance validates and applies a stage transition.
func advance(current, next Stage) (Stage, error) {
	if !current.canAdvance(next) {
		return current, fmt.Errorf("invalid stage transition %s -> %s", current, next)
	}
	return next, nil
}
