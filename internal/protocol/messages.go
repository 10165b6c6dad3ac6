package protocol

// GenerateRequest asks the runtime to start narration generation for a book.
type GenerateRequest struct {
	BookID  string `json:"book_id"`
	VoiceID string `json:"voice_id,omitempty"`
}

// CancelRequest asks the runtime to cancel an in-flight generation.
type CancelRequest struct {
	BookID string `json:"book_id"`
}

// CommandReply acknowledges a generate or cancel command.
type CommandReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// GenerationProgress is published once per completed unit of work per stage.
// For a single book, observers see (stage, current) in non-decreasing order.
type GenerationProgress struct {
	BookID  string `json:"book_id"`
	Stage   string `json:"stage"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// GenerationComplete signals a finished run with a persisted artifact.
type GenerationComplete struct {
	BookID       string  `json:"book_id"`
	ArtifactPath string  `json:"artifact_path"`
	Duration     float64 `json:"duration"`
	Segments     int     `json:"segments"`
}

// GenerationError signals a failed run. Cancellation is not an error and is
// never published on this subject.
type GenerationError struct {
	BookID  string `json:"book_id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// LocateRequest maps a playback time to the active segment.
type LocateRequest struct {
	BookID string  `json:"book_id"`
	Time   float64 `json:"time"`
}

type LocateReply struct {
	SegmentIndex int    `json:"segment_index"`
	SegmentID    string `json:"segment_id"`
	Error        string `json:"error,omitempty"`
}

// SeekRequest maps a segment index to its narration start time.
type SeekRequest struct {
	BookID       string `json:"book_id"`
	SegmentIndex int    `json:"segment_index"`
}

type SeekReply struct {
	Time  float64 `json:"time"`
	Error string  `json:"error,omitempty"`
}

const (
	SubjectGenerateCmd = "narration.cmd.generate"
	SubjectCancelCmd   = "narration.cmd.cancel"

	SubjectProgress = "narration.progress"
	SubjectComplete = "narration.complete"
	SubjectError    = "narration.error"

	SubjectPlaybackLocate = "playback.query.locate"
	SubjectPlaybackTime   = "playback.query.time"
)
