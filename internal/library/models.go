package library

// NarrationStatus is the persisted lifecycle of a book's narration.
// A book is always in exactly one of these states; "generating" is only
// valid while a live session exists for the book.
type NarrationStatus string

const (
	StatusNone       NarrationStatus = "none"
	StatusGenerating NarrationStatus = "generating"
	StatusReady      NarrationStatus = "ready"
)

// Book is a library entry. Narration fields are owned by the generation
// coordinator; everything else is written at import time.
type Book struct {
	ID              string
	Title           string
	Author          string
	SourceFormat    string
	SourcePath      string
	NarrationStatus NarrationStatus
	NarrationPath   string
	CreatedAt       int64
	UpdatedAt       int64
	LastOpenedAt    int64
}

// SegmentKind discriminates text and image segments.
type SegmentKind string

const (
	SegmentText  SegmentKind = "text"
	SegmentImage SegmentKind = "image"
)

// ImageMeta carries the payload of an image segment. Caption is empty until
// a generation run's captioning stage backfills it.
type ImageMeta struct {
	Path       string
	Caption    string
	AltText    string
	PageNumber int
	Position   string
	ImageIndex int
}

// Segment is one ordered content unit of a book. Segments are immutable
// after import except for caption backfill on image segments.
type Segment struct {
	ID      string
	BookID  string
	Index   int
	Kind    SegmentKind
	Content string
	Image   *ImageMeta
}

// Marker ties one segment to its interval in the narration artifact.
// A finished marker sequence is sorted, gapless, starts at zero, and holds
// exactly one marker per segment in segment order.
type Marker struct {
	SegmentID string  `json:"segmentId"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
}

// Voice is a cloning profile used for synthesis.
type Voice struct {
	ID         string
	Name       string
	Engine     string
	SamplePath string
	IsDefault  bool
}
