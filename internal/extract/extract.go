package extract

import (
	"context"

	"github.com/contentforge/extractd/constants"
)

// SegmentType tags the kind of a result segment.
type SegmentType string

const (
	SegmentText    SegmentType = "text"
	SegmentImage   SegmentType = "image"
	SegmentAudio   SegmentType = "audio"
	SegmentFrame   SegmentType = "frame"
	SegmentElement SegmentType = "element"
)

// Segment is one typed unit of extracted content. Segments are ordered;
// Index is the position within the result.
type Segment struct {
	Type     SegmentType       `json:"type"`
	Index    int               `json:"index"`
	Page     int               `json:"page,omitempty"`     // 1-based, documents
	Path     string            `json:"path,omitempty"`     // element path, XML
	StartMS  int64             `json:"start_ms,omitempty"` // time range, audio/video
	EndMS    int64             `json:"end_ms,omitempty"`
	Text     string            `json:"text,omitempty"`
	Features []float64         `json:"features,omitempty"` // waveform/frame feature vector
	Meta     map[string]string `json:"meta,omitempty"`
}

// Result is the normalized output of a successful extraction. For a fixed
// input and extractor version the result must marshal byte-identically, so
// implementations keep ordering and formatting deterministic.
type Result struct {
	Format           constants.Format  `json:"format"`
	ExtractorVersion string            `json:"extractor_version"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Segments         []Segment         `json:"segments"`
}

// Extractor converts one artifact into a Result. Implementations translate
// decoder-level errors into the common taxonomy at this boundary and must
// honor ctx cancellation between pages/frames/windows. On partial failure
// an extractor may return both a non-nil partial Result and the error; the
// partial is diagnostic only, never a success.
type Extractor interface {
	Extract(ctx context.Context, path string) (*Result, error)
	Version() string
}

// Registry maps a classified format to its extraction strategy. Lookup is
// O(1) with no fallback chaining: a format without a registered extractor
// is an unsupported format, not an invitation to trial-and-error decoding.
type Registry struct {
	byFormat map[constants.Format]Extractor
}

func NewRegistry() *Registry {
	return &Registry{byFormat: make(map[constants.Format]Extractor)}
}

func (r *Registry) Register(f constants.Format, e Extractor) {
	r.byFormat[f] = e
}

func (r *Registry) Lookup(f constants.Format) (Extractor, bool) {
	e, ok := r.byFormat[f]
	return e, ok
}

// Formats returns the registered formats, for health/diagnostic reporting.
func (r *Registry) Formats() []constants.Format {
	out := make([]constants.Format, 0, len(r.byFormat))
	for f := range r.byFormat {
		out = append(out, f)
	}
	return out
}
