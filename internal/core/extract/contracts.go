package extract

import (
	"context"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
)

// Input is one file handed to the selector.
type Input struct {
	Filename    string
	FileExt     string
	ContentType string
	Data        []byte
}

// Word is one positioned token reported by a layout-aware service. Start and
// End are character offsets into Result.Text.
type Word struct {
	Text  string     `json:"text"`
	Page  int        `json:"page"`
	BBox  [4]float64 `json:"bbox"` // x0, y0, x1, y1 in page points
	Start int        `json:"start"`
	End   int        `json:"end"`
}

// Result is the text produced by one extraction method.
type Result struct {
	Text       string
	Method     constants.ExtractionMethod
	Confidence float64
	Metadata   map[string]any
	Words      []Word
}

// Extractor is one extraction method variant.
type Extractor interface {
	Method() constants.ExtractionMethod
	Extract(ctx context.Context, in Input) (Result, error)
}

// Attempt records how one method fared, for logs and diagnostics.
type Attempt struct {
	Method     constants.ExtractionMethod
	Confidence float64
	Err        error
}
