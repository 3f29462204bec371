package anonymize

import (
	"context"

	"github.com/joseph-ayodele/pii-anonymizer/internal/core/extract"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
	"github.com/joseph-ayodele/pii-anonymizer/internal/remote"
)

// Region is an opaque box to paint over, in page points.
type Region struct {
	Page int     `json:"page"`
	X0   float64 `json:"x0"`
	Y0   float64 `json:"y0"`
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
}

// RedactRequest asks the document service to overlay regions on a PDF.
// SearchTerms covers operations for which no layout was available.
type RedactRequest struct {
	Document    []byte         `json:"document"`
	ContentType string         `json:"content_type"`
	Regions     []Region       `json:"regions"`
	SearchTerms []string       `json:"search_terms,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// PDFRedactor produces a PDF with opaque overlays.
type PDFRedactor interface {
	Redact(ctx context.Context, req RedactRequest) ([]byte, error)
}

// ServiceRedactor calls the document service redaction endpoint.
type ServiceRedactor struct {
	client *remote.Client
}

func NewServiceRedactor(client *remote.Client) *ServiceRedactor {
	return &ServiceRedactor{client: client}
}

func (r *ServiceRedactor) Redact(ctx context.Context, req RedactRequest) ([]byte, error) {
	return r.client.PostJSONForBytes(ctx, "/redact", req)
}

// PlanRegions maps each operation span onto the words it covers. Operations
// that touch no positioned word are returned as search terms instead.
func PlanRegions(ops []entity.AnonymizationOperation, words []extract.Word) ([]Region, []string) {
	var regions []Region
	var terms []string
	for _, op := range ops {
		covered := false
		for _, w := range words {
			if w.Start < op.End && op.Start < w.End {
				regions = append(regions, Region{Page: w.Page, X0: w.BBox[0], Y0: w.BBox[1], X1: w.BBox[2], Y1: w.BBox[3]})
				covered = true
			}
		}
		if !covered {
			terms = append(terms, op.OriginalText)
		}
	}
	return regions, terms
}
