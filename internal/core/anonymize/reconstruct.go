package anonymize

import (
	"context"
	"fmt"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/extract"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

// Source is the original document a reconstruction starts from.
type Source struct {
	FileExt string
	Data    []byte
	Method  constants.ExtractionMethod
	Words   []extract.Word
}

// CanReconstruct reports whether an original-format copy can be produced for
// a source extracted with method.
func CanReconstruct(ext string, method constants.ExtractionMethod) bool {
	switch constants.NormalizeExt(ext) {
	case "docx":
		return method == constants.MethodDocument
	case "pdf":
		return method == constants.MethodDocument || method == constants.MethodOCR
	}
	return false
}

// Reconstruct builds a format-preserving copy of the source with the
// operations applied: DOCX text runs are rewritten, PDFs get opaque overlays
// from the document service. It never re-flows layout. A DOCX copy that would
// still contain an original value is not returned.
func (e *Executor) Reconstruct(ctx context.Context, src Source, ops []entity.AnonymizationOperation) ([]byte, error) {
	ext := constants.NormalizeExt(src.FileExt)
	if !CanReconstruct(ext, src.Method) {
		return nil, common.UnsupportedFormatError(fmt.Sprintf("original format not available for %s extracted by %s", ext, src.Method))
	}

	switch ext {
	case "docx":
		subs := make([]Substitution, 0, len(ops))
		for _, op := range ops {
			subs = append(subs, Substitution{Original: op.OriginalText, Replacement: op.AnonymizedText})
		}
		out, missed, err := RewriteDOCX(src.Data, subs)
		if err != nil {
			return nil, common.AnonymizationError("rewrite docx", err)
		}
		if len(missed) > 0 {
			e.logger.Warnw("anonymize.docx.unmatched", "operations", len(ops), "missed", len(missed))
			return nil, common.AnonymizationError(fmt.Sprintf("%d of %d values could not be removed from the document", len(missed), len(normalizeSubs(subs))), nil)
		}
		return out, nil

	default:
		if e.redactor == nil {
			return nil, common.UnsupportedFormatError("pdf redaction is not configured")
		}
		regions, terms := PlanRegions(ops, src.Words)
		opsMeta := make([]map[string]any, 0, len(ops))
		for _, op := range ops {
			opsMeta = append(opsMeta, map[string]any{
				"operation_id": op.ID.String(),
				"entity_type":  string(op.EntityType),
				"action":       string(op.Action),
			})
		}
		out, err := e.redactor.Redact(ctx, RedactRequest{
			Document:    src.Data,
			ContentType: constants.ContentTypeForExt(ext),
			Regions:     regions,
			SearchTerms: terms,
			Metadata:    map[string]any{"anonymization_operations": opsMeta},
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}
}
