package extract

import (
	"bytes"
	"context"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
)

// Direct reads plain-text-like files locally. A UTF-8 or UTF-16 byte order
// mark selects the decoding; otherwise bytes are read as UTF-8 and invalid
// sequences are replaced.
type Direct struct{}

// NewDirect returns the local text extractor.
func NewDirect() *Direct { return &Direct{} }

func (*Direct) Method() constants.ExtractionMethod { return constants.MethodDirect }

func (*Direct) Extract(_ context.Context, in Input) (Result, error) {
	text, confidence, err := DecodeText(in.Data)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Text:       text,
		Method:     constants.MethodDirect,
		Confidence: confidence,
		Metadata:   map[string]any{"bytes": len(in.Data)},
	}, nil
}

// DecodeText decodes data and reports 1 - replaced/total characters as confidence.
func DecodeText(data []byte) (string, float64, error) {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(dec, data)
	if err != nil {
		return "", 0, err
	}
	text := string(out)
	total := utf8.RuneCountInString(text)
	if total == 0 {
		return "", 1.0, nil
	}
	// Replacement characters that were already present as valid UTF-8 are content, not damage.
	replaced := strings.Count(text, "\uFFFD") - bytes.Count(data, []byte("\uFFFD"))
	if replaced <= 0 {
		return text, 1.0, nil
	}
	return text, 1.0 - float64(replaced)/float64(total), nil
}
