package extract

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/remote"
)

// ServiceResponse is the answer of the document and OCR services.
type ServiceResponse struct {
	Text           string         `json:"text"`
	Confidence     *float64       `json:"confidence"`
	MethodMetadata map[string]any `json:"method_metadata"`
}

// Service posts raw file bytes to an extraction service.
type Service struct {
	method            constants.ExtractionMethod
	client            *remote.Client
	path              string
	defaultConfidence float64
}

// NewDocumentService extracts binary office/PDF formats. Unreported
// confidence defaults to defaultConfidence.
func NewDocumentService(client *remote.Client, defaultConfidence float64) *Service {
	if defaultConfidence <= 0 {
		defaultConfidence = 0.9
	}
	return &Service{method: constants.MethodDocument, client: client, path: "/extract", defaultConfidence: defaultConfidence}
}

// NewOCRService extracts images and scanned documents. Unreported
// confidence counts as zero.
func NewOCRService(client *remote.Client) *Service {
	return &Service{method: constants.MethodOCR, client: client, path: "/ocr"}
}

func (s *Service) Method() constants.ExtractionMethod { return s.method }

func (s *Service) Extract(ctx context.Context, in Input) (Result, error) {
	contentType := in.ContentType
	if contentType == "" {
		contentType = constants.ContentTypeForExt(in.FileExt)
	}

	var resp ServiceResponse
	if err := s.client.PostBytes(ctx, s.path, contentType, in.Data, &resp); err != nil {
		return Result{}, err
	}

	confidence := s.defaultConfidence
	if resp.Confidence != nil {
		confidence = *resp.Confidence
	}
	// Empty text is useless no matter what the service claims.
	if strings.TrimSpace(resp.Text) == "" {
		confidence = 0
	}

	return Result{
		Text:       resp.Text,
		Method:     s.method,
		Confidence: confidence,
		Metadata:   resp.MethodMetadata,
		Words:      wordsFrom(resp.MethodMetadata),
	}, nil
}

// wordsFrom reads the optional method_metadata.words layout list.
func wordsFrom(meta map[string]any) []Word {
	raw, ok := meta["words"]
	if !ok {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var words []Word
	if err := json.Unmarshal(b, &words); err != nil {
		return nil
	}
	return words
}
