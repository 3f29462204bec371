package extract

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
)

// CapabilityTable maps a file class to the ordered methods worth trying.
type CapabilityTable map[constants.FileClass][]constants.ExtractionMethod

// DefaultCapabilities is the standard fallback order per file class.
func DefaultCapabilities() CapabilityTable {
	return CapabilityTable{
		constants.FileClassText:     {constants.MethodDirect},
		constants.FileClassDocument: {constants.MethodDocument, constants.MethodOCR},
		constants.FileClassImage:    {constants.MethodOCR},
	}
}

// Selector walks the capability table for a file until one method yields
// text at or above the minimum confidence.
type Selector struct {
	methods       map[constants.ExtractionMethod]Extractor
	table         CapabilityTable
	minConfidence float64
	logger        *zap.SugaredLogger
}

// NewSelector registers extractors by the method they implement.
func NewSelector(table CapabilityTable, minConfidence float64, logger *zap.SugaredLogger, extractors ...Extractor) *Selector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if table == nil {
		table = DefaultCapabilities()
	}
	if minConfidence <= 0 {
		minConfidence = 0.6
	}
	s := &Selector{
		methods:       make(map[constants.ExtractionMethod]Extractor, len(extractors)),
		table:         table,
		minConfidence: minConfidence,
		logger:        logger,
	}
	for _, e := range extractors {
		s.methods[e.Method()] = e
	}
	return s
}

// Plan returns the methods the selector would try for a file extension.
func (s *Selector) Plan(ext string) ([]constants.ExtractionMethod, error) {
	class, ok := constants.ClassifyExt(ext)
	if !ok {
		return nil, common.UnsupportedFileTypeError(constants.NormalizeExt(ext))
	}
	var plan []constants.ExtractionMethod
	for _, m := range s.table[class] {
		if _, registered := s.methods[m]; registered {
			plan = append(plan, m)
		}
	}
	if len(plan) == 0 {
		return nil, common.UnsupportedFileTypeError(constants.NormalizeExt(ext))
	}
	return plan, nil
}

// Extract runs the plan for in. When nothing is accepted it returns
// ExtractionFailed, unless some method failed transiently, in which case the
// last transient error is returned so the job can be retried.
func (s *Selector) Extract(ctx context.Context, in Input) (Result, []Attempt, error) {
	plan, err := s.Plan(in.FileExt)
	if err != nil {
		return Result{}, nil, err
	}

	var attempts []Attempt
	var transient error
	for _, m := range plan {
		res, err := s.methods[m].Extract(ctx, in)
		if err != nil {
			attempts = append(attempts, Attempt{Method: m, Err: err})
			if common.IsTransient(err) {
				transient = err
			}
			s.logger.Warnw("extract.method.failed", "method", m, "file_ext", in.FileExt, "transient", common.IsTransient(err), "err", err)
			continue
		}
		res.Method = m
		attempts = append(attempts, Attempt{Method: m, Confidence: res.Confidence})
		if res.Confidence < s.minConfidence {
			s.logger.Infow("extract.method.low_confidence", "method", m, "confidence", res.Confidence, "min", s.minConfidence)
			continue
		}
		s.logger.Infow("extract.method.accepted", "method", m, "confidence", res.Confidence, "chars", len([]rune(res.Text)))
		return res, attempts, nil
	}

	if transient != nil {
		return Result{}, attempts, transient
	}
	return Result{}, attempts, common.ExtractionFailed(summarize(attempts, s.minConfidence), nil)
}

func summarize(attempts []Attempt, min float64) string {
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		if a.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", a.Method, a.Err))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: confidence %.2f < %.2f", a.Method, a.Confidence, min))
	}
	return "no extraction method met minimum confidence (" + strings.Join(parts, "; ") + ")"
}
