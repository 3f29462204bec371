package detect

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
	"github.com/joseph-ayodele/pii-anonymizer/internal/remote"
)

// RawEntity is one item of the detection service answer.
type RawEntity struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

// Analyzer is the detection service contract: character offsets into text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) ([]RawEntity, error)
}

// ServiceAnalyzer calls the HTTP detection service.
type ServiceAnalyzer struct {
	client *remote.Client
}

func NewServiceAnalyzer(client *remote.Client) *ServiceAnalyzer {
	return &ServiceAnalyzer{client: client}
}

func (a *ServiceAnalyzer) Analyze(ctx context.Context, text string) ([]RawEntity, error) {
	var out []RawEntity
	if err := a.client.PostJSON(ctx, "/analyze", map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Options tune chunking and context capture, in characters.
type Options struct {
	MaxChunkChars int
	ChunkOverlap  int
	ContextWindow int
}

// Invoker turns extracted text into raw findings.
type Invoker struct {
	analyzer Analyzer
	opts     Options
	logger   *zap.SugaredLogger
}

func NewInvoker(analyzer Analyzer, opts Options, logger *zap.SugaredLogger) *Invoker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.MaxChunkChars <= 0 {
		opts.MaxChunkChars = 20000
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.MaxChunkChars {
		opts.ChunkOverlap = 0
	}
	if opts.ContextWindow < 0 {
		opts.ContextWindow = 0
	}
	return &Invoker{analyzer: analyzer, opts: opts, logger: logger}
}

// Detect returns findings ordered by start offset. Any analyzer failure is
// reported as a DetectionServiceError so the job retries with backoff.
func (inv *Invoker) Detect(ctx context.Context, text string) ([]entity.Finding, error) {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	chunks := Chunks(len(runes), inv.opts.MaxChunkChars, inv.opts.ChunkOverlap)
	var spans []edgeSpan
	for i, c := range chunks {
		found, err := inv.analyzer.Analyze(ctx, string(runes[c.Start:c.End]))
		if err != nil {
			inv.logger.Warnw("detect.chunk.failed", "chunk", i, "chunks", len(chunks), "err", err)
			return nil, common.DetectionServiceError(err)
		}
		for _, e := range found {
			if e.Start < 0 || e.End > c.End-c.Start || e.Start >= e.End {
				inv.logger.Warnw("detect.span.out_of_range", "chunk", i, "start", e.Start, "end", e.End)
				continue
			}
			cut := false
			atLeft := i > 0 && e.Start == 0
			atRight := i < len(chunks)-1 && e.End == c.End-c.Start
			e.Start += c.Start
			e.End += c.Start
			// A span touching an interior chunk edge is dropped only when the
			// neighbouring chunk holds it whole and away from its own edges.
			if atLeft {
				if e.End < chunks[i-1].End {
					continue
				}
				cut = true
			}
			if atRight {
				if e.Start > chunks[i+1].Start {
					continue
				}
				cut = true
			}
			spans = append(spans, edgeSpan{RawEntity: e, cut: cut})
		}
	}

	merged := dedupe(dropTruncated(spans))
	findings := make([]entity.Finding, 0, len(merged))
	for _, s := range merged {
		findings = append(findings, entity.Finding{
			EntityType: constants.CanonicalEntityType(s.EntityType),
			Start:      s.Start,
			End:        s.End,
			Text:       string(runes[s.Start:s.End]),
			Confidence: s.Score,
			Context:    contextWindow(runes, s.Start, s.End, inv.opts.ContextWindow),
		})
	}
	inv.logger.Debugw("detect.done", "chunks", len(chunks), "findings", len(findings))
	return findings, nil
}

// Chunk is a half-open character range.
type Chunk struct {
	Start, End int
}

// Chunks splits n characters into windows of at most size, each starting
// overlap characters before the previous one ended.
func Chunks(n, size, overlap int) []Chunk {
	if n <= size {
		return []Chunk{{0, n}}
	}
	step := size - overlap
	var out []Chunk
	for start := 0; ; start += step {
		end := start + size
		if end >= n {
			out = append(out, Chunk{start, n})
			return out
		}
		out = append(out, Chunk{start, end})
	}
}

type edgeSpan struct {
	RawEntity
	cut bool
}

// dropTruncated removes edge spans that are a piece of a longer span of the
// same type reported by a neighbouring chunk.
func dropTruncated(spans []edgeSpan) []RawEntity {
	out := make([]RawEntity, 0, len(spans))
	for i, s := range spans {
		if s.cut && coveredBySameType(spans, i) {
			continue
		}
		out = append(out, s.RawEntity)
	}
	return out
}

func coveredBySameType(spans []edgeSpan, i int) bool {
	s := spans[i]
	t := constants.CanonicalEntityType(s.EntityType)
	for j, o := range spans {
		if j == i || constants.CanonicalEntityType(o.EntityType) != t {
			continue
		}
		if o.Start <= s.Start && o.End >= s.End && o.End-o.Start > s.End-s.Start {
			return true
		}
	}
	return false
}

// dedupe merges spans reported twice by overlapping chunks, keeping the best score.
func dedupe(spans []RawEntity) []RawEntity {
	type key struct {
		t          string
		start, end int
	}
	best := make(map[key]int, len(spans))
	var out []RawEntity
	for _, s := range spans {
		k := key{string(constants.CanonicalEntityType(s.EntityType)), s.Start, s.End}
		if i, ok := best[k]; ok {
			if s.Score > out[i].Score {
				out[i].Score = s.Score
			}
			continue
		}
		best[k] = len(out)
		out = append(out, s)
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Start != out[b].Start {
			return out[a].Start < out[b].Start
		}
		return out[a].End < out[b].End
	})
	return out
}

func contextWindow(runes []rune, start, end, width int) string {
	lo := start - width
	if lo < 0 {
		lo = 0
	}
	hi := end + width
	if hi > len(runes) {
		hi = len(runes)
	}
	return string(runes[lo:hi])
}
