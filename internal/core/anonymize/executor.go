package anonymize

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/policy"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

// Failure is an action that could not be applied to one finding.
type Failure struct {
	FindingID uuid.UUID
	Err       error
}

// Outcome is the anonymized text and the operations that produced it.
type Outcome struct {
	Text       string
	Operations []entity.AnonymizationOperation
	Failures   []Failure
}

// Partial reports whether any finding the policy chose to act on was left as is.
func (o Outcome) Partial() bool { return len(o.Failures) > 0 }

// Executor applies policy decisions to extracted text.
type Executor struct {
	settings Settings
	redactor PDFRedactor
	logger   *zap.SugaredLogger
	clock    func() time.Time
}

// NewExecutor builds an executor. redactor may be nil when PDF reconstruction is not wired.
func NewExecutor(settings Settings, redactor PDFRedactor, logger *zap.SugaredLogger) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Executor{settings: settings, redactor: redactor, logger: logger, clock: time.Now}
}

// ApplyText substitutes every acted-upon finding in a single left-to-right
// pass over character offsets. findings are enriched in place with the
// decision and the anonymized text; decisions must be index-aligned with
// findings and free of overlapping acted spans.
func (e *Executor) ApplyText(text string, findings []entity.Finding, decisions []policy.Decision) Outcome {
	var out Outcome
	policy.Annotate(findings, decisions)
	order := make([]int, 0, len(findings))
	for i := range findings {
		if decisions[i].Act {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool { return findings[order[a]].Start < findings[order[b]].Start })

	runes := []rune(text)
	buf := make([]rune, 0, len(runes))
	cursor := 0
	now := e.clock().UTC()

	for _, i := range order {
		f := &findings[i]
		d := decisions[i]
		if f.Start < cursor || f.End > len(runes) {
			f.DecisionReason = constants.ReasonOverlapLoser
			e.logger.Warnw("anonymize.span.skipped", "finding_id", f.ID, "start", f.Start, "end", f.End, "cursor", cursor)
			continue
		}

		replacement, err := e.settings.Transform(f, d.Action, d.Replacement, d.Mask)
		if err != nil {
			f.DecisionReason = constants.ReasonActionFailed
			out.Failures = append(out.Failures, Failure{FindingID: f.ID, Err: err})
			e.logger.Warnw("anonymize.action.failed", "finding_id", f.ID, "entity_type", f.EntityType, "action", d.Action, "err", err)
			continue
		}

		buf = append(buf, runes[cursor:f.Start]...)
		buf = append(buf, []rune(replacement)...)
		cursor = f.End

		f.ActedUpon = true
		f.AnonymizedText = &replacement
		out.Operations = append(out.Operations, entity.AnonymizationOperation{
			ID:             uuid.New(),
			FindingID:      f.ID,
			JobID:          f.JobID,
			Attempt:        f.Attempt,
			EntityType:     f.EntityType,
			Action:         d.Action,
			Start:          f.Start,
			End:            f.End,
			OriginalText:   f.Text,
			AnonymizedText: replacement,
			AppliedAt:      now,
		})
	}
	buf = append(buf, runes[cursor:]...)
	out.Text = string(buf)
	return out
}
