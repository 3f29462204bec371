package policy

import (
	"sort"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

// Decision is the engine's verdict for one finding.
type Decision struct {
	Act         bool
	Action      constants.Action
	Replacement *string
	Mask        *entity.MaskSpec
	Reason      string
}

// Evaluate decides, per finding, whether and how it is anonymized. The
// returned slice is index-aligned with findings. Among findings that clear
// their threshold, overlapping spans are resolved so each text range is acted
// on at most once: higher confidence wins, then the more specific entity type.
func Evaluate(p *entity.Policy, findings []entity.Finding) []Decision {
	decisions := make([]Decision, len(findings))
	var eligible []int

	for i, f := range findings {
		rule, ok := p.RuleFor(f.EntityType)
		if !ok {
			if p.DefaultAction == nil {
				decisions[i] = Decision{Reason: constants.ReasonNoRule}
				continue
			}
			rule = entity.PolicyRule{EntityType: f.EntityType, Action: *p.DefaultAction}
		}
		if f.Confidence < rule.ConfidenceThreshold {
			decisions[i] = Decision{Action: rule.Action, Reason: constants.ReasonBelowThreshold}
			continue
		}
		decisions[i] = Decision{
			Act:         true,
			Action:      rule.Action,
			Replacement: rule.Replacement,
			Mask:        rule.Mask,
			Reason:      constants.ReasonActed,
		}
		eligible = append(eligible, i)
	}

	sort.SliceStable(eligible, func(a, b int) bool {
		return outranks(findings[eligible[a]], findings[eligible[b]])
	})

	var winners []int
	for _, i := range eligible {
		lost := false
		for _, w := range winners {
			if findings[i].Overlaps(findings[w]) {
				lost = true
				break
			}
		}
		if lost {
			decisions[i].Act = false
			decisions[i].Reason = constants.ReasonOverlapLoser
			continue
		}
		winners = append(winners, i)
	}
	return decisions
}

// outranks orders overlap candidates. Position and length only break ties
// the ranking leaves open, so the result is deterministic.
func outranks(a, b entity.Finding) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	sa, sb := constants.Specificity(a.EntityType), constants.Specificity(b.EntityType)
	if sa != sb {
		return sa > sb
	}
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	return a.End-a.Start > b.End-b.Start
}

// Annotate copies each decision onto its finding without applying it. The
// action is kept for acted and below-threshold findings so reports can show
// what the policy would have done.
func Annotate(findings []entity.Finding, decisions []Decision) {
	for i := range findings {
		d := decisions[i]
		findings[i].DecisionReason = d.Reason
		findings[i].ActedUpon = false
		if d.Act || d.Reason == constants.ReasonBelowThreshold {
			findings[i].Action = d.Action
		}
	}
}
