package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
)

// PolicyRecord is a stored, versioned policy document as authored.
type PolicyRecord struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Document  []byte    `json:"document"`
	CreatedAt time.Time `json:"created_at"`
}

// MaskSpec overrides the default masking behaviour for one rule.
type MaskSpec struct {
	Char       string `json:"char,omitempty"`
	KeepPrefix *int   `json:"keep_prefix,omitempty"`
	KeepSuffix *int   `json:"keep_suffix,omitempty"`
}

// PolicyRule is one entity-type rule within a policy.
type PolicyRule struct {
	EntityType          constants.EntityType `json:"entity_type"`
	ConfidenceThreshold float64              `json:"confidence_threshold"`
	Action              constants.Action     `json:"action"`
	Replacement         *string              `json:"replacement,omitempty"`
	Mask                *MaskSpec            `json:"mask,omitempty"`
}

// PolicyScope restricts which datasets a policy may run against.
type PolicyScope struct {
	FileTypes   []string `json:"file_types,omitempty"`
	MaxFileSize int64    `json:"max_file_size,omitempty"` // bytes; 0 means unlimited
}

// Policy is the parsed, immutable snapshot a job evaluates against.
type Policy struct {
	ID             uuid.UUID         `json:"id"`
	Name           string            `json:"name"`
	Version        string            `json:"version"`
	Description    string            `json:"description,omitempty"`
	Rules          []PolicyRule      `json:"rules"`
	DefaultAction  *constants.Action `json:"default_action,omitempty"`
	Scope          PolicyScope       `json:"scope"`
	PreserveFormat bool              `json:"preserve_format"`
	AuditTrail     bool              `json:"audit_trail"`

	byType map[constants.EntityType]int
}

// NewPolicy indexes rules by entity type. A later rule for the same type replaces an earlier one.
func NewPolicy(p Policy) *Policy {
	p.byType = make(map[constants.EntityType]int, len(p.Rules))
	for i, r := range p.Rules {
		p.byType[r.EntityType] = i
	}
	return &p
}

// RuleFor returns the rule for an entity type.
func (p *Policy) RuleFor(t constants.EntityType) (PolicyRule, bool) {
	i, ok := p.byType[t]
	if !ok {
		return PolicyRule{}, false
	}
	return p.Rules[i], true
}
