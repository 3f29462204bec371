package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

// document mirrors the authored policy layout. JSON documents are valid YAML,
// so a single decoder handles both.
type document struct {
	Name        string `json:"name"`
	Version     any    `json:"version"`
	Description string `json:"description"`
	Detection   struct {
		Entities []struct {
			Type                string           `json:"type"`
			ConfidenceThreshold float64          `json:"confidence_threshold"`
			Action              string           `json:"action"`
			Replacement         *string          `json:"replacement"`
			Mask                *entity.MaskSpec `json:"mask"`
		} `json:"entities"`
	} `json:"detection"`
	Scope struct {
		FileTypes   []string `json:"file_types"`
		MaxFileSize string   `json:"max_file_size"`
	} `json:"scope"`
	Anonymization struct {
		DefaultAction  string `json:"default_action"`
		PreserveFormat bool   `json:"preserve_format"`
		AuditTrail     bool   `json:"audit_trail"`
	} `json:"anonymization"`
}

// ParseDocument validates a YAML or JSON policy document and flattens it
// into an immutable rule table. Every failure is a PolicyValidationError.
func ParseDocument(id uuid.UUID, raw []byte) (*entity.Policy, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, common.PolicyValidationError("policy document is empty", nil)
	}

	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, common.PolicyValidationError("policy document is not valid YAML/JSON", err)
	}
	// Round-trip through JSON so the validator sees json.Unmarshal shapes (float64, map[string]any).
	normalized, err := json.Marshal(generic)
	if err != nil {
		return nil, common.PolicyValidationError("policy document has non-string keys", err)
	}
	var value any
	if err := json.Unmarshal(normalized, &value); err != nil {
		return nil, common.PolicyValidationError("normalize policy document", err)
	}

	schema, err := documentSchema()
	if err != nil {
		return nil, common.PolicyValidationError("policy schema unavailable", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, common.PolicyValidationError("policy document does not match schema", err)
	}

	var doc document
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return nil, common.PolicyValidationError("decode policy document", err)
	}
	return fromDocument(id, doc)
}

func fromDocument(id uuid.UUID, doc document) (*entity.Policy, error) {
	p := entity.Policy{
		ID:             id,
		Name:           strings.TrimSpace(doc.Name),
		Version:        versionString(doc.Version),
		Description:    doc.Description,
		PreserveFormat: doc.Anonymization.PreserveFormat,
		AuditTrail:     doc.Anonymization.AuditTrail,
	}

	seen := make(map[constants.EntityType]struct{}, len(doc.Detection.Entities))
	for i, e := range doc.Detection.Entities {
		t := constants.CanonicalEntityType(e.Type)
		if _, dup := seen[t]; dup {
			return nil, common.PolicyValidationError(fmt.Sprintf("detection.entities[%d]: duplicate rule for %s", i, t), nil)
		}
		seen[t] = struct{}{}

		action, ok := constants.ParseAction(e.Action)
		if !ok {
			return nil, common.PolicyValidationError(fmt.Sprintf("detection.entities[%d]: unknown action %q", i, e.Action), nil)
		}
		p.Rules = append(p.Rules, entity.PolicyRule{
			EntityType:          t,
			ConfidenceThreshold: e.ConfidenceThreshold,
			Action:              action,
			Replacement:         e.Replacement,
			Mask:                e.Mask,
		})
	}

	if d := strings.TrimSpace(doc.Anonymization.DefaultAction); d != "" {
		action, ok := constants.ParseAction(d)
		if !ok {
			return nil, common.PolicyValidationError(fmt.Sprintf("anonymization.default_action: unknown action %q", d), nil)
		}
		p.DefaultAction = &action
	}

	for _, ft := range doc.Scope.FileTypes {
		p.Scope.FileTypes = append(p.Scope.FileTypes, strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ft), ".")))
	}
	if s := strings.TrimSpace(doc.Scope.MaxFileSize); s != "" {
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return nil, common.PolicyValidationError(fmt.Sprintf("scope.max_file_size: %q is not a size", s), err)
		}
		p.Scope.MaxFileSize = int64(n)
	}

	return entity.NewPolicy(p), nil
}

func versionString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// CheckEntityTypes rejects rules naming entity types outside known. It runs
// when a policy is published, never at job time.
func CheckEntityTypes(p *entity.Policy, known []string) error {
	allowed := make(map[string]struct{}, len(known))
	for _, k := range known {
		allowed[k] = struct{}{}
	}
	var unknown []string
	for _, r := range p.Rules {
		if _, ok := allowed[string(r.EntityType)]; !ok {
			unknown = append(unknown, string(r.EntityType))
		}
	}
	if len(unknown) > 0 {
		return common.PolicyValidationError("unknown entity types: "+strings.Join(unknown, ", "), nil)
	}
	return nil
}
