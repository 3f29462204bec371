package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
)

// Finding is one detected PII occurrence. Start and End are character
// offsets into the extracted text, End exclusive.
type Finding struct {
	ID             uuid.UUID            `json:"id"`
	DatasetID      uuid.UUID            `json:"dataset_id"`
	JobID          uuid.UUID            `json:"job_id"`
	Attempt        int                  `json:"attempt"`
	EntityType     constants.EntityType `json:"entity_type"`
	Start          int                  `json:"start"`
	End            int                  `json:"end"`
	Text           string               `json:"-"`
	Confidence     float64              `json:"confidence"`
	Context        string               `json:"-"`
	ActedUpon      bool                 `json:"acted_upon"`
	Action         constants.Action     `json:"action,omitempty"`
	DecisionReason string               `json:"decision_reason"`
	AnonymizedText *string              `json:"anonymized_text,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// Overlaps reports whether two findings share at least one character.
func (f Finding) Overlaps(o Finding) bool {
	return f.Start < o.End && o.Start < f.End
}

// AnonymizationOperation is one applied anonymization action.
type AnonymizationOperation struct {
	ID             uuid.UUID            `json:"id"`
	FindingID      uuid.UUID            `json:"finding_id"`
	JobID          uuid.UUID            `json:"job_id"`
	Attempt        int                  `json:"attempt"`
	EntityType     constants.EntityType `json:"entity_type"`
	Action         constants.Action     `json:"action"`
	Start          int                  `json:"start"`
	End            int                  `json:"end"`
	OriginalText   string               `json:"-"`
	AnonymizedText string               `json:"anonymized_text"`
	AppliedAt      time.Time            `json:"applied_at"`
}
