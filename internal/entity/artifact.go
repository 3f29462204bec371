package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
)

// Artifact records one persisted output and its provenance.
type Artifact struct {
	ID          uuid.UUID              `json:"id"`
	DatasetID   uuid.UUID              `json:"dataset_id"`
	JobID       uuid.UUID              `json:"job_id"`
	Attempt     int                    `json:"attempt"`
	Format      constants.OutputFormat `json:"format"`
	ObjectKey   string                 `json:"object_key"`
	ContentType string                 `json:"content_type"`
	Size        int64                  `json:"size"`
	SHA256      string                 `json:"sha256"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}
