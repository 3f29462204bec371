package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
)

// Dataset represents one uploaded file and its processing record.
type Dataset struct {
	ID                   uuid.UUID               `json:"id"`
	Filename             string                  `json:"filename"`
	FileExt              string                  `json:"file_ext"`
	MimeType             string                  `json:"mime_type"`
	Size                 int64                   `json:"size"`
	ContentHash          []byte                  `json:"content_hash"`
	StorageKey           string                  `json:"storage_key"`
	ExtractionMethod     *string                 `json:"extraction_method,omitempty"`
	ExtractionConfidence *float64                `json:"extraction_confidence,omitempty"`
	Status               constants.DatasetStatus `json:"status"`
	// StatusSeq is the run sequence of the attempt that last wrote Status.
	StatusSeq int64 `json:"status_seq"`
	// RunSeq is bumped every time an attempt starts against this dataset.
	RunSeq    int64     `json:"run_seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
