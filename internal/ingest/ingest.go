package ingest

import (
	"context"
	"time"

	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

// IngestionResult is the per-file ingest outcome.
type IngestionResult struct {
	SourcePath   string
	Dataset      *entity.Dataset
	Deduplicated bool
	HashHex      string
	UploadedAt   time.Time
	Err          string
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned      uint32
	Matched      uint32
	Succeeded    uint32
	Deduplicated uint32
	Failed       uint32
}

// Ingestor turns files into datasets ready to be queued.
type Ingestor interface {
	// IngestPath ingests a single file from disk.
	IngestPath(ctx context.Context, path string) (IngestionResult, error)
	// IngestBytes ingests an upload that is already in memory.
	IngestBytes(ctx context.Context, filename string, data []byte) (IngestionResult, error)
	// IngestDirectory ingests all supported files under root.
	IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]IngestionResult, DirStats, error)
}
