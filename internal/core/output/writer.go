package output

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

// ArtifactRecorder persists artifact provenance rows.
type ArtifactRecorder interface {
	CreateArtifact(ctx context.Context, a *entity.Artifact) error
}

// ObjectKey is where an attempt's artifact lives in the store.
func ObjectKey(datasetID, jobID uuid.UUID, attempt int, name string) string {
	return fmt.Sprintf("datasets/%s/jobs/%s/attempt-%d/%s", datasetID, jobID, attempt, name)
}

// Writer renders reports and persists them with provenance.
type Writer struct {
	store      Store
	recorder   ArtifactRecorder
	attempts   int
	retryDelay time.Duration
	logger     *zap.SugaredLogger
	clock      func() time.Time
}

type WriterOption func(*Writer)

// WithWriteAttempts sets how many times one artifact write is tried.
func WithWriteAttempts(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.attempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d >= 0 {
			w.retryDelay = d
		}
	}
}

func NewWriter(store Store, recorder ArtifactRecorder, logger *zap.SugaredLogger, opts ...WriterOption) *Writer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	w := &Writer{
		store:      store,
		recorder:   recorder,
		attempts:   2,
		retryDelay: 500 * time.Millisecond,
		logger:     logger,
		clock:      time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Write renders every requested format and stores it. Rendering problems
// (an unavailable format) are returned as is; storage problems are retried
// and then surface as OutputWriteError.
func (w *Writer) Write(ctx context.Context, r Report, formats []constants.OutputFormat) ([]entity.Artifact, error) {
	if r.Dataset == nil || r.Job == nil {
		return nil, fmt.Errorf("%w: report needs a dataset and a job", common.ErrInvalidInput)
	}
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = w.clock()
	}

	out := make([]entity.Artifact, 0, len(formats))
	for _, format := range formats {
		rd, err := render(format, r)
		if err != nil {
			return out, err
		}
		a := w.artifact(r, format, rd)
		if err := w.persist(ctx, a, rd); err != nil {
			return out, err
		}
		w.logger.Infow("output.artifact.written",
			"job_id", r.Job.ID, "attempt", r.Job.Attempt, "format", format,
			"key", a.ObjectKey, "size", humanize.Bytes(uint64(a.Size)))
		out = append(out, *a)
	}
	return out, nil
}

func (w *Writer) artifact(r Report, format constants.OutputFormat, rd rendered) *entity.Artifact {
	sum := sha256.Sum256(rd.data)
	meta := map[string]any{
		"job_type":   string(r.Job.Type),
		"operations": len(r.Operations),
		"findings":   len(r.Findings),
		"partial":    r.Partial,
	}
	if r.Policy != nil {
		meta["policy_name"] = r.Policy.Name
		meta["policy_version"] = r.Policy.Version
	}
	if r.Dataset.ExtractionMethod != nil {
		meta["extraction_method"] = *r.Dataset.ExtractionMethod
	}
	if r.Dataset.ExtractionConfidence != nil {
		meta["extraction_confidence"] = *r.Dataset.ExtractionConfidence
	}
	return &entity.Artifact{
		ID:          uuid.New(),
		DatasetID:   r.Dataset.ID,
		JobID:       r.Job.ID,
		Attempt:     r.Job.Attempt,
		Format:      format,
		ObjectKey:   ObjectKey(r.Dataset.ID, r.Job.ID, r.Job.Attempt, rd.name),
		ContentType: rd.contentType,
		Size:        int64(len(rd.data)),
		SHA256:      hex.EncodeToString(sum[:]),
		Metadata:    meta,
		CreatedAt:   r.GeneratedAt.UTC(),
	}
}

func (w *Writer) persist(ctx context.Context, a *entity.Artifact, rd rendered) error {
	var last error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		last = w.store.Put(ctx, a.ObjectKey, rd.contentType, rd.data)
		if last == nil && w.recorder != nil {
			last = w.recorder.CreateArtifact(ctx, a)
		}
		if last == nil {
			return nil
		}
		if errors.Is(last, context.Canceled) {
			return last
		}
		w.logger.Warnw("output.write.failed", "key", a.ObjectKey, "attempt", attempt, "err", last)
		if attempt < w.attempts && w.retryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.retryDelay):
			}
		}
	}
	return common.OutputWriteError(fmt.Sprintf("persist %s after %d attempts", a.Format, w.attempts), last)
}

// Fetch reads back a persisted artifact.
func (w *Writer) Fetch(ctx context.Context, a *entity.Artifact) ([]byte, error) {
	return w.store.Get(ctx, a.ObjectKey)
}
