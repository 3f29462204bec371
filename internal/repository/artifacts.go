package repository

import (
	"context"
	"encoding/json"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

var artifactColumns = []string{
	"id", "dataset_id", "job_id", "attempt", "format", "object_key", "content_type", "size", "sha256", "metadata", "created_at",
}

type artifactRepo struct {
	db  *DB
	log *zap.SugaredLogger
}

func (r *artifactRepo) CreateArtifact(ctx context.Context, a *entity.Artifact) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var meta []byte
	if a.Metadata != nil {
		b, err := json.Marshal(a.Metadata)
		if err != nil {
			return err
		}
		meta = b
	}
	q := r.db.builder().Insert(tableArtifacts).Columns(artifactColumns...).Values(
		a.ID, a.DatasetID, a.JobID, a.Attempt, string(a.Format), a.ObjectKey, a.ContentType, a.Size, a.SHA256, meta, a.CreatedAt,
	)
	if _, err := r.db.exec(ctx, r.db.drv, q); err != nil {
		r.log.Errorw("artifact.create.failed", "job_id", a.JobID, "format", a.Format, "err", err)
		return err
	}
	return nil
}

func (r *artifactRepo) ListArtifacts(ctx context.Context, jobID uuid.UUID, attempt int) ([]entity.Artifact, error) {
	b := r.db.builder()
	q := b.Select(artifactColumns...).From(b.Table(tableArtifacts)).
		Where(entsql.And(entsql.EQ("job_id", jobID), entsql.EQ("attempt", attempt))).
		OrderBy("created_at")
	var out []entity.Artifact
	err := r.db.query(ctx, r.db.drv, q, func(rows *entsql.Rows) error {
		var a entity.Artifact
		var format string
		var meta []byte
		if err := rows.Scan(&a.ID, &a.DatasetID, &a.JobID, &a.Attempt, &format, &a.ObjectKey, &a.ContentType,
			&a.Size, &a.SHA256, &meta, &a.CreatedAt); err != nil {
			return err
		}
		a.Format = constants.OutputFormat(format)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &a.Metadata); err != nil {
				return err
			}
		}
		out = append(out, a)
		return nil
	})
	return out, err
}
