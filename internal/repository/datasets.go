package repository

import (
	"context"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

var datasetColumns = []string{
	"id", "filename", "file_ext", "mime_type", "size", "content_hash", "storage_key",
	"extraction_method", "extraction_confidence", "status", "status_seq", "run_seq",
	"created_at", "updated_at",
}

type datasetRepo struct {
	db  *DB
	log *zap.SugaredLogger
}

func (r *datasetRepo) Create(ctx context.Context, ds *entity.Dataset) error {
	now := time.Now().UTC()
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = now
	}
	ds.UpdatedAt = now
	if ds.Status == "" {
		ds.Status = constants.DatasetStatusUploaded
	}

	q := r.db.builder().Insert(tableDatasets).Columns(datasetColumns...).Values(
		ds.ID, ds.Filename, ds.FileExt, ds.MimeType, ds.Size, ds.ContentHash, ds.StorageKey,
		ds.ExtractionMethod, ds.ExtractionConfidence, string(ds.Status), ds.StatusSeq, ds.RunSeq,
		ds.CreatedAt, ds.UpdatedAt,
	)
	if _, err := r.db.exec(ctx, r.db.drv, q); err != nil {
		r.log.Errorw("dataset.create.failed", "dataset_id", ds.ID, "err", err)
		return err
	}
	r.log.Infow("dataset.created", "dataset_id", ds.ID, "file_ext", ds.FileExt, "size", ds.Size)
	return nil
}

func (r *datasetRepo) selectOne(ctx context.Context, conn dialect.ExecQuerier, p *entsql.Predicate) (*entity.Dataset, error) {
	b := r.db.builder()
	q := b.Select(datasetColumns...).From(b.Table(tableDatasets)).Where(p).Limit(1)
	var out *entity.Dataset
	err := r.db.query(ctx, conn, q, func(rows *entsql.Rows) error {
		ds, err := scanDataset(rows)
		out = ds
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: dataset", common.ErrNotFound)
	}
	return out, nil
}

func scanDataset(rows *entsql.Rows) (*entity.Dataset, error) {
	var ds entity.Dataset
	var status string
	err := rows.Scan(
		&ds.ID, &ds.Filename, &ds.FileExt, &ds.MimeType, &ds.Size, &ds.ContentHash, &ds.StorageKey,
		&ds.ExtractionMethod, &ds.ExtractionConfidence, &status, &ds.StatusSeq, &ds.RunSeq,
		&ds.CreatedAt, &ds.UpdatedAt,
	)
	ds.Status = constants.DatasetStatus(status)
	return &ds, err
}

func (r *datasetRepo) Get(ctx context.Context, id uuid.UUID) (*entity.Dataset, error) {
	return r.selectOne(ctx, r.db.drv, entsql.EQ("id", id))
}

func (r *datasetRepo) GetByContentHash(ctx context.Context, hash []byte) (*entity.Dataset, error) {
	return r.selectOne(ctx, r.db.drv, entsql.EQ("content_hash", hash))
}

func (r *datasetRepo) BeginRun(ctx context.Context, id uuid.UUID) (int64, error) {
	var seq int64
	err := r.db.withTx(ctx, func(tx dialect.Tx) error {
		upd := r.db.builder().Update(tableDatasets).
			Add("run_seq", 1).
			Set("updated_at", time.Now().UTC()).
			Where(entsql.EQ("id", id))
		res, err := r.db.exec(ctx, tx, upd)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: dataset %s", common.ErrNotFound, id)
		}
		ds, err := r.selectOne(ctx, tx, entsql.EQ("id", id))
		if err != nil {
			return err
		}
		seq = ds.RunSeq
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.log.Debugw("dataset.run.begin", "dataset_id", id, "run_seq", seq)
	return seq, nil
}

func (r *datasetRepo) SetStatusIfCurrent(ctx context.Context, id uuid.UUID, status constants.DatasetStatus, seq int64) (bool, error) {
	q := r.db.builder().Update(tableDatasets).
		Set("status", string(status)).
		Set("status_seq", seq).
		Set("updated_at", time.Now().UTC()).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.EQ("run_seq", seq),
			entsql.LTE("status_seq", seq),
		))
	res, err := r.db.exec(ctx, r.db.drv, q)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		r.log.Infow("dataset.status.stale", "dataset_id", id, "status", status, "seq", seq)
		return false, nil
	}
	return true, nil
}

func (r *datasetRepo) SetExtraction(ctx context.Context, id uuid.UUID, seq int64, method constants.ExtractionMethod, confidence float64) error {
	q := r.db.builder().Update(tableDatasets).
		Set("extraction_method", string(method)).
		Set("extraction_confidence", confidence).
		Set("updated_at", time.Now().UTC()).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("run_seq", seq)))
	_, err := r.db.exec(ctx, r.db.drv, q)
	return err
}
