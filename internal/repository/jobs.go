package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

var jobColumns = []string{
	"id", "dataset_id", "policy_id", "type", "status", "priority", "progress", "attempt",
	"error_message", "partial", "cancel_requested", "created_at", "started_at", "ended_at", "updated_at",
}

type jobRepo struct {
	db  *DB
	log *zap.SugaredLogger
}

func (r *jobRepo) Create(ctx context.Context, job *entity.Job) error {
	now := time.Now().UTC()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = constants.JobStatusQueued
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}

	q := r.db.builder().Insert(tableJobs).Columns(jobColumns...).Values(
		job.ID, job.DatasetID, job.PolicyID, string(job.Type), string(job.Status), job.Priority, job.Progress, job.Attempt,
		job.ErrorMessage, job.Partial, job.CancelRequested, job.CreatedAt, job.StartedAt, job.EndedAt, job.UpdatedAt,
	)
	if _, err := r.db.exec(ctx, r.db.drv, q); err != nil {
		r.log.Errorw("job.create.failed", "job_id", job.ID, "err", err)
		return err
	}
	r.log.Infow("job.created", "job_id", job.ID, "dataset_id", job.DatasetID, "type", job.Type, "priority", job.Priority)
	return nil
}

func scanJob(rows *entsql.Rows) (*entity.Job, error) {
	var j entity.Job
	var typ, status string
	err := rows.Scan(
		&j.ID, &j.DatasetID, &j.PolicyID, &typ, &status, &j.Priority, &j.Progress, &j.Attempt,
		&j.ErrorMessage, &j.Partial, &j.CancelRequested, &j.CreatedAt, &j.StartedAt, &j.EndedAt, &j.UpdatedAt,
	)
	j.Type = constants.JobType(typ)
	j.Status = constants.JobStatus(status)
	return &j, err
}

func (r *jobRepo) list(ctx context.Context, p *entsql.Predicate, order string, limit int) ([]*entity.Job, error) {
	b := r.db.builder()
	q := b.Select(jobColumns...).From(b.Table(tableJobs)).Where(p).OrderBy(order)
	if limit > 0 {
		q.Limit(limit)
	}
	var out []*entity.Job
	err := r.db.query(ctx, r.db.drv, q, func(rows *entsql.Rows) error {
		j, err := scanJob(rows)
		if err == nil {
			out = append(out, j)
		}
		return err
	})
	return out, err
}

func (r *jobRepo) Get(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	jobs, err := r.list(ctx, entsql.EQ("id", id), "id", 1)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: job %s", common.ErrNotFound, id)
	}
	return jobs[0], nil
}

func (r *jobRepo) Transition(ctx context.Context, id uuid.UUID, cond JobCondition, upd entity.JobUpdate) (*entity.Job, error) {
	q := r.db.builder().Update(tableJobs).Set("updated_at", time.Now().UTC())
	if upd.Status != nil {
		q.Set("status", string(*upd.Status))
	}
	if upd.Progress != nil {
		q.Set("progress", *upd.Progress)
	}
	if upd.Attempt != nil {
		q.Set("attempt", *upd.Attempt)
	}
	switch {
	case upd.ErrorMessage != nil:
		q.Set("error_message", *upd.ErrorMessage)
	case upd.ClearError:
		q.SetNull("error_message")
	}
	if upd.Partial != nil {
		q.Set("partial", *upd.Partial)
	}
	if upd.CancelRequested != nil {
		q.Set("cancel_requested", *upd.CancelRequested)
	}
	if upd.StartedAt != nil {
		q.Set("started_at", upd.StartedAt.UTC())
	}
	if upd.EndedAt != nil {
		q.Set("ended_at", upd.EndedAt.UTC())
	}

	preds := []*entsql.Predicate{entsql.EQ("id", id)}
	if len(cond.Statuses) > 0 {
		statuses := make([]any, len(cond.Statuses))
		for i, s := range cond.Statuses {
			statuses[i] = string(s)
		}
		preds = append(preds, entsql.In("status", statuses...))
	}
	if cond.Attempt > 0 {
		preds = append(preds, entsql.EQ("attempt", cond.Attempt))
	}
	q.Where(entsql.And(preds...))

	res, err := r.db.exec(ctx, r.db.drv, q)
	if err != nil {
		r.log.Errorw("job.update.failed", "job_id", id, "err", err)
		return nil, err
	}
	n, _ := res.RowsAffected()
	job, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return job, fmt.Errorf("%w: job %s is %s (attempt %d)", common.ErrInvalidTransition, id, job.Status, job.Attempt)
	}
	if upd.Status != nil {
		r.log.Infow("job.transition", "job_id", id, "status", job.Status, "attempt", job.Attempt)
	}
	return job, nil
}

func (r *jobRepo) ListByDataset(ctx context.Context, datasetID uuid.UUID) ([]*entity.Job, error) {
	return r.list(ctx, entsql.EQ("dataset_id", datasetID), "created_at", 0)
}

func (r *jobRepo) ListStale(ctx context.Context, before time.Time, limit int) ([]*entity.Job, error) {
	return r.list(ctx, entsql.And(
		entsql.EQ("status", string(constants.JobStatusRunning)),
		entsql.LT("updated_at", before.UTC()),
	), "updated_at", limit)
}

// IsInvalidTransition reports whether err came from a failed job guard.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, common.ErrInvalidTransition)
}
