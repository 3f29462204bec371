package repository

import (
	"context"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

// insertBatch bounds the rows per INSERT statement.
const insertBatch = 200

var findingColumns = []string{
	"id", "dataset_id", "job_id", "attempt", "entity_type", "start_offset", "end_offset", "text",
	"confidence", "context", "acted_upon", "action", "decision_reason", "anonymized_text", "created_at",
}

var operationColumns = []string{
	"id", "finding_id", "job_id", "attempt", "entity_type", "action", "start_offset", "end_offset",
	"original_text", "anonymized_text", "applied_at",
}

type findingRepo struct {
	db  *DB
	log *zap.SugaredLogger
}

// InsertFindings appends the findings of one attempt. Rows are never updated.
func (r *findingRepo) InsertFindings(ctx context.Context, findings []entity.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	now := time.Now().UTC()
	err := r.db.withTx(ctx, func(tx dialect.Tx) error {
		for start := 0; start < len(findings); start += insertBatch {
			end := min(start+insertBatch, len(findings))
			q := r.db.builder().Insert(tableFindings).Columns(findingColumns...)
			for i := start; i < end; i++ {
				f := &findings[i]
				if f.ID == uuid.Nil {
					f.ID = uuid.New()
				}
				if f.CreatedAt.IsZero() {
					f.CreatedAt = now
				}
				q.Values(f.ID, f.DatasetID, f.JobID, f.Attempt, string(f.EntityType), f.Start, f.End, f.Text,
					f.Confidence, f.Context, f.ActedUpon, string(f.Action), f.DecisionReason, f.AnonymizedText, f.CreatedAt)
			}
			if _, err := r.db.exec(ctx, tx, q); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.log.Errorw("findings.insert.failed", "job_id", findings[0].JobID, "count", len(findings), "err", err)
		return err
	}
	r.log.Infow("findings.inserted", "job_id", findings[0].JobID, "attempt", findings[0].Attempt, "count", len(findings))
	return nil
}

func (r *findingRepo) ListFindings(ctx context.Context, jobID uuid.UUID, attempt int) ([]entity.Finding, error) {
	b := r.db.builder()
	q := b.Select(findingColumns...).From(b.Table(tableFindings)).
		Where(entsql.And(entsql.EQ("job_id", jobID), entsql.EQ("attempt", attempt))).
		OrderBy("start_offset", "end_offset")
	var out []entity.Finding
	err := r.db.query(ctx, r.db.drv, q, func(rows *entsql.Rows) error {
		var f entity.Finding
		var typ, action string
		if err := rows.Scan(&f.ID, &f.DatasetID, &f.JobID, &f.Attempt, &typ, &f.Start, &f.End, &f.Text,
			&f.Confidence, &f.Context, &f.ActedUpon, &action, &f.DecisionReason, &f.AnonymizedText, &f.CreatedAt); err != nil {
			return err
		}
		f.EntityType = constants.EntityType(typ)
		f.Action = constants.Action(action)
		out = append(out, f)
		return nil
	})
	return out, err
}

type operationRepo struct {
	db  *DB
	log *zap.SugaredLogger
}

// InsertOperations appends applied operations. A finding can be acted on once.
func (r *operationRepo) InsertOperations(ctx context.Context, ops []entity.AnonymizationOperation) error {
	if len(ops) == 0 {
		return nil
	}
	err := r.db.withTx(ctx, func(tx dialect.Tx) error {
		for start := 0; start < len(ops); start += insertBatch {
			end := min(start+insertBatch, len(ops))
			q := r.db.builder().Insert(tableOperations).Columns(operationColumns...)
			for i := start; i < end; i++ {
				op := &ops[i]
				if op.ID == uuid.Nil {
					op.ID = uuid.New()
				}
				q.Values(op.ID, op.FindingID, op.JobID, op.Attempt, string(op.EntityType), string(op.Action),
					op.Start, op.End, op.OriginalText, op.AnonymizedText, op.AppliedAt.UTC())
			}
			if _, err := r.db.exec(ctx, tx, q); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.log.Errorw("operations.insert.failed", "job_id", ops[0].JobID, "count", len(ops), "err", err)
		return err
	}
	r.log.Infow("operations.inserted", "job_id", ops[0].JobID, "attempt", ops[0].Attempt, "count", len(ops))
	return nil
}

func (r *operationRepo) ListOperations(ctx context.Context, jobID uuid.UUID, attempt int) ([]entity.AnonymizationOperation, error) {
	b := r.db.builder()
	q := b.Select(operationColumns...).From(b.Table(tableOperations)).
		Where(entsql.And(entsql.EQ("job_id", jobID), entsql.EQ("attempt", attempt))).
		OrderBy("start_offset")
	var out []entity.AnonymizationOperation
	err := r.db.query(ctx, r.db.drv, q, func(rows *entsql.Rows) error {
		var op entity.AnonymizationOperation
		var typ, action string
		if err := rows.Scan(&op.ID, &op.FindingID, &op.JobID, &op.Attempt, &typ, &action,
			&op.Start, &op.End, &op.OriginalText, &op.AnonymizedText, &op.AppliedAt); err != nil {
			return err
		}
		op.EntityType = constants.EntityType(typ)
		op.Action = constants.Action(action)
		out = append(out, op)
		return nil
	})
	return out, err
}
