package repository

import (
	"context"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

var policyColumns = []string{"id", "name", "version", "document", "created_at"}

type policyRepo struct {
	db  *DB
	log *zap.SugaredLogger
}

func (r *policyRepo) Create(ctx context.Context, rec *entity.PolicyRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	q := r.db.builder().Insert(tablePolicies).Columns(policyColumns...).
		Values(rec.ID, rec.Name, rec.Version, rec.Document, rec.CreatedAt)
	if _, err := r.db.exec(ctx, r.db.drv, q); err != nil {
		r.log.Errorw("policy.create.failed", "name", rec.Name, "version", rec.Version, "err", err)
		return err
	}
	r.log.Infow("policy.published", "policy_id", rec.ID, "name", rec.Name, "version", rec.Version)
	return nil
}

func (r *policyRepo) one(ctx context.Context, p *entsql.Predicate) (*entity.PolicyRecord, error) {
	b := r.db.builder()
	q := b.Select(policyColumns...).From(b.Table(tablePolicies)).Where(p).
		OrderBy(entsql.Desc("created_at")).Limit(1)
	var out *entity.PolicyRecord
	err := r.db.query(ctx, r.db.drv, q, func(rows *entsql.Rows) error {
		var rec entity.PolicyRecord
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Version, &rec.Document, &rec.CreatedAt); err != nil {
			return err
		}
		out = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: policy", common.ErrNotFound)
	}
	return out, nil
}

func (r *policyRepo) Get(ctx context.Context, id uuid.UUID) (*entity.PolicyRecord, error) {
	return r.one(ctx, entsql.EQ("id", id))
}

// Latest returns the most recently published version of a named policy.
func (r *policyRepo) Latest(ctx context.Context, name string) (*entity.PolicyRecord, error) {
	return r.one(ctx, entsql.EQ("name", name))
}
