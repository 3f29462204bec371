package policy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

// Store is the persistence the publisher needs.
type Store interface {
	Create(ctx context.Context, rec *entity.PolicyRecord) error
}

// Publish validates an authored document, rejects unknown entity types and
// stores it as a new immutable policy version.
func Publish(ctx context.Context, store Store, raw []byte) (*entity.PolicyRecord, *entity.Policy, error) {
	id := uuid.New()
	p, err := ParseDocument(id, raw)
	if err != nil {
		return nil, nil, err
	}
	if err := CheckEntityTypes(p, constants.KnownEntityTypes()); err != nil {
		return nil, nil, err
	}
	rec := &entity.PolicyRecord{
		ID:        id,
		Name:      p.Name,
		Version:   p.Version,
		Document:  append([]byte(nil), raw...),
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Create(ctx, rec); err != nil {
		return nil, nil, err
	}
	return rec, p, nil
}
