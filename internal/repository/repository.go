package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

type DatasetRepository interface {
	Create(ctx context.Context, ds *entity.Dataset) error
	Get(ctx context.Context, id uuid.UUID) (*entity.Dataset, error)
	GetByContentHash(ctx context.Context, hash []byte) (*entity.Dataset, error)
	// BeginRun assigns the next run sequence to an attempt starting on the dataset.
	BeginRun(ctx context.Context, id uuid.UUID) (int64, error)
	// SetStatusIfCurrent writes status only while seq is still the latest run,
	// so an older attempt finishing late cannot regress the dataset.
	SetStatusIfCurrent(ctx context.Context, id uuid.UUID, status constants.DatasetStatus, seq int64) (bool, error)
	SetExtraction(ctx context.Context, id uuid.UUID, seq int64, method constants.ExtractionMethod, confidence float64) error
}

// JobCondition guards a job update. Empty Statuses matches any status; a
// zero Attempt matches any attempt.
type JobCondition struct {
	Statuses []constants.JobStatus
	Attempt  int
}

type JobRepository interface {
	Create(ctx context.Context, job *entity.Job) error
	Get(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	// Transition applies upd when cond holds and returns the updated job. It
	// returns common.ErrInvalidTransition when the job exists but cond fails.
	Transition(ctx context.Context, id uuid.UUID, cond JobCondition, upd entity.JobUpdate) (*entity.Job, error)
	ListByDataset(ctx context.Context, datasetID uuid.UUID) ([]*entity.Job, error)
	// ListStale returns RUNNING jobs whose last write is older than before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*entity.Job, error)
}

type FindingRepository interface {
	InsertFindings(ctx context.Context, findings []entity.Finding) error
	ListFindings(ctx context.Context, jobID uuid.UUID, attempt int) ([]entity.Finding, error)
}

type OperationRepository interface {
	InsertOperations(ctx context.Context, ops []entity.AnonymizationOperation) error
	ListOperations(ctx context.Context, jobID uuid.UUID, attempt int) ([]entity.AnonymizationOperation, error)
}

type PolicyRepository interface {
	Create(ctx context.Context, rec *entity.PolicyRecord) error
	Get(ctx context.Context, id uuid.UUID) (*entity.PolicyRecord, error)
	Latest(ctx context.Context, name string) (*entity.PolicyRecord, error)
}

type ArtifactRepository interface {
	CreateArtifact(ctx context.Context, a *entity.Artifact) error
	ListArtifacts(ctx context.Context, jobID uuid.UUID, attempt int) ([]entity.Artifact, error)
}

// Repositories bundles every store the pipeline touches.
type Repositories struct {
	Datasets   DatasetRepository
	Jobs       JobRepository
	Findings   FindingRepository
	Operations OperationRepository
	Policies   PolicyRepository
	Artifacts  ArtifactRepository
}

// New returns SQL-backed repositories over db.
func New(db *DB, logger *zap.SugaredLogger) *Repositories {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Repositories{
		Datasets:   &datasetRepo{db: db, log: logger.Named("datasets")},
		Jobs:       &jobRepo{db: db, log: logger.Named("jobs")},
		Findings:   &findingRepo{db: db, log: logger.Named("findings")},
		Operations: &operationRepo{db: db, log: logger.Named("operations")},
		Policies:   &policyRepo{db: db, log: logger.Named("policies")},
		Artifacts:  &artifactRepo{db: db, log: logger.Named("artifacts")},
	}
}
