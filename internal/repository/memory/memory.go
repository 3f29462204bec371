// Package memory keeps every repository in process memory. It backs the
// one-shot CLI and the pipeline tests and follows the SQL repositories'
// semantics, including guarded job transitions and monotonic dataset status.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
	"github.com/joseph-ayodele/pii-anonymizer/internal/repository"
)

// Store holds all tables behind one lock.
type Store struct {
	mu         sync.Mutex
	datasets   map[uuid.UUID]entity.Dataset
	jobs       map[uuid.UUID]entity.Job
	policies   map[uuid.UUID]entity.PolicyRecord
	findings   []entity.Finding
	operations []entity.AnonymizationOperation
	artifacts  []entity.Artifact
	now        func() time.Time
}

func NewStore() *Store {
	return &Store{
		datasets: map[uuid.UUID]entity.Dataset{},
		jobs:     map[uuid.UUID]entity.Job{},
		policies: map[uuid.UUID]entity.PolicyRecord{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Repositories exposes the store through the repository interfaces.
func (s *Store) Repositories() *repository.Repositories {
	return &repository.Repositories{
		Datasets:   datasets{s},
		Jobs:       jobs{s},
		Findings:   findings{s},
		Operations: operations{s},
		Policies:   policies{s},
		Artifacts:  artifacts{s},
	}
}

// New returns in-memory repositories over a fresh store.
func New() *repository.Repositories {
	return NewStore().Repositories()
}

type datasets struct{ s *Store }

func (r datasets) Create(_ context.Context, ds *entity.Dataset) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	if _, dup := s.datasets[ds.ID]; dup {
		return fmt.Errorf("%w: duplicate dataset id", common.ErrDatabase)
	}
	for _, other := range s.datasets {
		if len(ds.ContentHash) > 0 && bytes.Equal(other.ContentHash, ds.ContentHash) {
			return fmt.Errorf("%w: duplicate content hash", common.ErrDatabase)
		}
	}
	now := s.now()
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = now
	}
	ds.UpdatedAt = now
	if ds.Status == "" {
		ds.Status = constants.DatasetStatusUploaded
	}
	s.datasets[ds.ID] = *ds
	return nil
}

func (r datasets) Get(_ context.Context, id uuid.UUID) (*entity.Dataset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ds, ok := r.s.datasets[id]
	if !ok {
		return nil, fmt.Errorf("%w: dataset %s", common.ErrNotFound, id)
	}
	return &ds, nil
}

func (r datasets) GetByContentHash(_ context.Context, hash []byte) (*entity.Dataset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, ds := range r.s.datasets {
		if bytes.Equal(ds.ContentHash, hash) {
			return &ds, nil
		}
	}
	return nil, fmt.Errorf("%w: dataset", common.ErrNotFound)
}

func (r datasets) BeginRun(_ context.Context, id uuid.UUID) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[id]
	if !ok {
		return 0, fmt.Errorf("%w: dataset %s", common.ErrNotFound, id)
	}
	ds.RunSeq++
	ds.UpdatedAt = s.now()
	s.datasets[id] = ds
	return ds.RunSeq, nil
}

func (r datasets) SetStatusIfCurrent(_ context.Context, id uuid.UUID, status constants.DatasetStatus, seq int64) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[id]
	if !ok || ds.RunSeq != seq || ds.StatusSeq > seq {
		return false, nil
	}
	ds.Status = status
	ds.StatusSeq = seq
	ds.UpdatedAt = s.now()
	s.datasets[id] = ds
	return true, nil
}

func (r datasets) SetExtraction(_ context.Context, id uuid.UUID, seq int64, method constants.ExtractionMethod, confidence float64) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[id]
	if !ok || ds.RunSeq != seq {
		return nil
	}
	m := string(method)
	ds.ExtractionMethod = &m
	ds.ExtractionConfidence = &confidence
	ds.UpdatedAt = s.now()
	s.datasets[id] = ds
	return nil
}

type jobs struct{ s *Store }

func (r jobs) Create(_ context.Context, job *entity.Job) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := s.now()
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
	s.jobs[job.ID] = *job
	return nil
}

func (r jobs) Get(_ context.Context, id uuid.UUID) (*entity.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", common.ErrNotFound, id)
	}
	return &j, nil
}

func (r jobs) Transition(_ context.Context, id uuid.UUID, cond repository.JobCondition, upd entity.JobUpdate) (*entity.Job, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", common.ErrNotFound, id)
	}
	if (len(cond.Statuses) > 0 && !slices.Contains(cond.Statuses, j.Status)) ||
		(cond.Attempt > 0 && cond.Attempt != j.Attempt) {
		cur := j
		return &cur, fmt.Errorf("%w: job %s is %s (attempt %d)", common.ErrInvalidTransition, id, j.Status, j.Attempt)
	}

	if upd.Status != nil {
		j.Status = *upd.Status
	}
	if upd.Progress != nil {
		j.Progress = *upd.Progress
	}
	if upd.Attempt != nil {
		j.Attempt = *upd.Attempt
	}
	switch {
	case upd.ErrorMessage != nil:
		msg := *upd.ErrorMessage
		j.ErrorMessage = &msg
	case upd.ClearError:
		j.ErrorMessage = nil
	}
	if upd.Partial != nil {
		j.Partial = *upd.Partial
	}
	if upd.CancelRequested != nil {
		j.CancelRequested = *upd.CancelRequested
	}
	if upd.StartedAt != nil {
		t := upd.StartedAt.UTC()
		j.StartedAt = &t
	}
	if upd.EndedAt != nil {
		t := upd.EndedAt.UTC()
		j.EndedAt = &t
	}
	j.UpdatedAt = s.now()
	s.jobs[id] = j
	return &j, nil
}

func (r jobs) ListByDataset(_ context.Context, datasetID uuid.UUID) ([]*entity.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*entity.Job
	for _, j := range r.s.jobs {
		if j.DatasetID == datasetID {
			j := j
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (r jobs) ListStale(_ context.Context, before time.Time, limit int) ([]*entity.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*entity.Job
	for _, j := range r.s.jobs {
		if j.Status == constants.JobStatusRunning && j.UpdatedAt.Before(before) {
			j := j
			out = append(out, &j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type findings struct{ s *Store }

func (r findings) InsertFindings(_ context.Context, fs []entity.Finding) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for i := range fs {
		if fs[i].ID == uuid.Nil {
			fs[i].ID = uuid.New()
		}
		if fs[i].CreatedAt.IsZero() {
			fs[i].CreatedAt = now
		}
		f := fs[i]
		if f.AnonymizedText != nil {
			v := *f.AnonymizedText
			f.AnonymizedText = &v
		}
		s.findings = append(s.findings, f)
	}
	return nil
}

func (r findings) ListFindings(_ context.Context, jobID uuid.UUID, attempt int) ([]entity.Finding, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []entity.Finding
	for _, f := range r.s.findings {
		if f.JobID == jobID && f.Attempt == attempt {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Start != out[b].Start {
			return out[a].Start < out[b].Start
		}
		return out[a].End < out[b].End
	})
	return out, nil
}

type operations struct{ s *Store }

func (r operations) InsertOperations(_ context.Context, ops []entity.AnonymizationOperation) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uuid.UUID]struct{}, len(s.operations))
	for _, op := range s.operations {
		seen[op.FindingID] = struct{}{}
	}
	for _, op := range ops {
		if _, dup := seen[op.FindingID]; dup {
			return fmt.Errorf("%w: finding %s already has an operation", common.ErrDatabase, op.FindingID)
		}
		seen[op.FindingID] = struct{}{}
	}
	for i := range ops {
		if ops[i].ID == uuid.Nil {
			ops[i].ID = uuid.New()
		}
		s.operations = append(s.operations, ops[i])
	}
	return nil
}

func (r operations) ListOperations(_ context.Context, jobID uuid.UUID, attempt int) ([]entity.AnonymizationOperation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []entity.AnonymizationOperation
	for _, op := range r.s.operations {
		if op.JobID == jobID && op.Attempt == attempt {
			out = append(out, op)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Start < out[b].Start })
	return out, nil
}

type policies struct{ s *Store }

func (r policies) Create(_ context.Context, rec *entity.PolicyRecord) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.Name == rec.Name && p.Version == rec.Version {
			return fmt.Errorf("%w: policy %s version %s exists", common.ErrDatabase, rec.Name, rec.Version)
		}
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.policies[rec.ID] = *rec
	return nil
}

func (r policies) Get(_ context.Context, id uuid.UUID) (*entity.PolicyRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.policies[id]
	if !ok {
		return nil, fmt.Errorf("%w: policy %s", common.ErrNotFound, id)
	}
	return &p, nil
}

func (r policies) Latest(_ context.Context, name string) (*entity.PolicyRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *entity.PolicyRecord
	for _, p := range r.s.policies {
		if p.Name != name {
			continue
		}
		if best == nil || p.CreatedAt.After(best.CreatedAt) {
			p := p
			best = &p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: policy %s", common.ErrNotFound, name)
	}
	return best, nil
}

type artifacts struct{ s *Store }

func (r artifacts) CreateArtifact(_ context.Context, a *entity.Artifact) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	s.artifacts = append(s.artifacts, *a)
	return nil
}

func (r artifacts) ListArtifacts(_ context.Context, jobID uuid.UUID, attempt int) ([]entity.Artifact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []entity.Artifact
	for _, a := range r.s.artifacts {
		if a.JobID == jobID && a.Attempt == attempt {
			out = append(out, a)
		}
	}
	return out, nil
}
