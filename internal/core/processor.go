package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/anonymize"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/detect"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/extract"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/output"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/policy"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
	"github.com/joseph-ayodele/pii-anonymizer/internal/queue"
	"github.com/joseph-ayodele/pii-anonymizer/internal/repository"
)

// Progress checkpoints written after each stage.
const (
	ProgressExtracted  = 20
	ProgressDetected   = 45
	ProgressEvaluated  = 60
	ProgressAnonymized = 80
	ProgressWritten    = 95
	ProgressDone       = 100
)

// Processor owns the job lifecycle: it queues jobs, drives the pipeline
// stages for a worker and applies cancel and retry requests.
type Processor struct {
	logger   *zap.SugaredLogger
	repos    *repository.Repositories
	queue    queue.Queue
	store    output.Store
	selector *extract.Selector
	invoker  *detect.Invoker
	executor *anonymize.Executor
	writer   *output.Writer

	formats     []constants.OutputFormat
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	clock func() time.Time
}

type ProcessorOption func(*Processor)

// WithRetryPolicy sets the attempt maximum and the backoff curve.
func WithRetryPolicy(maxAttempts int, base, ceiling time.Duration) ProcessorOption {
	return func(p *Processor) {
		if maxAttempts > 0 {
			p.maxAttempts = maxAttempts
		}
		if base > 0 {
			p.backoffBase = base
		}
		if ceiling > 0 {
			p.backoffCap = ceiling
		}
	}
}

// WithOutputFormats sets the formats an ANONYMIZE job persists.
func WithOutputFormats(formats []constants.OutputFormat) ProcessorOption {
	return func(p *Processor) {
		if len(formats) > 0 {
			p.formats = formats
		}
	}
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ProcessorOption {
	return func(p *Processor) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.clock = now
		}
	}
}

func NewProcessor(
	logger *zap.SugaredLogger,
	repos *repository.Repositories,
	jobs queue.Queue,
	store output.Store,
	selector *extract.Selector,
	invoker *detect.Invoker,
	executor *anonymize.Executor,
	writer *output.Writer,
	opts ...ProcessorOption,
) *Processor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	p := &Processor{
		logger:      logger,
		repos:       repos,
		queue:       jobs,
		store:       store,
		selector:    selector,
		invoker:     invoker,
		executor:    executor,
		writer:      writer,
		formats:     []constants.OutputFormat{constants.FormatTXT, constants.FormatJSON, constants.FormatCSV},
		maxAttempts: 3,
		backoffBase: 2 * time.Second,
		backoffCap:  60 * time.Second,
		sleep:       sleepCtx,
		clock:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ParseFormats turns configured format names into output formats.
func ParseFormats(names []string) ([]constants.OutputFormat, error) {
	out := make([]constants.OutputFormat, 0, len(names))
	for _, n := range names {
		f, ok := constants.ParseOutputFormat(n)
		if !ok {
			return nil, common.UnsupportedFormatError(fmt.Sprintf("unknown output format %q", n))
		}
		out = append(out, f)
	}
	return out, nil
}

// MaxAttempts is the attempt ceiling for automatic and manual retries.
func (p *Processor) MaxAttempts() int { return p.maxAttempts }

// Backoff is the wait before the attempt after failed attempt n (1-based).
func (p *Processor) Backoff(n int) time.Duration {
	d := p.backoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.backoffCap {
			return p.backoffCap
		}
	}
	return min(d, p.backoffCap)
}

// Enqueue creates a QUEUED job for a dataset under a policy and hands it to
// the queue. Scope and file type problems fail here, before a job exists.
func (p *Processor) Enqueue(ctx context.Context, datasetID, policyID uuid.UUID, jobType constants.JobType, priority int) (*entity.Job, error) {
	if _, ok := constants.ParseJobType(string(jobType)); !ok {
		return nil, fmt.Errorf("%w: job type %q", common.ErrInvalidInput, jobType)
	}
	ds, err := p.repos.Datasets.Get(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	pol, err := p.loadPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if err := policy.CheckScope(pol, ds); err != nil {
		p.logger.Infow("processor.enqueue.out_of_scope", "dataset_id", ds.ID, "policy", pol.Name, "err", err)
		return nil, err
	}
	if _, err := p.selector.Plan(ds.FileExt); err != nil {
		return nil, err
	}

	job := &entity.Job{
		DatasetID: ds.ID,
		PolicyID:  policyID,
		Type:      jobType,
		Status:    constants.JobStatusQueued,
		Priority:  priority,
		Attempt:   1,
	}
	if err := p.repos.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := p.push(ctx, job); err != nil {
		p.failQueued(ctx, job, err)
		return nil, err
	}
	p.logger.Infow("processor.enqueued", "job_id", job.ID, "dataset_id", ds.ID, "type", jobType, "priority", priority)
	return job, nil
}

func (p *Processor) push(ctx context.Context, job *entity.Job) error {
	err := p.queue.Enqueue(ctx, queue.Job{
		JobID:       job.ID,
		DatasetID:   job.DatasetID,
		PolicyID:    job.PolicyID,
		Type:        job.Type,
		Attempt:     job.Attempt,
		Priority:    job.Priority,
		SubmittedAt: p.clock().UTC(),
		TraceID:     common.RequestIDFromContext(ctx),
	})
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// failQueued parks a job the queue refused as FAILED so it can be retried.
func (p *Processor) failQueued(ctx context.Context, job *entity.Job, cause error) {
	msg := cause.Error()
	failed := constants.JobStatusFailed
	now := p.clock().UTC()
	_, err := p.repos.Jobs.Transition(context.WithoutCancel(ctx), job.ID,
		repository.JobCondition{Statuses: []constants.JobStatus{constants.JobStatusQueued}, Attempt: job.Attempt},
		entity.JobUpdate{Status: &failed, ErrorMessage: &msg, EndedAt: &now})
	if err != nil {
		p.logger.Errorw("processor.enqueue.park_failed", "job_id", job.ID, "err", err)
	}
}

// Cancel requests cooperative cancellation. A QUEUED job is cancelled at
// once; a RUNNING job is flagged and halts at its next stage boundary.
func (p *Processor) Cancel(ctx context.Context, jobID uuid.UUID) (*entity.Job, error) {
	for range 3 {
		job, err := p.repos.Jobs.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		switch job.Status {
		case constants.JobStatusCancelled:
			return job, nil
		case constants.JobStatusQueued:
			cancelled := constants.JobStatusCancelled
			now := p.clock().UTC()
			job, err = p.repos.Jobs.Transition(ctx, jobID,
				repository.JobCondition{Statuses: []constants.JobStatus{constants.JobStatusQueued}},
				entity.JobUpdate{Status: &cancelled, EndedAt: &now})
		case constants.JobStatusRunning:
			flag := true
			job, err = p.repos.Jobs.Transition(ctx, jobID,
				repository.JobCondition{Statuses: []constants.JobStatus{constants.JobStatusRunning}},
				entity.JobUpdate{CancelRequested: &flag})
		default:
			return job, fmt.Errorf("%w: cannot cancel %s job %s", common.ErrInvalidTransition, job.Status, jobID)
		}
		if errors.Is(err, common.ErrInvalidTransition) {
			// The job moved between the read and the write; look again.
			continue
		}
		if err != nil {
			return nil, err
		}
		p.logger.Infow("processor.cancel.requested", "job_id", jobID, "status", job.Status)
		return job, nil
	}
	return nil, fmt.Errorf("%w: job %s kept changing state during cancel", common.ErrInvalidTransition, jobID)
}

// Retry moves a FAILED job back to QUEUED as a new attempt.
func (p *Processor) Retry(ctx context.Context, jobID uuid.UUID) (*entity.Job, error) {
	job, err := p.repos.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != constants.JobStatusFailed {
		return job, fmt.Errorf("%w: only FAILED jobs can be retried, job %s is %s", common.ErrInvalidTransition, jobID, job.Status)
	}
	if job.Attempt >= p.maxAttempts {
		return job, fmt.Errorf("%w: job %s used %d of %d attempts", common.ErrRetryExhausted, jobID, job.Attempt, p.maxAttempts)
	}

	queued := constants.JobStatusQueued
	next := job.Attempt + 1
	zero := 0
	no := false
	job, err = p.repos.Jobs.Transition(ctx, jobID,
		repository.JobCondition{Statuses: []constants.JobStatus{constants.JobStatusFailed}, Attempt: job.Attempt},
		entity.JobUpdate{Status: &queued, Attempt: &next, Progress: &zero, ClearError: true, Partial: &no, CancelRequested: &no})
	if err != nil {
		return nil, err
	}
	if err := p.push(ctx, job); err != nil {
		p.failQueued(ctx, job, err)
		return nil, err
	}
	p.logger.Infow("processor.retry.queued", "job_id", jobID, "attempt", next)
	return job, nil
}

// Requeue takes a RUNNING attempt away from a worker that is gone or was
// stopped. The job is queued again as a new attempt when attempts remain,
// otherwise it fails with cause as its error.
func (p *Processor) Requeue(ctx context.Context, job *entity.Job, cause error) (*entity.Job, error) {
	msg := cause.Error()
	cond := repository.JobCondition{Statuses: []constants.JobStatus{constants.JobStatusRunning}, Attempt: job.Attempt}

	if job.Attempt >= p.maxAttempts {
		failed := constants.JobStatusFailed
		now := p.clock().UTC()
		updated, err := p.repos.Jobs.Transition(ctx, job.ID, cond,
			entity.JobUpdate{Status: &failed, ErrorMessage: &msg, EndedAt: &now})
		if err != nil {
			return nil, err
		}
		p.logger.Warnw("processor.requeue.exhausted", "job_id", job.ID, "attempt", job.Attempt, "err", cause)
		return updated, nil
	}

	queued := constants.JobStatusQueued
	next := job.Attempt + 1
	zero := 0
	updated, err := p.repos.Jobs.Transition(ctx, job.ID, cond,
		entity.JobUpdate{Status: &queued, Attempt: &next, Progress: &zero, ErrorMessage: &msg})
	if err != nil {
		return nil, err
	}
	if err := p.push(ctx, updated); err != nil {
		p.failQueued(ctx, updated, err)
		return nil, err
	}
	p.logger.Warnw("processor.requeued", "job_id", job.ID, "attempt", next, "err", cause)
	return updated, nil
}

// Download returns the artifact persisted for a completed job in format.
func (p *Processor) Download(ctx context.Context, jobID uuid.UUID, format constants.OutputFormat) (*entity.Artifact, []byte, error) {
	f, ok := constants.ParseOutputFormat(string(format))
	if !ok {
		return nil, nil, common.UnsupportedFormatError(fmt.Sprintf("unknown output format %q", format))
	}
	job, err := p.repos.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != constants.JobStatusCompleted {
		return nil, nil, fmt.Errorf("%w: job %s is %s", common.ErrInvalidInput, jobID, job.Status)
	}
	artifacts, err := p.repos.Artifacts.ListArtifacts(ctx, jobID, job.Attempt)
	if err != nil {
		return nil, nil, err
	}
	for i := range artifacts {
		if artifacts[i].Format != f {
			continue
		}
		data, err := p.writer.Fetch(ctx, &artifacts[i])
		if err != nil {
			return nil, nil, err
		}
		return &artifacts[i], data, nil
	}
	if f == constants.FormatOriginal {
		return nil, nil, common.UnsupportedFormatError("original format requires preserve_format and a PDF or DOCX source")
	}
	return nil, nil, common.UnsupportedFormatError(fmt.Sprintf("format %s was not produced for %s job %s", f, job.Type, jobID))
}

func (p *Processor) loadPolicy(ctx context.Context, policyID uuid.UUID) (*entity.Policy, error) {
	rec, err := p.repos.Policies.Get(ctx, policyID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.PolicyValidationError(fmt.Sprintf("policy %s does not exist", policyID), err)
		}
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return policy.ParseDocument(rec.ID, rec.Document)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
