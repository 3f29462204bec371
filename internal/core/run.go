package core

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/anonymize"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/extract"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/output"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/policy"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
	"github.com/joseph-ayodele/pii-anonymizer/internal/repository"
)

// analyzeFormats are the findings reports an ANALYZE job writes.
var analyzeFormats = []constants.OutputFormat{constants.FormatJSON, constants.FormatCSV, constants.FormatXLSX}

// run is the state of the attempt a worker is executing.
type run struct {
	job    *entity.Job
	seq    int64 // dataset run sequence, 0 until the attempt starts
	logger *zap.SugaredLogger
}

func (r *run) cond() repository.JobCondition {
	return repository.JobCondition{Statuses: []constants.JobStatus{constants.JobStatusRunning}, Attempt: r.job.Attempt}
}

// Run is invoked by a worker for a dequeued job. It moves the job from
// QUEUED to RUNNING, drives extraction, detection, policy evaluation,
// anonymization and output in order, and retries transient failures with
// backoff until the attempt maximum. A job that is no longer QUEUED (it was
// cancelled, or another worker took it) yields ErrInvalidTransition.
func (p *Processor) Run(ctx context.Context, jobID uuid.UUID) error {
	running := constants.JobStatusRunning
	now := p.clock().UTC()
	zero := 0
	job, err := p.repos.Jobs.Transition(ctx, jobID,
		repository.JobCondition{Statuses: []constants.JobStatus{constants.JobStatusQueued}},
		entity.JobUpdate{Status: &running, StartedAt: &now, Progress: &zero})
	if err != nil {
		return err
	}

	r := &run{job: job}
	for {
		r.seq = 0
		r.logger = p.logger.With("job_id", r.job.ID, "dataset_id", r.job.DatasetID, "attempt", r.job.Attempt)
		actx := common.WithJobAttempt(ctx, r.job.ID.String(), r.job.Attempt)
		r.logger.Infow("processor.attempt.started", "type", r.job.Type)

		err := p.runAttempt(actx, r)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, common.ErrJobCancelled):
			return p.finishCancelled(ctx, r)
		case errors.Is(err, common.ErrInvalidTransition):
			r.logger.Warnw("processor.attempt.superseded", "err", err)
			return err
		case ctx.Err() != nil:
			// The worker is stopping or timed out; hand the job back.
			if _, rqErr := p.Requeue(context.WithoutCancel(ctx), r.job, err); rqErr != nil {
				r.logger.Errorw("processor.requeue.failed", "err", rqErr)
			}
			return err
		case common.IsTransient(err) && r.job.Attempt < p.maxAttempts:
			if err := p.backoff(ctx, r, err); err != nil {
				if errors.Is(err, common.ErrJobCancelled) {
					return p.finishCancelled(ctx, r)
				}
				return err
			}
		default:
			return p.fail(ctx, r, err)
		}
	}
}

// backoff records the transient failure, waits, and advances the job to its
// next attempt.
func (p *Processor) backoff(ctx context.Context, r *run, cause error) error {
	delay := p.Backoff(r.job.Attempt)
	msg := cause.Error()
	r.logger.Warnw("processor.attempt.transient", "code", common.ErrorCode(cause), "retry_in", delay, "err", cause)

	job, err := p.repos.Jobs.Transition(ctx, r.job.ID, r.cond(), entity.JobUpdate{ErrorMessage: &msg})
	if err != nil {
		return err
	}
	r.job = job

	if err := p.sleep(ctx, delay); err != nil {
		if _, rqErr := p.Requeue(context.WithoutCancel(ctx), r.job, cause); rqErr != nil {
			r.logger.Errorw("processor.requeue.failed", "err", rqErr)
		}
		return err
	}

	next := r.job.Attempt + 1
	zero := 0
	job, err = p.repos.Jobs.Transition(ctx, r.job.ID, r.cond(), entity.JobUpdate{Attempt: &next, Progress: &zero})
	if err != nil {
		return err
	}
	r.job = job
	if job.CancelRequested {
		return common.ErrJobCancelled
	}
	return nil
}

func (p *Processor) runAttempt(ctx context.Context, r *run) error {
	job := r.job
	ds, err := p.repos.Datasets.Get(ctx, job.DatasetID)
	if err != nil {
		return fmt.Errorf("get dataset: %w", err)
	}
	pol, err := p.loadPolicy(ctx, job.PolicyID)
	if err != nil {
		return err
	}

	seq, err := p.repos.Datasets.BeginRun(ctx, ds.ID)
	if err != nil {
		return fmt.Errorf("begin dataset run: %w", err)
	}
	r.seq = seq
	p.setDatasetStatus(ctx, r, constants.DatasetStatusProcessing)

	data, err := p.store.Get(ctx, ds.StorageKey)
	if err != nil {
		return fmt.Errorf("load original %s: %w", ds.StorageKey, err)
	}

	// Extraction
	res, tried, err := p.selector.Extract(ctx, extract.Input{
		Filename:    ds.Filename,
		FileExt:     ds.FileExt,
		ContentType: ds.MimeType,
		Data:        data,
	})
	if err != nil {
		if common.HasCode(err, common.CodeExtractionFailed) {
			p.setDatasetStatus(ctx, r, constants.DatasetStatusExtractionFailed)
		}
		r.logger.Warnw("processor.extract.failed", "methods_tried", len(tried), "err", err)
		return err
	}
	if err := p.repos.Datasets.SetExtraction(ctx, ds.ID, r.seq, res.Method, res.Confidence); err != nil {
		return fmt.Errorf("record extraction: %w", err)
	}
	method, confidence := string(res.Method), res.Confidence
	ds.ExtractionMethod, ds.ExtractionConfidence = &method, &confidence
	r.logger.Infow("processor.extract.done", "method", res.Method, "confidence", res.Confidence, "chars", len([]rune(res.Text)))
	if err := p.checkpoint(ctx, r, ProgressExtracted); err != nil {
		return err
	}

	// Detection
	findings, err := p.invoker.Detect(ctx, res.Text)
	if err != nil {
		return err
	}
	now := p.clock().UTC()
	for i := range findings {
		findings[i].ID = uuid.New()
		findings[i].DatasetID = ds.ID
		findings[i].JobID = job.ID
		findings[i].Attempt = r.job.Attempt
		findings[i].CreatedAt = now
	}
	r.logger.Infow("processor.detect.done", "findings", len(findings))
	if err := p.checkpoint(ctx, r, ProgressDetected); err != nil {
		return err
	}

	// Policy
	decisions := policy.Evaluate(pol, findings)
	if err := p.checkpoint(ctx, r, ProgressEvaluated); err != nil {
		return err
	}

	// Anonymization
	report := output.Report{Dataset: ds, Policy: pol, Findings: findings}
	formats := analyzeFormats
	if job.Type == constants.JobTypeAnonymize {
		outcome := p.executor.ApplyText(res.Text, findings, decisions)
		report.Text = &outcome.Text
		report.Operations = outcome.Operations
		report.Partial = outcome.Partial()
		formats = slices.DeleteFunc(slices.Clone(p.formats), func(f constants.OutputFormat) bool {
			return f == constants.FormatOriginal
		})

		if pol.PreserveFormat && anonymize.CanReconstruct(ds.FileExt, res.Method) {
			doc, err := p.executor.Reconstruct(ctx, anonymize.Source{
				FileExt: ds.FileExt,
				Data:    data,
				Method:  res.Method,
				Words:   res.Words,
			}, outcome.Operations)
			switch {
			case err == nil:
				report.Original = doc
				report.OriginalExt = ds.FileExt
				formats = append(formats, constants.FormatOriginal)
			case common.IsTransient(err):
				return err
			default:
				report.Partial = true
				r.logger.Warnw("processor.reconstruct.failed", "file_ext", ds.FileExt, "err", err)
			}
		}
		r.logger.Infow("processor.anonymize.done", "operations", len(outcome.Operations), "failures", len(outcome.Failures))
	} else {
		policy.Annotate(findings, decisions)
	}
	if err := p.checkpoint(ctx, r, ProgressAnonymized); err != nil {
		return err
	}

	// Output
	if err := p.repos.Findings.InsertFindings(ctx, findings); err != nil {
		return fmt.Errorf("persist findings: %w", err)
	}
	if len(report.Operations) > 0 {
		if err := p.repos.Operations.InsertOperations(ctx, report.Operations); err != nil {
			return fmt.Errorf("persist operations: %w", err)
		}
	}
	r.job.Partial = report.Partial
	report.Job = r.job
	artifacts, err := p.writer.Write(ctx, report, formats)
	if err != nil {
		return err
	}
	if err := p.checkpoint(ctx, r, ProgressWritten); err != nil {
		return err
	}

	completed := constants.JobStatusCompleted
	done := ProgressDone
	partial := report.Partial
	ended := p.clock().UTC()
	updated, err := p.repos.Jobs.Transition(ctx, job.ID, r.cond(), entity.JobUpdate{
		Status:     &completed,
		Progress:   &done,
		Partial:    &partial,
		ClearError: true,
		EndedAt:    &ended,
	})
	if err != nil {
		return err
	}
	r.job = updated
	p.setDatasetStatus(ctx, r, constants.DatasetStatusCompleted)
	r.logger.Infow("processor.job.completed", "partial", partial, "artifacts", len(artifacts))
	return nil
}

// checkpoint persists progress and reports a pending cancel request. It is
// the only place cancellation is observed, so stages are never interrupted.
func (p *Processor) checkpoint(ctx context.Context, r *run, progress int) error {
	job, err := p.repos.Jobs.Transition(ctx, r.job.ID, r.cond(), entity.JobUpdate{Progress: &progress})
	if err != nil {
		return err
	}
	r.job = job
	if job.CancelRequested {
		r.logger.Infow("processor.cancel.observed", "progress", progress)
		return common.ErrJobCancelled
	}
	return nil
}

func (p *Processor) finishCancelled(ctx context.Context, r *run) error {
	ctx = context.WithoutCancel(ctx)
	cancelled := constants.JobStatusCancelled
	now := p.clock().UTC()
	job, err := p.repos.Jobs.Transition(ctx, r.job.ID, r.cond(), entity.JobUpdate{Status: &cancelled, EndedAt: &now})
	if err != nil {
		return err
	}
	r.job = job
	p.setDatasetStatus(ctx, r, constants.DatasetStatusCancelled)
	r.logger.Infow("processor.job.cancelled", "progress", job.Progress)
	return nil
}

// fail ends the job permanently with the error message kept verbatim.
func (p *Processor) fail(ctx context.Context, r *run, cause error) error {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()
	failed := constants.JobStatusFailed
	now := p.clock().UTC()
	job, err := p.repos.Jobs.Transition(ctx, r.job.ID, r.cond(), entity.JobUpdate{Status: &failed, ErrorMessage: &msg, EndedAt: &now})
	if err != nil {
		r.logger.Errorw("processor.fail.write_failed", "err", err)
		return cause
	}
	r.job = job
	if !common.HasCode(cause, common.CodeExtractionFailed) {
		p.setDatasetStatus(ctx, r, constants.DatasetStatusFailed)
	}
	r.logger.Errorw("processor.job.failed", "code", common.ErrorCode(cause), "transient", common.IsTransient(cause), "err", cause)
	return cause
}

// setDatasetStatus writes the dataset status for the current run only.
func (p *Processor) setDatasetStatus(ctx context.Context, r *run, status constants.DatasetStatus) {
	if r.seq == 0 {
		return
	}
	ok, err := p.repos.Datasets.SetStatusIfCurrent(ctx, r.job.DatasetID, status, r.seq)
	switch {
	case err != nil:
		r.logger.Errorw("processor.dataset.status_failed", "status", status, "err", err)
	case !ok:
		r.logger.Infow("processor.dataset.status_superseded", "status", status, "seq", r.seq)
	}
}
