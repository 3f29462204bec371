package core

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/anonymize"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/detect"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/extract"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/output"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
	"github.com/joseph-ayodele/pii-anonymizer/internal/queue"
	"github.com/joseph-ayodele/pii-anonymizer/internal/repository"
	"github.com/joseph-ayodele/pii-anonymizer/internal/repository/memory"
)

const contactText = "Contact: jane@example.com, phone 555-123-4567"

const contactPolicy = `
name: contacts
version: "1"
detection:
  entities:
    - type: EMAIL_ADDRESS
      confidence_threshold: 0.5
      action: redact
    - type: PHONE_NUMBER
      confidence_threshold: 0.8
      action: mask
`

type analyzerFunc func(ctx context.Context, text string) ([]detect.RawEntity, error)

func (f analyzerFunc) Analyze(ctx context.Context, text string) ([]detect.RawEntity, error) {
	return f(ctx, text)
}

// contactAnalyzer reports the email and phone in contactText.
func contactAnalyzer(phoneScore float64) analyzerFunc {
	return func(context.Context, string) ([]detect.RawEntity, error) {
		return []detect.RawEntity{
			{EntityType: "EMAIL_ADDRESS", Start: 9, End: 25, Score: 0.97},
			{EntityType: "PHONE_NUMBER", Start: 33, End: 45, Score: phoneScore},
		}, nil
	}
}

type fakeExtractor struct {
	method constants.ExtractionMethod
	result extract.Result
	err    error
}

func (f *fakeExtractor) Method() constants.ExtractionMethod { return f.method }

func (f *fakeExtractor) Extract(context.Context, extract.Input) (extract.Result, error) {
	return f.result, f.err
}

type harness struct {
	proc   *Processor
	repos  *repository.Repositories
	queue  *queue.MemoryQueue
	files  *output.FSStore
	mu     sync.Mutex
	sleeps []time.Duration
}

func newHarness(t *testing.T, analyzer detect.Analyzer, extractors ...extract.Extractor) *harness {
	t.Helper()
	files, err := output.NewFSStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		repos: memory.New(),
		queue: queue.NewMemoryQueue(),
		files: files,
	}
	extractors = append(extractors, extract.NewDirect())
	selector := extract.NewSelector(nil, 0.6, nil, extractors...)
	invoker := detect.NewInvoker(analyzer, detect.Options{ContextWindow: 10}, nil)
	executor := anonymize.NewExecutor(anonymize.Settings{MaskChar: '*', MaskKeepPrefix: 3, HashLength: 16}, nil, nil)
	writer := output.NewWriter(files, h.repos.Artifacts, nil, output.WithRetryDelay(0))

	h.proc = NewProcessor(nil, h.repos, h.queue, files, selector, invoker, executor, writer,
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sleeps = append(h.sleeps, d)
			return nil
		}))
	return h
}

func (h *harness) dataset(t *testing.T, filename string, data []byte) *entity.Dataset {
	t.Helper()
	ctx := context.Background()
	ext := constants.NormalizeExt(filepath.Ext(filename))
	key := "originals/" + uuid.NewString() + "/" + filename
	require.NoError(t, h.files.Put(ctx, key, constants.ContentTypeForExt(ext), data))
	ds := &entity.Dataset{
		Filename:    filename,
		FileExt:     ext,
		MimeType:    constants.ContentTypeForExt(ext),
		Size:        int64(len(data)),
		ContentHash: []byte(uuid.NewString()),
		StorageKey:  key,
	}
	require.NoError(t, h.repos.Datasets.Create(ctx, ds))
	return ds
}

func (h *harness) policy(t *testing.T, doc string) uuid.UUID {
	t.Helper()
	rec := &entity.PolicyRecord{ID: uuid.New(), Name: "p-" + uuid.NewString(), Version: "1", Document: []byte(doc)}
	require.NoError(t, h.repos.Policies.Create(context.Background(), rec))
	return rec.ID
}

// runNext dequeues one job and runs it.
func (h *harness) runNext(t *testing.T) (uuid.UUID, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	qj, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	return qj.JobID, h.proc.Run(context.Background(), qj.JobID)
}

func (h *harness) job(t *testing.T, id uuid.UUID) *entity.Job {
	t.Helper()
	j, err := h.repos.Jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (h *harness) datasetStatus(t *testing.T, id uuid.UUID) constants.DatasetStatus {
	t.Helper()
	ds, err := h.repos.Datasets.Get(context.Background(), id)
	require.NoError(t, err)
	return ds.Status
}

func TestRunAnonymize(t *testing.T) {
	ctx := context.Background()

	t.Run("acts on findings above threshold", func(t *testing.T) {
		h := newHarness(t, contactAnalyzer(0.85))
		ds := h.dataset(t, "contact.txt", []byte(contactText))
		job, err := h.proc.Enqueue(ctx, ds.ID, h.policy(t, contactPolicy), constants.JobTypeAnonymize, 5)
		require.NoError(t, err)
		assert.Equal(t, constants.JobStatusQueued, job.Status)

		id, err := h.runNext(t)
		require.NoError(t, err)
		assert.Equal(t, job.ID, id)

		got := h.job(t, id)
		assert.Equal(t, constants.JobStatusCompleted, got.Status)
		assert.Equal(t, 1, got.Attempt)
		assert.Equal(t, ProgressDone, got.Progress)
		assert.False(t, got.Partial)
		assert.NotNil(t, got.StartedAt)
		assert.NotNil(t, got.EndedAt)

		_, data, err := h.proc.Download(ctx, id, constants.FormatTXT)
		require.NoError(t, err)
		assert.Equal(t, "Contact: [EMAIL_ADDRESS], phone 555-***-****", string(data))

		stored, err := h.repos.Datasets.Get(ctx, ds.ID)
		require.NoError(t, err)
		assert.Equal(t, constants.DatasetStatusCompleted, stored.Status)
		require.NotNil(t, stored.ExtractionMethod)
		assert.Equal(t, string(constants.MethodDirect), *stored.ExtractionMethod)

		ops, err := h.repos.Operations.ListOperations(ctx, id, 1)
		require.NoError(t, err)
		assert.Len(t, ops, 2)
		assert.Empty(t, h.sleeps)
	})

	t.Run("below threshold finding is kept but not acted on", func(t *testing.T) {
		h := newHarness(t, contactAnalyzer(0.5))
		ds := h.dataset(t, "contact.txt", []byte(contactText))
		_, err := h.proc.Enqueue(ctx, ds.ID, h.policy(t, contactPolicy), constants.JobTypeAnonymize, 0)
		require.NoError(t, err)

		id, err := h.runNext(t)
		require.NoError(t, err)

		_, data, err := h.proc.Download(ctx, id, constants.FormatTXT)
		require.NoError(t, err)
		assert.Equal(t, "Contact: [EMAIL_ADDRESS], phone 555-123-4567", string(data))

		findings, err := h.repos.Findings.ListFindings(ctx, id, 1)
		require.NoError(t, err)
		require.Len(t, findings, 2)
		var phone *entity.Finding
		for i := range findings {
			if findings[i].EntityType == constants.PhoneNumber {
				phone = &findings[i]
			}
		}
		require.NotNil(t, phone)
		assert.False(t, phone.ActedUpon)
		assert.Equal(t, constants.ReasonBelowThreshold, phone.DecisionReason)

		ops, err := h.repos.Operations.ListOperations(ctx, id, 1)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, constants.EmailAddress, ops[0].EntityType)
	})

	t.Run("failed action completes as partial", func(t *testing.T) {
		h := newHarness(t, contactAnalyzer(0.85))
		ds := h.dataset(t, "contact.txt", []byte(contactText))
		pol := strings.Replace(contactPolicy, "action: mask", "action: replace", 1)
		_, err := h.proc.Enqueue(ctx, ds.ID, h.policy(t, pol), constants.JobTypeAnonymize, 0)
		require.NoError(t, err)

		id, err := h.runNext(t)
		require.NoError(t, err)

		got := h.job(t, id)
		assert.Equal(t, constants.JobStatusCompleted, got.Status)
		assert.True(t, got.Partial)
		assert.Equal(t, ProgressDone, got.Progress)

		_, data, err := h.proc.Download(ctx, id, constants.FormatTXT)
		require.NoError(t, err)
		assert.Equal(t, "Contact: [EMAIL_ADDRESS], phone 555-123-4567", string(data))

		_, csvData, err := h.proc.Download(ctx, id, constants.FormatCSV)
		require.NoError(t, err)
		assert.NotContains(t, string(csvData), "555-123-4567")

		findings, err := h.repos.Findings.ListFindings(ctx, id, 1)
		require.NoError(t, err)
		for _, f := range findings {
			if f.EntityType == constants.PhoneNumber {
				assert.False(t, f.ActedUpon)
				assert.Equal(t, constants.ReasonActionFailed, f.DecisionReason)
			}
		}

		ops, err := h.repos.Operations.ListOperations(ctx, id, 1)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, constants.EmailAddress, ops[0].EntityType)
	})

	t.Run("original format is unavailable for text sources", func(t *testing.T) {
		h := newHarness(t, contactAnalyzer(0.85))
		ds := h.dataset(t, "contact.txt", []byte(contactText))
		_, err := h.proc.Enqueue(ctx, ds.ID, h.policy(t, contactPolicy+"anonymization:\n  preserve_format: true\n"), constants.JobTypeAnonymize, 0)
		require.NoError(t, err)
		id, err := h.runNext(t)
		require.NoError(t, err)

		_, _, err = h.proc.Download(ctx, id, constants.FormatOriginal)
		require.Error(t, err)
		assert.True(t, common.HasCode(err, common.CodeUnsupportedFormat))
	})
}

func TestRunAnalyze(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, contactAnalyzer(0.85))
	ds := h.dataset(t, "contact.txt", []byte(contactText))
	_, err := h.proc.Enqueue(ctx, ds.ID, h.policy(t, contactPolicy), constants.JobTypeAnalyze, 0)
	require.NoError(t, err)

	id, err := h.runNext(t)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, h.job(t, id).Status)

	artifacts, err := h.repos.Artifacts.ListArtifacts(ctx, id, 1)
	require.NoError(t, err)
	formats := make([]constants.OutputFormat, 0, len(artifacts))
	for _, a := range artifacts {
		formats = append(formats, a.Format)
	}
	assert.ElementsMatch(t, []constants.OutputFormat{constants.FormatJSON, constants.FormatCSV, constants.FormatXLSX}, formats)

	_, csv, err := h.proc.Download(ctx, id, constants.FormatCSV)
	require.NoError(t, err)
	assert.Contains(t, string(csv), "PHONE_NUMBER,555-123-4567,0.85,mask")

	_, _, err = h.proc.Download(ctx, id, constants.FormatTXT)
	assert.True(t, common.HasCode(err, common.CodeUnsupportedFormat))

	ops, err := h.repos.Operations.ListOperations(ctx, id, 1)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestRunTransientRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds on the third attempt", func(t *testing.T) {
		calls := 0
		inner := contactAnalyzer(0.85)
		h := newHarness(t, analyzerFunc(func(ctx context.Context, text string) ([]detect.RawEntity, error) {
			calls++
			if calls < 3 {
				return nil, common.ServiceError("detection", true, fmt.Errorf("status 503 (call %d)", calls))
			}
			return inner(ctx, text)
		}))
		ds := h.dataset(t, "contact.txt", []byte(contactText))
		_, err := h.proc.Enqueue(ctx, ds.ID, h.policy(t, contactPolicy), constants.JobTypeAnonymize, 0)
		require.NoError(t, err)

		id, err := h.runNext(t)
		require.NoError(t, err)

		got := h.job(t, id)
		assert.Equal(t, constants.JobStatusCompleted, got.Status)
		assert.Equal(t, 3, got.Attempt)
		assert.Nil(t, got.ErrorMessage)
		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, h.sleeps)

		first, err := h.repos.Findings.ListFindings(ctx, id, 1)
		require.NoError(t, err)
		assert.Empty(t, first)
		last, err := h.repos.Findings.ListFindings(ctx, id, 3)
		require.NoError(t, err)
		assert.Len(t, last, 2)
		assert.Equal(t, constants.DatasetStatusCompleted, h.datasetStatus(t, ds.ID))
	})

	t.Run("fails with the last error once attempts run out", func(t *testing.T) {
		calls := 0
		var last error
		h := newHarness(t, analyzerFunc(func(context.Context, string) ([]detect.RawEntity, error) {
			calls++
			last = fmt.Errorf("timeout after 30s (call %d)", calls)
			return nil, last
		}))
		ds := h.dataset(t, "contact.txt", []byte(contactText))
		_, err := h.proc.Enqueue(ctx, ds.ID, h.policy(t, contactPolicy), constants.JobTypeAnonymize, 0)
		require.NoError(t, err)

		id, err := h.runNext(t)
		require.Error(t, err)
		assert.True(t, common.HasCode(err, common.CodeDetectionService))

		got := h.job(t, id)
		assert.Equal(t, constants.JobStatusFailed, got.Status)
		assert.Equal(t, 3, got.Attempt)
		assert.Equal(t, 3, calls)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, common.DetectionServiceError(last).Error(), *got.ErrorMessage)
		assert.Equal(t, constants.DatasetStatusFailed, h.datasetStatus(t, ds.ID))

		_, err = h.proc.Retry(ctx, id)
		assert.ErrorIs(t, err, common.ErrRetryExhausted)
	})
}

func TestRunPermanentFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("extraction failure fails once and marks the dataset", func(t *testing.T) {
		ocr := &fakeExtractor{method: constants.MethodOCR, result: extract.Result{Text: "blurry", Confidence: 0.3}}
		h := newHarness(t, contactAnalyzer(0.85), ocr)
		ds := h.dataset(t, "scan.png", []byte{0x89, 'P', 'N', 'G'})
		_, err := h.proc.Enqueue(ctx, ds.ID, h.policy(t, contactPolicy), constants.JobTypeAnonymize, 0)
		require.NoError(t, err)

		id, err := h.runNext(t)
		require.Error(t, err)
		assert.True(t, common.HasCode(err, common.CodeExtractionFailed))

		got := h.job(t, id)
		assert.Equal(t, constants.JobStatusFailed, got.Status)
		assert.Equal(t, 1, got.Attempt)
		assert.Empty(t, h.sleeps)
		assert.Equal(t, constants.DatasetStatusExtractionFailed, h.datasetStatus(t, ds.ID))

		// A manual retry starts a fresh attempt.
		retried, err := h.proc.Retry(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, constants.JobStatusQueued, retried.Status)
		assert.Equal(t, 2, retried.Attempt)
		assert.Nil(t, retried.ErrorMessage)
		assert.Equal(t, 1, h.queue.Len())
	})

	t.Run("out of scope dataset is rejected at enqueue", func(t *testing.T) {
		h := newHarness(t, contactAnalyzer(0.85))
		ds := h.dataset(t, "contact.txt", []byte(contactText))
		doc := contactPolicy + "scope:\n  file_types: [pdf]\n"
		_, err := h.proc.Enqueue(ctx, ds.ID, h.policy(t, doc), constants.JobTypeAnonymize, 0)
		require.Error(t, err)
		assert.True(t, common.HasCode(err, common.CodeInvalidScope))

		jobs, err := h.repos.Jobs.ListByDataset(ctx, ds.ID)
		require.NoError(t, err)
		assert.Empty(t, jobs)
		assert.Equal(t, 0, h.queue.Len())
	})

	t.Run("unknown policy is a validation error", func(t *testing.T) {
		h := newHarness(t, contactAnalyzer(0.85))
		ds := h.dataset(t, "contact.txt", []byte(contactText))
		_, err := h.proc.Enqueue(ctx, ds.ID, uuid.New(), constants.JobTypeAnonymize, 0)
		require.Error(t, err)
		assert.True(t, common.HasCode(err, common.CodePolicyValidation))
	})

	t.Run("unsupported file type", func(t *testing.T) {
		h := newHarness(t, contactAnalyzer(0.85))
		ds := h.dataset(t, "archive.zip", []byte("PK"))
		_, err := h.proc.Enqueue(ctx, ds.ID, h.policy(t, contactPolicy), constants.JobTypeAnonymize, 0)
		require.Error(t, err)
		assert.True(t, common.HasCode(err, common.CodeUnsupportedFileType))
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("in flight detection finishes before the job halts", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		inner := contactAnalyzer(0.85)
		h := newHarness(t, analyzerFunc(func(ctx context.Context, text string) ([]detect.RawEntity, error) {
			close(started)
			<-release
			return inner(ctx, text)
		}))
		ds := h.dataset(t, "contact.txt", []byte(contactText))
		job, err := h.proc.Enqueue(ctx, ds.ID, h.policy(t, contactPolicy), constants.JobTypeAnonymize, 0)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			_, err := h.runNext(t)
			done <- err
		}()
		<-started

		flagged, err := h.proc.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, constants.JobStatusRunning, flagged.Status)
		assert.True(t, flagged.CancelRequested)
		assert.Equal(t, constants.JobStatusRunning, h.job(t, job.ID).Status)

		close(release)
		require.NoError(t, <-done)

		got := h.job(t, job.ID)
		assert.Equal(t, constants.JobStatusCancelled, got.Status)
		assert.Equal(t, ProgressDetected, got.Progress)
		assert.Equal(t, constants.DatasetStatusCancelled, h.datasetStatus(t, ds.ID))

		findings, err := h.repos.Findings.ListFindings(ctx, job.ID, 1)
		require.NoError(t, err)
		assert.Empty(t, findings)
	})

	t.Run("queued job is cancelled at once", func(t *testing.T) {
		h := newHarness(t, contactAnalyzer(0.85))
		ds := h.dataset(t, "contact.txt", []byte(contactText))
		job, err := h.proc.Enqueue(ctx, ds.ID, h.policy(t, contactPolicy), constants.JobTypeAnonymize, 0)
		require.NoError(t, err)

		got, err := h.proc.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, constants.JobStatusCancelled, got.Status)

		again, err := h.proc.Cancel(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, constants.JobStatusCancelled, again.Status)

		_, err = h.runNext(t)
		assert.ErrorIs(t, err, common.ErrInvalidTransition)
	})

	t.Run("completed job cannot be cancelled", func(t *testing.T) {
		h := newHarness(t, contactAnalyzer(0.85))
		ds := h.dataset(t, "contact.txt", []byte(contactText))
		_, err := h.proc.Enqueue(ctx, ds.ID, h.policy(t, contactPolicy), constants.JobTypeAnonymize, 0)
		require.NoError(t, err)
		id, err := h.runNext(t)
		require.NoError(t, err)

		_, err = h.proc.Cancel(ctx, id)
		assert.ErrorIs(t, err, common.ErrInvalidTransition)
		_, err = h.proc.Retry(ctx, id)
		assert.ErrorIs(t, err, common.ErrInvalidTransition)
	})
}

func TestRequeue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, contactAnalyzer(0.85))
	ds := h.dataset(t, "contact.txt", []byte(contactText))
	job, err := h.proc.Enqueue(ctx, ds.ID, h.policy(t, contactPolicy), constants.JobTypeAnonymize, 0)
	require.NoError(t, err)

	_, err = h.queue.Dequeue(ctx)
	require.NoError(t, err)
	running := constants.JobStatusRunning
	cur, err := h.repos.Jobs.Transition(ctx, job.ID, repository.JobCondition{}, entity.JobUpdate{Status: &running})
	require.NoError(t, err)

	lost := common.WorkerLostError("no progress for 30m")
	requeued, err := h.proc.Requeue(ctx, cur, lost)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusQueued, requeued.Status)
	assert.Equal(t, 2, requeued.Attempt)
	assert.Equal(t, 1, h.queue.Len())

	// The stale attempt can no longer be requeued.
	_, err = h.proc.Requeue(ctx, cur, lost)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)

	last := 3
	cur, err = h.repos.Jobs.Transition(ctx, job.ID, repository.JobCondition{}, entity.JobUpdate{Status: &running, Attempt: &last})
	require.NoError(t, err)
	failed, err := h.proc.Requeue(ctx, cur, lost)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, lost.Error(), *failed.ErrorMessage)
}

func TestBackoff(t *testing.T) {
	p := NewProcessor(nil, nil, nil, nil, nil, nil, nil, nil)
	cases := map[int]time.Duration{
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
		5: 32 * time.Second,
		6: 60 * time.Second,
		9: 60 * time.Second,
	}
	for n, want := range cases {
		assert.Equal(t, want, p.Backoff(n), "attempt %d", n)
	}
	assert.Equal(t, 3, p.MaxAttempts())
}

func TestParseFormats(t *testing.T) {
	got, err := ParseFormats([]string{"TXT", "json", "original"})
	require.NoError(t, err)
	assert.Equal(t, []constants.OutputFormat{constants.FormatTXT, constants.FormatJSON, constants.FormatOriginal}, got)

	_, err = ParseFormats([]string{"pdf"})
	assert.True(t, common.HasCode(err, common.CodeUnsupportedFormat))
}
