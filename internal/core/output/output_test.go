package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

type flakyStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	objects  map[string][]byte
}

func (s *flakyStore) Put(_ context.Context, key, _ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return common.StorageError("put", errors.New("connection reset"))
	}
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[key] = data
	return nil
}

func (s *flakyStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, common.ErrNotFound
	}
	return data, nil
}

type recorder struct {
	artifacts []entity.Artifact
}

func (r *recorder) CreateArtifact(_ context.Context, a *entity.Artifact) error {
	r.artifacts = append(r.artifacts, *a)
	return nil
}

func sampleReport() Report {
	method := "direct"
	conf := 1.0
	email := "[EMAIL_ADDRESS]"
	text := "Contact: [EMAIL_ADDRESS], phone 555-123-4567"
	ds := &entity.Dataset{ID: uuid.New(), Filename: "contacts.txt", FileExt: "txt", Size: 45, ExtractionMethod: &method, ExtractionConfidence: &conf}
	job := &entity.Job{ID: uuid.New(), DatasetID: ds.ID, Type: constants.JobTypeAnonymize, Attempt: 1}
	findings := []entity.Finding{
		{ID: uuid.New(), EntityType: constants.EmailAddress, Start: 9, End: 25, Text: "jane@example.com", Confidence: 0.97,
			ActedUpon: true, Action: constants.ActionRedact, DecisionReason: constants.ReasonActed, AnonymizedText: &email},
		{ID: uuid.New(), EntityType: constants.PhoneNumber, Start: 33, End: 45, Text: "555-123-4567", Confidence: 0.5,
			Action: constants.ActionMask, DecisionReason: constants.ReasonBelowThreshold},
	}
	ops := []entity.AnonymizationOperation{{
		ID: uuid.New(), FindingID: findings[0].ID, JobID: job.ID, Attempt: 1, EntityType: constants.EmailAddress,
		Action: constants.ActionRedact, Start: 9, End: 25, OriginalText: "jane@example.com", AnonymizedText: email,
	}}
	return Report{
		Dataset:     ds,
		Job:         job,
		Policy:      &entity.Policy{Name: "contacts", Version: "3"},
		Findings:    findings,
		Operations:  ops,
		Text:        &text,
		GeneratedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWriterWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("all report formats with provenance", func(t *testing.T) {
		store := &flakyStore{}
		rec := &recorder{}
		w := NewWriter(store, rec, nil, WithRetryDelay(0))
		r := sampleReport()

		arts, err := w.Write(ctx, r, []constants.OutputFormat{constants.FormatTXT, constants.FormatJSON, constants.FormatCSV, constants.FormatXLSX})
		require.NoError(t, err)
		require.Len(t, arts, 4)
		assert.Len(t, rec.artifacts, 4)

		txt := arts[0]
		assert.Equal(t, ObjectKey(r.Dataset.ID, r.Job.ID, 1, "anonymized.txt"), txt.ObjectKey)
		assert.Equal(t, int64(len(*r.Text)), txt.Size)
		assert.Len(t, txt.SHA256, 64)
		assert.Equal(t, "contacts", txt.Metadata["policy_name"])
		assert.Equal(t, "direct", txt.Metadata["extraction_method"])

		data, err := w.Fetch(ctx, &txt)
		require.NoError(t, err)
		assert.Equal(t, *r.Text, string(data))

		var report map[string]any
		require.NoError(t, json.Unmarshal(store.objects[arts[1].ObjectKey], &report))
		assert.Contains(t, report, "dataset")
		assert.Contains(t, report, "operations")
		assert.Equal(t, "2024-05-01T12:00:00Z", report["generatedAt"])
		assert.NotContains(t, string(store.objects[arts[1].ObjectKey]), "jane@example.com")

		lines := strings.Split(strings.TrimSpace(string(store.objects[arts[2].ObjectKey])), "\n")
		require.Len(t, lines, 3)
		assert.Equal(t, "entityType,text,confidence,action", lines[0])
		assert.Equal(t, "EMAIL_ADDRESS,[EMAIL_ADDRESS],0.97,redact", lines[1])
		assert.Equal(t, "PHONE_NUMBER,************,0.5,none", lines[2])

		xf, err := excelize.OpenReader(bytes.NewReader(store.objects[arts[3].ObjectKey]))
		require.NoError(t, err)
		defer xf.Close()
		rows, err := xf.GetRows("Findings")
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, "EMAIL_ADDRESS", rows[1][0])
		assert.Equal(t, "************", rows[2][3])
	})

	t.Run("retries a failed put once", func(t *testing.T) {
		store := &flakyStore{failures: 1}
		w := NewWriter(store, nil, nil, WithRetryDelay(0))
		arts, err := w.Write(ctx, sampleReport(), []constants.OutputFormat{constants.FormatTXT})
		require.NoError(t, err)
		assert.Len(t, arts, 1)
		assert.Equal(t, 2, store.calls)
	})

	t.Run("gives up after the configured attempts", func(t *testing.T) {
		store := &flakyStore{failures: 5}
		w := NewWriter(store, nil, nil, WithRetryDelay(0), WithWriteAttempts(2))
		_, err := w.Write(ctx, sampleReport(), []constants.OutputFormat{constants.FormatJSON})
		require.Error(t, err)
		assert.True(t, common.HasCode(err, common.CodeOutputWrite))
		assert.Equal(t, 2, store.calls)
	})

	t.Run("unavailable formats", func(t *testing.T) {
		w := NewWriter(&flakyStore{}, nil, nil)
		r := sampleReport()
		r.Text = nil

		_, err := w.Write(ctx, r, []constants.OutputFormat{constants.FormatTXT})
		assert.True(t, common.HasCode(err, common.CodeUnsupportedFormat))

		_, err = w.Write(ctx, r, []constants.OutputFormat{constants.FormatOriginal})
		assert.True(t, common.HasCode(err, common.CodeUnsupportedFormat))
	})

	t.Run("original copy", func(t *testing.T) {
		store := &flakyStore{}
		w := NewWriter(store, nil, nil)
		r := sampleReport()
		r.Original = []byte("%PDF-1.7 redacted")
		r.OriginalExt = ".PDF"
		arts, err := w.Write(ctx, r, []constants.OutputFormat{constants.FormatOriginal})
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(arts[0].ObjectKey, "/anonymized.pdf"))
		assert.Equal(t, "application/pdf", arts[0].ContentType)
	})
}

func TestReportTextHidesUnactedValues(t *testing.T) {
	ctx := context.Background()
	card := "[CREDIT_CARD]"
	text := "card [CREDIT_CARD] end"
	findings := []entity.Finding{
		{ID: uuid.New(), EntityType: constants.CreditCard, Start: 5, End: 21, Text: "4111111111111111", Confidence: 0.95,
			ActedUpon: true, Action: constants.ActionRedact, DecisionReason: constants.ReasonActed, AnonymizedText: &card},
		{ID: uuid.New(), EntityType: constants.PhoneNumber, Start: 5, End: 15, Text: "4111111111", Confidence: 0.6,
			Action: constants.ActionRedact, DecisionReason: constants.ReasonOverlapLoser},
	}

	t.Run("anonymize reports mask the losing overlap", func(t *testing.T) {
		store := &flakyStore{}
		w := NewWriter(store, nil, nil)
		r := Report{
			Dataset:  &entity.Dataset{ID: uuid.New(), Filename: "card.txt", FileExt: "txt"},
			Job:      &entity.Job{ID: uuid.New(), Type: constants.JobTypeAnonymize, Attempt: 1},
			Findings: findings,
			Text:     &text,
		}
		arts, err := w.Write(ctx, r, []constants.OutputFormat{constants.FormatCSV, constants.FormatXLSX})
		require.NoError(t, err)

		csvData := string(store.objects[arts[0].ObjectKey])
		assert.NotContains(t, csvData, "4111111111")
		assert.Contains(t, csvData, "PHONE_NUMBER,**********,0.6,none")

		xf, err := excelize.OpenReader(bytes.NewReader(store.objects[arts[1].ObjectKey]))
		require.NoError(t, err)
		defer xf.Close()
		rows, err := xf.GetRows("Findings")
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, "[CREDIT_CARD]", rows[1][3])
		assert.Equal(t, "**********", rows[2][3])
	})

	t.Run("analyze reports keep detected text", func(t *testing.T) {
		store := &flakyStore{}
		w := NewWriter(store, nil, nil)
		r := Report{
			Dataset:  &entity.Dataset{ID: uuid.New(), Filename: "card.txt", FileExt: "txt"},
			Job:      &entity.Job{ID: uuid.New(), Type: constants.JobTypeAnalyze, Attempt: 1},
			Findings: findings,
		}
		arts, err := w.Write(ctx, r, []constants.OutputFormat{constants.FormatCSV})
		require.NoError(t, err)
		assert.Contains(t, string(store.objects[arts[0].ObjectKey]), "PHONE_NUMBER,4111111111,0.6,none")
	})
}

func TestFSStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "datasets/a/b.txt", "text/plain", []byte("hello")))
	data, err := s.Get(ctx, "datasets/a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = s.Get(ctx, "datasets/missing")
	assert.ErrorIs(t, err, common.ErrNotFound)

	err = s.Put(ctx, "../escape", "", []byte("x"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}
