package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := Open(context.Background(), common.DatabaseConfig{Driver: "sqlite", DSN: dsn}, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestSQLiteRepositories(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	repos := New(db, nil)

	require.NoError(t, db.HealthCheck(ctx, time.Second))
	// migrations are additive and safe to repeat
	require.NoError(t, db.Migrate(ctx))

	ds := &entity.Dataset{Filename: "contacts.txt", FileExt: "txt", MimeType: "text/plain", Size: 45, ContentHash: []byte{0xde, 0xad}, StorageKey: "originals/dead/contacts.txt"}
	require.NoError(t, repos.Datasets.Create(ctx, ds))

	t.Run("dataset run sequence", func(t *testing.T) {
		first, err := repos.Datasets.BeginRun(ctx, ds.ID)
		require.NoError(t, err)
		second, err := repos.Datasets.BeginRun(ctx, ds.ID)
		require.NoError(t, err)
		assert.Equal(t, first+1, second)

		ok, err := repos.Datasets.SetStatusIfCurrent(ctx, ds.ID, constants.DatasetStatusCompleted, second)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = repos.Datasets.SetStatusIfCurrent(ctx, ds.ID, constants.DatasetStatusFailed, first)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, repos.Datasets.SetExtraction(ctx, ds.ID, second, constants.MethodDirect, 1))
		got, err := repos.Datasets.GetByContentHash(ctx, []byte{0xde, 0xad})
		require.NoError(t, err)
		assert.Equal(t, constants.DatasetStatusCompleted, got.Status)
		require.NotNil(t, got.ExtractionMethod)
		assert.Equal(t, "direct", *got.ExtractionMethod)
	})

	t.Run("job transitions", func(t *testing.T) {
		job := &entity.Job{DatasetID: ds.ID, PolicyID: uuid.New(), Type: constants.JobTypeAnonymize, Priority: 5}
		require.NoError(t, repos.Jobs.Create(ctx, job))

		running := constants.JobStatusRunning
		now := time.Now()
		got, err := repos.Jobs.Transition(ctx, job.ID,
			JobCondition{Statuses: []constants.JobStatus{constants.JobStatusQueued}},
			entity.JobUpdate{Status: &running, StartedAt: &now})
		require.NoError(t, err)
		assert.Equal(t, running, got.Status)
		assert.NotNil(t, got.StartedAt)

		_, err = repos.Jobs.Transition(ctx, job.ID,
			JobCondition{Statuses: []constants.JobStatus{constants.JobStatusQueued}},
			entity.JobUpdate{Status: &running})
		assert.True(t, IsInvalidTransition(err))

		msg := "detection down"
		got, err = repos.Jobs.Transition(ctx, job.ID, JobCondition{Attempt: 1}, entity.JobUpdate{ErrorMessage: &msg})
		require.NoError(t, err)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, msg, *got.ErrorMessage)

		stale, err := repos.Jobs.ListStale(ctx, time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, job.ID, stale[0].ID)

		list, err := repos.Jobs.ListByDataset(ctx, ds.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		_, err = repos.Jobs.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("findings and operations", func(t *testing.T) {
		jobID := uuid.New()
		red := "[EMAIL_ADDRESS]"
		fs := []entity.Finding{
			{DatasetID: ds.ID, JobID: jobID, Attempt: 1, EntityType: constants.PhoneNumber, Start: 33, End: 45, Text: "555-123-4567", Confidence: 0.5, DecisionReason: constants.ReasonBelowThreshold},
			{DatasetID: ds.ID, JobID: jobID, Attempt: 1, EntityType: constants.EmailAddress, Start: 9, End: 25, Text: "jane@example.com", Confidence: 0.97, ActedUpon: true, Action: constants.ActionRedact, DecisionReason: constants.ReasonActed, AnonymizedText: &red},
		}
		require.NoError(t, repos.Findings.InsertFindings(ctx, fs))
		got, err := repos.Findings.ListFindings(ctx, jobID, 1)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, constants.EmailAddress, got[0].EntityType)
		assert.True(t, got[0].ActedUpon)
		require.NotNil(t, got[0].AnonymizedText)
		assert.Nil(t, got[1].AnonymizedText)

		op := entity.AnonymizationOperation{FindingID: fs[1].ID, JobID: jobID, Attempt: 1, EntityType: constants.EmailAddress,
			Action: constants.ActionRedact, Start: 9, End: 25, OriginalText: "jane@example.com", AnonymizedText: red, AppliedAt: time.Now()}
		require.NoError(t, repos.Operations.InsertOperations(ctx, []entity.AnonymizationOperation{op}))
		op.ID = uuid.Nil
		assert.Error(t, repos.Operations.InsertOperations(ctx, []entity.AnonymizationOperation{op}))

		ops, err := repos.Operations.ListOperations(ctx, jobID, 1)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		assert.Equal(t, "jane@example.com", ops[0].OriginalText)
	})

	t.Run("policies and artifacts", func(t *testing.T) {
		rec := &entity.PolicyRecord{Name: "contacts", Version: "1", Document: []byte("name: contacts")}
		require.NoError(t, repos.Policies.Create(ctx, rec))
		got, err := repos.Policies.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "name: contacts", string(got.Document))
		latest, err := repos.Policies.Latest(ctx, "contacts")
		require.NoError(t, err)
		assert.Equal(t, rec.ID, latest.ID)

		a := &entity.Artifact{DatasetID: ds.ID, JobID: uuid.New(), Attempt: 1, Format: constants.FormatJSON,
			ObjectKey: "k", ContentType: "application/json", Size: 10, SHA256: "abc", Metadata: map[string]any{"policy_name": "contacts"}}
		require.NoError(t, repos.Artifacts.CreateArtifact(ctx, a))
		arts, err := repos.Artifacts.ListArtifacts(ctx, a.JobID, 1)
		require.NoError(t, err)
		require.Len(t, arts, 1)
		assert.Equal(t, "contacts", arts[0].Metadata["policy_name"])
	})
}
