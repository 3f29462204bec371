package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/output"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
	"github.com/joseph-ayodele/pii-anonymizer/internal/repository"
	"github.com/joseph-ayodele/pii-anonymizer/internal/repository/memory"
)

func newIngestor(t *testing.T, limit string) (*FSIngestor, *repository.Repositories, *output.FSStore) {
	t.Helper()
	store, err := output.NewFSStore(t.TempDir())
	require.NoError(t, err)
	repos := memory.New()
	ing, err := NewFSIngestor(repos.Datasets, store, limit, nil)
	require.NoError(t, err)
	return ing, repos, store
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestIngestBytes(t *testing.T) {
	ctx := context.Background()
	ing, repos, store := newIngestor(t, "1KB")

	res, err := ing.IngestBytes(ctx, "notes.TXT", []byte("Contact: jane@example.com"))
	require.NoError(t, err)
	require.NotNil(t, res.Dataset)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, "txt", res.Dataset.FileExt)
	assert.Equal(t, constants.DatasetStatusUploaded, res.Dataset.Status)
	assert.Equal(t, OriginalKey(res.HashHex, "notes.TXT"), res.Dataset.StorageKey)

	data, err := store.Get(ctx, res.Dataset.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, "Contact: jane@example.com", string(data))

	stored, err := repos.Datasets.Get(ctx, res.Dataset.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Dataset.ID, stored.ID)

	t.Run("identical bytes reuse the dataset", func(t *testing.T) {
		again, err := ing.IngestBytes(ctx, "copy.txt", []byte("Contact: jane@example.com"))
		require.NoError(t, err)
		assert.True(t, again.Deduplicated)
		assert.Equal(t, res.Dataset.ID, again.Dataset.ID)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		_, err := ing.IngestBytes(ctx, "archive.zip", []byte("PK"))
		require.Error(t, err)
		assert.True(t, common.HasCode(err, common.CodeUnsupportedFileType))
	})

	t.Run("empty upload", func(t *testing.T) {
		_, err := ing.IngestBytes(ctx, "empty.txt", nil)
		assert.ErrorIs(t, err, common.ErrInvalidInput)
	})

	t.Run("over the size limit", func(t *testing.T) {
		big := make([]byte, 2000)
		for i := range big {
			big[i] = 'a'
		}
		_, err := ing.IngestBytes(ctx, "big.txt", big)
		assert.ErrorIs(t, err, common.ErrInvalidInput)
	})
}

func TestNewFSIngestorRejectsBadLimit(t *testing.T) {
	_, err := NewFSIngestor(memory.New().Datasets, nil, "lots", nil)
	require.Error(t, err)
	assert.Equal(t, "CONFIG_ERROR", common.ErrorCode(err))
}

func TestIngestDirectory(t *testing.T) {
	ctx := context.Background()
	ing, _, _ := newIngestor(t, "")
	root := t.TempDir()

	writeFile(t, root, "a.txt", "alpha")
	writeFile(t, root, "nested/b.csv", "name,email\nx,x@example.com\n")
	writeFile(t, root, "nested/dup.txt", "alpha")
	writeFile(t, root, "skip.bin", "binary")
	writeFile(t, root, ".hidden/c.txt", "hidden")

	results, stats, err := ing.IngestDirectory(ctx, root, true)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.EqualValues(t, 3, stats.Matched)
	assert.EqualValues(t, 3, stats.Succeeded)
	assert.EqualValues(t, 1, stats.Deduplicated)
	assert.EqualValues(t, 0, stats.Failed)

	_, _, err = ing.IngestDirectory(ctx, "  ", true)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestIsHidden(t *testing.T) {
	assert.True(t, IsHidden("/tmp/.cache"))
	assert.False(t, IsHidden("/tmp/file.txt"))
	assert.False(t, IsHidden("."))
}

func TestWatcherInitialScanFeedsNewDatasets(t *testing.T) {
	ing, _, _ := newIngestor(t, "")
	root := t.TempDir()
	writeFile(t, root, "one.txt", "first")
	writeFile(t, root, "sub/two.txt", "second")
	writeFile(t, root, "sub/again.txt", "first")
	writeFile(t, root, "ignored.bin", "x")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	paths, errs, err := StartWatcher(ctx, WatchConfig{Roots: []string{root}, InitialScan: true, Debounce: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	go func() {
		for range errs {
		}
	}()

	submitted := make(chan string, 8)
	done := make(chan struct{})
	go func() {
		Feed(ctx, ing, paths, func(_ context.Context, ds *entity.Dataset) error {
			submitted <- ds.Filename
			return nil
		}, nil)
		close(done)
	}()

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case name := <-submitted:
			got = append(got, name)
		case <-timeout:
			t.Fatalf("only saw %v", got)
		}
	}
	cancel()
	<-done

	// again.txt and one.txt share bytes; only the first one walked is submitted.
	sort.Strings(got)
	assert.Contains(t, got, "two.txt")
	assert.Len(t, got, 2)
	assert.Empty(t, submitted)
}

func TestStartWatcherRequiresRoots(t *testing.T) {
	_, _, err := StartWatcher(context.Background(), WatchConfig{}, nil)
	assert.Error(t, err)
}
