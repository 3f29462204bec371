package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/output"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
	"github.com/joseph-ayodele/pii-anonymizer/internal/repository"
)

// FSIngestor stores originals in the artifact store and records datasets.
type FSIngestor struct {
	datasets repository.DatasetRepository
	store    output.Store
	maxSize  int64 // bytes; 0 means unlimited
	logger   *zap.SugaredLogger
	clock    func() time.Time
}

// NewFSIngestor builds an ingestor. maxFileSize is a humanized size such as
// "100MB"; empty means unlimited.
func NewFSIngestor(datasets repository.DatasetRepository, store output.Store, maxFileSize string, logger *zap.SugaredLogger) (*FSIngestor, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	var limit int64
	if strings.TrimSpace(maxFileSize) != "" {
		n, err := humanize.ParseBytes(maxFileSize)
		if err != nil {
			return nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("invalid ingest.max_file_size %q", maxFileSize), err)
		}
		limit = int64(n)
	}
	return &FSIngestor{datasets: datasets, store: store, maxSize: limit, logger: logger, clock: time.Now}, nil
}

// OriginalKey is where an upload's bytes live in the store.
func OriginalKey(hashHex, filename string) string {
	return "originals/" + hashHex + "/" + filename
}

func (i *FSIngestor) IngestPath(ctx context.Context, path string) (IngestionResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return IngestionResult{SourcePath: path}, fmt.Errorf("abs path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return IngestionResult{SourcePath: abs}, fmt.Errorf("stat: %w", err)
	}
	if i.maxSize > 0 && info.Size() > i.maxSize {
		return IngestionResult{SourcePath: abs}, i.tooLarge(info.Size())
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return IngestionResult{SourcePath: abs}, fmt.Errorf("read: %w", err)
	}
	res, err := i.IngestBytes(ctx, filepath.Base(abs), data)
	res.SourcePath = abs
	return res, err
}

// IngestBytes fingerprints data, reuses the dataset of an identical earlier
// upload, and otherwise stores the original and creates an UPLOADED dataset.
func (i *FSIngestor) IngestBytes(ctx context.Context, filename string, data []byte) (IngestionResult, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	ext := constants.NormalizeExt(filepath.Ext(filename))
	if ext == "" || !AllowedExt(ext) {
		return IngestionResult{}, common.UnsupportedFileTypeError(ext)
	}
	if len(data) == 0 {
		return IngestionResult{}, fmt.Errorf("%w: %s is empty", common.ErrInvalidInput, filename)
	}
	if i.maxSize > 0 && int64(len(data)) > i.maxSize {
		return IngestionResult{}, i.tooLarge(int64(len(data)))
	}

	sum := sha256.Sum256(data)
	hashHex := hex.EncodeToString(sum[:])
	out := IngestionResult{HashHex: hashHex}

	if existing, err := i.datasets.GetByContentHash(ctx, sum[:]); err == nil {
		i.logger.Infow("ingest.deduplicated", "dataset_id", existing.ID, "sha256", hashHex)
		out.Dataset, out.Deduplicated, out.UploadedAt = existing, true, existing.CreatedAt
		return out, nil
	} else if !errors.Is(err, common.ErrNotFound) {
		return out, fmt.Errorf("lookup by hash: %w", err)
	}

	key := OriginalKey(hashHex, filename)
	contentType := constants.ContentTypeForExt(ext)
	if err := i.store.Put(ctx, key, contentType, data); err != nil {
		return out, fmt.Errorf("store original: %w", err)
	}

	ds := &entity.Dataset{
		Filename:    filename,
		FileExt:     ext,
		MimeType:    contentType,
		Size:        int64(len(data)),
		ContentHash: sum[:],
		StorageKey:  key,
		Status:      constants.DatasetStatusUploaded,
		CreatedAt:   i.clock().UTC(),
	}
	if err := i.datasets.Create(ctx, ds); err != nil {
		// A concurrent upload of the same bytes may have won the insert.
		if existing, getErr := i.datasets.GetByContentHash(ctx, sum[:]); getErr == nil {
			out.Dataset, out.Deduplicated, out.UploadedAt = existing, true, existing.CreatedAt
			return out, nil
		}
		return out, fmt.Errorf("create dataset: %w", err)
	}
	i.logger.Infow("ingest.dataset.created", "dataset_id", ds.ID, "file_ext", ext, "size", humanize.Bytes(uint64(ds.Size)))
	out.Dataset, out.UploadedAt = ds, ds.CreatedAt
	return out, nil
}

func (i *FSIngestor) tooLarge(size int64) error {
	return fmt.Errorf("%w: file size %s exceeds limit %s", common.ErrInvalidInput,
		humanize.Bytes(uint64(size)), humanize.Bytes(uint64(i.maxSize)))
}

func (i *FSIngestor) IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]IngestionResult, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, fmt.Errorf("%w: root path is required", common.ErrInvalidInput)
	}

	var results []IngestionResult
	var stats DirStats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		stats.Scanned++
		if walkErr != nil {
			results = append(results, IngestionResult{SourcePath: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && path != root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}
		ext := constants.NormalizeExt(filepath.Ext(path))
		if !AllowedExt(ext) {
			return nil
		}
		stats.Matched++

		r, err := i.IngestPath(ctx, path)
		if err != nil {
			results = append(results, IngestionResult{SourcePath: path, Err: err.Error()})
			stats.Failed++
			return nil
		}

		results = append(results, r)
		stats.Succeeded++
		if r.Deduplicated {
			stats.Deduplicated++
		}
		return nil
	})

	if err != nil {
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	return results, stats, nil
}
