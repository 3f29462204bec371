// Package app assembles the pipeline from configuration. The binaries share
// it so a daemon and a one-shot run process files identically.
package app

import (
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/anonymize"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/detect"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/extract"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/output"
	"github.com/joseph-ayodele/pii-anonymizer/internal/queue"
	"github.com/joseph-ayodele/pii-anonymizer/internal/remote"
	"github.com/joseph-ayodele/pii-anonymizer/internal/repository"
)

// NewProcessor builds the remote clients, extraction selector, detection
// invoker, anonymization executor and output writer, and joins them into a
// job processor over the given persistence, queue and object store.
func NewProcessor(cfg *common.Config, base *zap.Logger, repos *repository.Repositories, jobs queue.Queue, store output.Store) (*core.Processor, error) {
	detection := remote.New("detection", cfg.Services.Detection, common.ComponentLogger(base, "remote.detection"))
	document := remote.New("document", cfg.Services.Document, common.ComponentLogger(base, "remote.document"))
	ocr := remote.New("ocr", cfg.Services.OCR, common.ComponentLogger(base, "remote.ocr"))

	selector := extract.NewSelector(
		extract.DefaultCapabilities(),
		cfg.Extraction.MinConfidence,
		common.ComponentLogger(base, "extract"),
		extract.NewDirect(),
		extract.NewDocumentService(document, cfg.Extraction.DefaultDocumentConfidence),
		extract.NewOCRService(ocr),
	)

	invoker := detect.NewInvoker(detect.NewServiceAnalyzer(detection), detect.Options{
		MaxChunkChars: cfg.Detection.MaxChunkChars,
		ChunkOverlap:  cfg.Detection.ChunkOverlap,
		ContextWindow: cfg.Detection.ContextWindow,
	}, common.ComponentLogger(base, "detect"))

	settings, err := anonymize.SettingsFromConfig(cfg.Anonymization)
	if err != nil {
		return nil, err
	}
	executor := anonymize.NewExecutor(settings, anonymize.NewServiceRedactor(document), common.ComponentLogger(base, "anonymize"))

	writer := output.NewWriter(store, repos.Artifacts, common.ComponentLogger(base, "output"),
		output.WithWriteAttempts(cfg.Output.WriteAttempts))

	formats, err := core.ParseFormats(cfg.Output.Formats)
	if err != nil {
		return nil, err
	}

	return core.NewProcessor(
		common.ComponentLogger(base, "processor"),
		repos, jobs, store, selector, invoker, executor, writer,
		core.WithRetryPolicy(cfg.Jobs.MaxAttempts, cfg.Jobs.BackoffBase, cfg.Jobs.BackoffCap),
		core.WithOutputFormats(formats),
	), nil
}
