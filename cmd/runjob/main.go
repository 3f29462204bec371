// runjob processes one local file end to end against the configured
// detection and extraction services, keeping all state in memory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/app"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/output"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/policy"
	"github.com/joseph-ayodele/pii-anonymizer/internal/ingest"
	"github.com/joseph-ayodele/pii-anonymizer/internal/queue"
	"github.com/joseph-ayodele/pii-anonymizer/internal/repository/memory"
)

func main() {
	var (
		file       = flag.String("file", "", "file to process (required)")
		policyPath = flag.String("policy", "", "policy document, YAML or JSON (required)")
		jobTypeStr = flag.String("type", "ANONYMIZE", "job type: ANALYZE or ANONYMIZE")
		outDir     = flag.String("out", "", "directory for artifacts (defaults to <file>.out)")
		configPath = flag.String("config", "", "path to config.yaml (optional)")
	)
	flag.Parse()

	if *file == "" || *policyPath == "" {
		fmt.Fprintln(os.Stderr, "usage: runjob -file <path> -policy <policy.yaml> [-type ANALYZE|ANONYMIZE] [-out dir]")
		os.Exit(2)
	}
	jobType, ok := constants.ParseJobType(*jobTypeStr)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown job type %q\n", *jobTypeStr)
		os.Exit(2)
	}
	if *outDir == "" {
		*outDir = *file + ".out"
	}

	cfg, err := common.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	cfg.Logging.Format = "console"
	base, err := common.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = base.Sync() }()
	logger := base.Sugar().Named("runjob")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, base, logger, *file, *policyPath, jobType, *outDir); err != nil {
		logger.Errorw("runjob.failed", "err", err)
		_ = base.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *common.Config, base *zap.Logger, logger *zap.SugaredLogger, file, policyPath string, jobType constants.JobType, outDir string) error {
	repos := memory.New()
	jobs := queue.NewMemoryQueue()
	defer func() { _ = jobs.Close() }()

	storeDir, err := os.MkdirTemp("", "runjob-store-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(storeDir) }()
	store, err := output.NewFSStore(storeDir)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(policyPath)
	if err != nil {
		return fmt.Errorf("read policy: %w", err)
	}
	rec, pol, err := policy.Publish(ctx, repos.Policies, raw)
	if err != nil {
		return err
	}
	logger.Infow("runjob.policy", "name", rec.Name, "version", rec.Version, "rules", len(pol.Rules))

	ing, err := ingest.NewFSIngestor(repos.Datasets, store, cfg.Ingest.MaxFileSize, common.ComponentLogger(base, "ingest"))
	if err != nil {
		return err
	}
	res, err := ing.IngestPath(ctx, file)
	if err != nil {
		return err
	}

	proc, err := app.NewProcessor(cfg, base, repos, jobs, store)
	if err != nil {
		return err
	}
	job, err := proc.Enqueue(ctx, res.Dataset.ID, rec.ID, jobType, 0)
	if err != nil {
		return err
	}
	next, err := jobs.Dequeue(ctx)
	if err != nil {
		return err
	}
	if runErr := proc.Run(ctx, next.JobID); runErr != nil {
		logger.Warnw("runjob.run.error", "err", runErr)
	}

	job, err = repos.Jobs.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	if job.Status != constants.JobStatusCompleted {
		msg := ""
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		return fmt.Errorf("job %s ended %s after %d attempt(s): %s", job.ID, job.Status, job.Attempt, msg)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	artifacts, err := repos.Artifacts.ListArtifacts(ctx, job.ID, job.Attempt)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		got, data, err := proc.Download(ctx, job.ID, a.Format)
		if err != nil {
			return err
		}
		name := got.ObjectKey[strings.LastIndex(got.ObjectKey, "/")+1:]
		dst := filepath.Join(outDir, name)
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", dst, err)
		}
		logger.Infow("runjob.artifact", "format", a.Format, "path", dst, "sha256", got.SHA256)
	}
	logger.Infow("runjob.done", "job_id", job.ID, "partial", job.Partial, "artifacts", len(artifacts))
	return nil
}
