package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/app"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/async"
	"github.com/joseph-ayodele/pii-anonymizer/internal/core/output"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
	"github.com/joseph-ayodele/pii-anonymizer/internal/ingest"
	"github.com/joseph-ayodele/pii-anonymizer/internal/queue"
	"github.com/joseph-ayodele/pii-anonymizer/internal/repository"
	"github.com/joseph-ayodele/pii-anonymizer/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	cfg, err := common.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	base, err := common.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = base.Sync() }()
	logger := base.Sugar().Named("anonymizerd")
	logger.Infow("anonymizerd.config", "summary", cfg.String())

	if err := run(cfg, base, logger); err != nil {
		logger.Errorw("anonymizerd.exit", "err", err)
		_ = base.Sync()
		os.Exit(1)
	}
}

func run(cfg *common.Config, base *zap.Logger, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.Open(ctx, cfg.Database, common.ComponentLogger(base, "db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.HealthCheck(ctx, 5*time.Second); err != nil {
		return fmt.Errorf("database health: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	repos := repository.New(db, common.ComponentLogger(base, "repository"))

	jobs, err := queue.NewRedisQueue(ctx, cfg.Redis, common.ComponentLogger(base, "queue"))
	if err != nil {
		return fmt.Errorf("connect queue: %w", err)
	}
	defer func() { _ = jobs.Close() }()

	store, err := output.NewStore(ctx, cfg.Storage, common.ComponentLogger(base, "storage"))
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}

	proc, err := app.NewProcessor(cfg, base, repos, jobs, store)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	ingestor, err := ingest.NewFSIngestor(repos.Datasets, store, cfg.Ingest.MaxFileSize, common.ComponentLogger(base, "ingest"))
	if err != nil {
		return err
	}

	pool := async.NewPool(proc, jobs, common.ComponentLogger(base, "workers"),
		async.WithWorkers(cfg.Jobs.Workers),
		async.WithProcessTimeout(cfg.Jobs.ProcessTimeout),
	)
	pool.Start()

	reaper := async.NewReaper(repos.Jobs, proc, cfg.Jobs.StaleAfter, common.ComponentLogger(base, "reaper"))
	if err := reaper.Start(cfg.Jobs.ReaperSchedule); err != nil {
		return err
	}

	if len(cfg.Ingest.WatchDirs) > 0 {
		if err := startWatcher(ctx, cfg, ingestor, repos, proc, common.ComponentLogger(base, "watch")); err != nil {
			return err
		}
	}

	// gRPC health + reflection for probes and grpcurl.
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	serveErr := make(chan error, 2)
	go func() {
		logger.Infow("anonymizerd.grpc.listening", "addr", cfg.Server.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			serveErr <- fmt.Errorf("grpc serve: %w", err)
		}
	}()

	var api *server.Server
	if cfg.Server.HTTPAddr != "" {
		maxBody, _ := humanize.ParseBytes(cfg.Ingest.MaxFileSize)
		api = server.New(cfg.Server, proc, ingestor, repos, int64(maxBody), common.ComponentLogger(base, "api"))
		go func() {
			if err := api.Start(); err != nil {
				serveErr <- fmt.Errorf("http serve: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Infow("anonymizerd.shutdown", "reason", "signal")
	case err := <-serveErr:
		logger.Errorw("anonymizerd.shutdown", "reason", "serve error", "err", err)
	}

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if api != nil {
		if err := api.Stop(shutdownCtx); err != nil {
			logger.Warnw("anonymizerd.http.stop_failed", "err", err)
		}
	}
	reaper.Stop(shutdownCtx)
	pool.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	logger.Infow("anonymizerd.stopped")
	return nil
}

// startWatcher queues every new file dropped into the watch folders under
// the latest version of the configured policy.
func startWatcher(ctx context.Context, cfg *common.Config, ing ingest.Ingestor, repos *repository.Repositories, proc *core.Processor, logger *zap.SugaredLogger) error {
	jobType, ok := constants.ParseJobType(cfg.Ingest.JobType)
	if !ok {
		return fmt.Errorf("%w: ingest.job_type %q", common.ErrInvalidInput, cfg.Ingest.JobType)
	}
	paths, errs, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
		Roots:       cfg.Ingest.WatchDirs,
		InitialScan: true,
		Debounce:    cfg.Ingest.Debounce,
		SkipHidden:  true,
	}, logger)
	if err != nil {
		return fmt.Errorf("watch %s: %w", strings.Join(cfg.Ingest.WatchDirs, ","), err)
	}
	go func() {
		for range errs {
		}
	}()

	submit := func(ctx context.Context, ds *entity.Dataset) error {
		rec, err := repos.Policies.Latest(ctx, cfg.Ingest.PolicyName)
		if err != nil {
			return fmt.Errorf("resolve policy %q: %w", cfg.Ingest.PolicyName, err)
		}
		job, err := proc.Enqueue(ctx, ds.ID, rec.ID, jobType, cfg.Ingest.Priority)
		if err != nil {
			return err
		}
		logger.Infow("watch.job.queued", "job_id", job.ID, "dataset_id", ds.ID, "policy", rec.Name, "version", rec.Version)
		return nil
	}
	go ingest.Feed(ctx, ing, paths, submit, logger)
	logger.Infow("watch.started", "dirs", cfg.Ingest.WatchDirs, "policy", cfg.Ingest.PolicyName)
	return nil
}
