package async

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
	"github.com/joseph-ayodele/pii-anonymizer/internal/repository"
)

// Requeuer takes a RUNNING job back from a worker that stopped reporting.
type Requeuer interface {
	Requeue(ctx context.Context, job *entity.Job, cause error) (*entity.Job, error)
}

// Reaper periodically finds RUNNING jobs with no progress write for
// staleAfter and hands them back as a new attempt, or fails them once the
// attempt maximum is reached.
type Reaper struct {
	jobs       repository.JobRepository
	requeuer   Requeuer
	staleAfter time.Duration
	batch      int
	logger     *zap.SugaredLogger
	clock      func() time.Time
	cron       *cron.Cron
}

func NewReaper(jobs repository.JobRepository, requeuer Requeuer, staleAfter time.Duration, logger *zap.SugaredLogger) *Reaper {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Reaper{
		jobs:       jobs,
		requeuer:   requeuer,
		staleAfter: staleAfter,
		batch:      100,
		logger:     logger,
		clock:      time.Now,
	}
}

// Sweep handles one batch of stale jobs and returns how many it moved.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	before := r.clock().UTC().Add(-r.staleAfter)
	stale, err := r.jobs.ListStale(ctx, before, r.batch)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	moved := 0
	for _, job := range stale {
		cause := common.WorkerLostError(fmt.Sprintf("no progress since %s", job.UpdatedAt.UTC().Format(time.RFC3339)))
		updated, err := r.requeuer.Requeue(ctx, job, cause)
		if err != nil {
			// The worker may have written progress after the listing.
			r.logger.Warnw("reaper.requeue.failed", "job_id", job.ID, "attempt", job.Attempt, "err", err)
			continue
		}
		moved++
		r.logger.Infow("reaper.job.reclaimed", "job_id", job.ID, "status", updated.Status, "attempt", updated.Attempt)
	}
	return moved, nil
}

// Start schedules Sweep on a cron schedule such as "@every 5m". Overlapping
// sweeps are skipped.
func (r *Reaper) Start(schedule string) error {
	logger := cronLogger{r.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(schedule, func() {
		n, err := r.Sweep(context.Background())
		if err != nil {
			r.logger.Errorw("reaper.sweep.failed", "err", err)
			return
		}
		if n > 0 {
			r.logger.Infow("reaper.sweep.done", "reclaimed", n)
		}
	}); err != nil {
		return common.NewAppError("CONFIG_ERROR", fmt.Sprintf("invalid reaper schedule %q", schedule), err)
	}
	r.cron = c
	c.Start()
	r.logger.Infow("reaper.started", "schedule", schedule, "stale_after", r.staleAfter)
	return nil
}

// Stop halts the schedule and waits for a running sweep, bounded by ctx.
func (r *Reaper) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// cronLogger routes cron's own messages to zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw("cron."+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw("cron."+msg, append(keysAndValues, "err", err)...)
}
