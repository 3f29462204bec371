package async

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/queue"
)

// Runner executes one queued job to completion.
type Runner interface {
	Run(ctx context.Context, jobID uuid.UUID) error
}

// Pool is a fixed set of workers pulling jobs from a queue. Each worker runs
// one job at a time and never drops it mid-stage.
type Pool struct {
	runner  Runner
	queue   queue.Queue
	logger  *zap.SugaredLogger
	workers int
	timeout time.Duration
	pause   time.Duration

	pullCtx   context.Context
	stopPull  context.CancelFunc
	runCtx    context.Context
	abortRuns context.CancelFunc
	wg        sync.WaitGroup
	once      sync.Once
	mu        sync.Mutex
	closed    bool
}

type Option func(*Pool)

func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithErrorPause sets how long a worker waits after the queue itself fails.
func WithErrorPause(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pause = d
		}
	}
}

func NewPool(runner Runner, q queue.Queue, logger *zap.SugaredLogger, opts ...Option) *Pool {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	p := &Pool{
		runner:  runner,
		queue:   q,
		logger:  logger,
		workers: 4,
		timeout: 10 * time.Minute,
		pause:   time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	p.pullCtx, p.stopPull = context.WithCancel(context.Background())
	p.runCtx, p.abortRuns = context.WithCancel(context.Background())
	return p
}

// Start launches the workers. Calling it again has no effect.
func (p *Pool) Start() {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				p.logger.Infow("worker.started", "worker_id", workerID)
				p.loop(workerID)
				p.logger.Infow("worker.stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (p *Pool) loop(workerID int) {
	for {
		job, err := p.queue.Dequeue(p.pullCtx)
		switch {
		case err == nil:
			p.handle(workerID, job)
		case errors.Is(err, queue.ErrNoJob):
		case p.pullCtx.Err() != nil, errors.Is(err, queue.ErrQueueClosed):
			return
		default:
			p.logger.Errorw("worker.dequeue.failed", "worker_id", workerID, "err", err)
			select {
			case <-p.pullCtx.Done():
				return
			case <-time.After(p.pause):
			}
		}
	}
}

func (p *Pool) handle(workerID int, job queue.Job) {
	ctx, cancel := context.WithTimeout(p.runCtx, p.timeout)
	defer cancel()
	if job.TraceID != "" {
		ctx = common.WithRequestID(ctx, job.TraceID)
	}

	start := time.Now()
	err := p.runner.Run(ctx, job.JobID)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		p.logger.Infow("worker.job.done", "worker_id", workerID, "job_id", job.JobID, "type", job.Type, "elapsed", elapsed)
	case errors.Is(err, common.ErrInvalidTransition):
		// Cancelled while queued, or a duplicate delivery.
		p.logger.Infow("worker.job.skipped", "worker_id", workerID, "job_id", job.JobID, "reason", err)
	default:
		p.logger.Errorw("worker.job.failed", "worker_id", workerID, "job_id", job.JobID, "code", common.ErrorCode(err), "elapsed", elapsed, "err", err)
	}
}

// Shutdown stops taking new jobs and waits for running ones. If ctx ends
// first, running jobs are aborted and handed back to the queue by the runner.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.stopPull()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-done:
		p.logger.Info("worker pool drained, shutdown complete")
	case <-ctx.Done():
		p.logger.Warn("shutdown interrupted by context, aborting running jobs")
		p.abortRuns()
		<-done
	}
	p.abortRuns()
}
