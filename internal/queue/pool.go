package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maltedev/seed-scraper/internal/ratelimit"
)

// Handler processes one job. The returned value is stored as the job result.
type Handler func(ctx context.Context, job *Job) (any, error)

// Observer is notified when a job attempt finishes; the metrics package
// implements it.
type Observer interface {
	JobFinished(jobType string, state State, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) JobFinished(string, State, time.Duration) {}

type PoolConfig struct {
	Concurrency   int
	JobsPerMinute int
	PollInterval  time.Duration
	SweepInterval time.Duration
	CleanInterval time.Duration
	Retention     Retention
}

// Pool runs a fixed number of workers against a RedisQueue plus one
// maintenance loop that promotes delayed jobs, recovers stalled ones and
// applies retention.
type Pool struct {
	queue    *RedisQueue
	cfg      PoolConfig
	limiter  *ratelimit.JobLimiter
	observer Observer
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewPool(q *RedisQueue, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.CleanInterval <= 0 {
		cfg.CleanInterval = time.Hour
	}
	return &Pool{
		queue:    q,
		cfg:      cfg,
		limiter:  ratelimit.NewJobLimiter(cfg.JobsPerMinute),
		observer: noopObserver{},
		logger:   logger.With("component", "worker_pool"),
		handlers: make(map[string]Handler),
	}
}

func (p *Pool) SetObserver(o Observer) {
	p.observer = o
}

func (p *Pool) Handle(jobType string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

func (p *Pool) handler(jobType string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

// Run blocks until ctx is cancelled. Jobs in flight at shutdown are put
// back on the queue.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	p.logger.Info("worker pool started", "concurrency", p.cfg.Concurrency, "jobs_per_minute", p.cfg.JobsPerMinute)

	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			p.work(ctx, workerID)
			return nil
		})
	}
	g.Go(func() error {
		p.maintain(ctx)
		return nil
	})

	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, workerID int) {
	logger := p.logger.With("worker_id", workerID)

	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, ErrNoJob) && ctx.Err() == nil {
				logger.Error("dequeue failed", "error", err)
			}
			if ratelimit.Sleep(ctx, p.cfg.PollInterval) != nil {
				return
			}
			continue
		}

		if err := p.limiter.Wait(ctx); err != nil {
			p.release(job, logger)
			return
		}

		p.process(ctx, job, logger)
	}
}

func (p *Pool) process(ctx context.Context, job *Job, logger *slog.Logger) {
	logger = logger.With("job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)
	start := time.Now()

	h, ok := p.handler(job.Type)
	if !ok {
		logger.Error("no handler registered for job type")
		p.fail(job, Permanent(fmt.Errorf("no handler for job type %q", job.Type)), start, logger)
		return
	}

	jobCtx, stopLease := context.WithCancel(ctx)
	go p.keepLease(jobCtx, job.ID, logger)

	logger.Info("processing job")
	result, err := p.invoke(jobCtx, h, job)
	stopLease()

	if ctx.Err() != nil {
		p.release(job, logger)
		return
	}
	if err != nil {
		p.fail(job, err, start, logger)
		return
	}

	if cerr := p.queue.Complete(context.WithoutCancel(ctx), job.ID, result); cerr != nil {
		logger.Error("failed to mark job completed", "error", cerr)
		return
	}
	p.observer.JobFinished(job.Type, StateCompleted, time.Since(start))
	logger.Info("job completed", "duration", time.Since(start))
}

// invoke turns a handler panic into an error so one bad job cannot take
// the worker down.
func (p *Pool) invoke(ctx context.Context, h Handler, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v\n%s", r, debug.Stack())
		}
	}()
	return h(ctx, job)
}

func (p *Pool) fail(job *Job, cause error, start time.Time, logger *slog.Logger) {
	retry, err := p.queue.Fail(context.Background(), job.ID, cause)
	if err != nil {
		logger.Error("failed to record job failure", "error", err, "cause", cause)
		return
	}
	if retry {
		p.observer.JobFinished(job.Type, StateDelayed, time.Since(start))
		logger.Warn("job failed, will retry", "error", cause, "backoff", p.queue.Backoff(job.Attempts))
		return
	}
	p.observer.JobFinished(job.Type, StateFailed, time.Since(start))
	logger.Error("job failed permanently", "error", cause)
}

func (p *Pool) release(job *Job, logger *slog.Logger) {
	if err := p.queue.Release(context.Background(), job.ID); err != nil {
		logger.Error("failed to release job", "job_id", job.ID, "error", err)
		return
	}
	logger.Info("job released for another worker", "job_id", job.ID)
}

func (p *Pool) keepLease(ctx context.Context, id string, logger *slog.Logger) {
	ticker := time.NewTicker(p.queue.StallTimeout() / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, id); err != nil && ctx.Err() == nil {
				logger.Warn("failed to extend job lease", "error", err)
			}
		}
	}
}

func (p *Pool) maintain(ctx context.Context) {
	sweep := time.NewTicker(p.cfg.SweepInterval)
	defer sweep.Stop()
	clean := time.NewTicker(p.cfg.CleanInterval)
	defer clean.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if n, err := p.queue.PromoteDelayed(ctx); err != nil {
				p.logger.Error("promote delayed jobs failed", "error", err)
			} else if n > 0 {
				p.logger.Debug("promoted delayed jobs", "count", n)
			}
			if n, err := p.queue.RequeueStalled(ctx); err != nil {
				p.logger.Error("requeue stalled jobs failed", "error", err)
			} else if n > 0 {
				p.logger.Warn("recovered stalled jobs", "count", n)
			}
		case <-clean.C:
			if n, err := p.queue.Clean(ctx, p.cfg.Retention); err != nil {
				p.logger.Error("queue cleanup failed", "error", err)
			} else if n > 0 {
				p.logger.Info("cleaned finished jobs", "count", n)
			}
		}
	}
}
