package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is one unit of background work: a repost or an on-demand digest.
type Job struct {
	ID   string
	Kind string
	Run  func(ctx context.Context) error
}

type jobIDKey struct{}

// WithJobID tags ctx with the running job id.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// JobID returns the job id stored by WithJobID, or "".
func JobID(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

// JobPool runs jobs on a fixed set of workers so the poll loop never waits on them.
type JobPool struct {
	workers int
	timeout time.Duration
	logger  *slog.Logger

	queue chan Job
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewJobPool sizes the pool. Each job gets its own timeout-bounded context.
func NewJobPool(workers, queueSize int, timeout time.Duration, logger *slog.Logger) *JobPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobPool{
		workers: workers,
		timeout: timeout,
		logger:  logger.With("component", "jobs"),
		queue:   make(chan Job, queueSize),
	}
}

// Start launches the workers. They exit when ctx ends or Shutdown drains the queue.
func (p *JobPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Submit enqueues job without blocking. It reports false when the queue is full or closed.
func (p *JobPool) Submit(job Job) bool {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- job:
		p.logger.Info("job queued", "job_id", job.ID, "kind", job.Kind)
		return true
	default:
		p.logger.Warn("job queue full, dropping job", "job_id", job.ID, "kind", job.Kind)
		return false
	}
}

// Shutdown stops accepting work and waits for queued and in-flight jobs.
func (p *JobPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *JobPool) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(ctx, n, job)
		}
	}
}

func (p *JobPool) run(parent context.Context, worker int, job Job) {
	ctx := WithJobID(parent, job.ID)
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	logger := p.logger.With("job_id", job.ID, "kind", job.Kind, "worker", worker)
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", "panic", r)
		}
	}()

	if err := job.Run(ctx); err != nil {
		logger.Error("job failed", "error", err, "elapsed", time.Since(started).Round(time.Millisecond))
		return
	}
	logger.Info("job finished", "elapsed", time.Since(started).Round(time.Millisecond))
}
